// Package ingest wraps franz-go for the Kafka topics this fleet produces
// and consumes: storage (orchestrator -> storage writer), ack (storage
// writer -> push dispatcher), offline-push (push dispatcher -> push
// worker), and dlq-push (push worker dead letters).
package ingest

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ProducerConfig mirrors the acks/retries/backoff knobs the orchestrator
// applies to its Kafka producer.
type ProducerConfig struct {
	Brokers                    []string `yaml:"brokers"`
	Topic                      string   `yaml:"topic"`
	RequiredAcks                int      `yaml:"required_acks"` // 1 = leader ack
	MaxRetries                 int      `yaml:"max_retries"`
	MaxInFlightPerConnection   int      `yaml:"max_in_flight_per_connection"`
}

func DefaultProducerConfig(topic string) ProducerConfig {
	return ProducerConfig{
		Topic:                    topic,
		RequiredAcks:             1,
		MaxRetries:               3,
		MaxInFlightPerConnection: 5,
	}
}

// Producer publishes records to a single topic.
type Producer struct {
	client *kgo.Client
	topic  string
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	acks := kgo.LeaderAck()
	if cfg.RequiredAcks == -1 {
		acks = kgo.AllISRAcks()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(acks),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.MaxProduceRequestsInflightPerBroker(cfg.MaxInFlightPerConnection),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return &Producer{client: client, topic: cfg.Topic}, nil
}

// Produce publishes key/value synchronously, returning the first error
// encountered.
func (p *Producer) Produce(ctx context.Context, key, value []byte) error {
	results := p.client.ProduceSync(ctx, &kgo.Record{Topic: p.topic, Key: key, Value: value})
	return results.FirstErr()
}

func (p *Producer) Close() { p.client.Close() }

// ConsumerConfig describes a consumer-group subscription to one topic.
type ConsumerConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Group   string   `yaml:"group"`
}

// Consumer wraps a franz-go client configured for group consumption with
// explicit offset commits (the fleet never auto-commits: a record is only
// committed once its handler, including archive writes or gateway pushes,
// has fully succeeded).
type Consumer struct {
	client *kgo.Client
	logger log.Logger
}

func NewConsumer(cfg ConsumerConfig, logger log.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.Group),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka consumer: %w", err)
	}
	return &Consumer{client: client, logger: logger}, nil
}

// Handler processes one record; a non-nil error leaves the record
// uncommitted so it is redelivered.
type Handler func(ctx context.Context, record *kgo.Record) error

// Run polls until ctx is cancelled, invoking handle for every fetched
// record and committing only the records handle accepted.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				level.Error(c.logger).Log("msg", "kafka fetch error", "topic", e.Topic, "partition", e.Partition, "err", e.Err)
			}
		}

		fetches.EachRecord(func(record *kgo.Record) {
			if err := handle(ctx, record); err != nil {
				level.Warn(c.logger).Log("msg", "record handler failed, will redeliver", "topic", record.Topic, "err", err)
				return
			}
			c.client.MarkCommitRecords(record)
		})

		if err := c.client.CommitMarkedOffsets(ctx); err != nil {
			level.Error(c.logger).Log("msg", "commit offsets failed", "err", err)
		}
	}
}

func (c *Consumer) Close() { c.client.Close() }

// Client exposes the underlying kgo.Client for operations (like
// LeaveConsumerGroupByInstanceID) that need direct request access.
func (c *Consumer) Client() *kgo.Client { return c.client }

// Package pushworker consumes the offline-push topic and delivers each
// task through an external channel sender (APNs/FCM/WebPush), retrying
// every failed send under its retry policy and dead-lettering the task
// once the attempts are used up. Errors are not classified: a permanent
// failure is retried the same way as a transient one.
package pushworker

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/flarecore/messaging-core/pkg/ingest"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/flarecore/messaging-core/pkg/retrypolicy"
	"github.com/flarecore/messaging-core/pkg/wire"
	"github.com/flarecore/messaging-core/util/metrics"
)

type Config struct {
	ConsumerGroup string `yaml:"consumer_group"`
	AckTopic      string `yaml:"ack_topic"`
	DLQTopic      string `yaml:"dlq_topic"`
	Retry         retrypolicy.Config `yaml:"retry"`
}

func DefaultConfig() Config {
	return Config{
		ConsumerGroup: "push-worker",
		AckTopic:      "ack",
		DLQTopic:      "dlq-push",
		Retry:         retrypolicy.DefaultConfig("push-worker-channel"),
	}
}

// Worker is the push-worker component: one per consumer-group member,
// consuming offline-push and delivering through the channel registry.
type Worker struct {
	cfg          Config
	logger       log.Logger
	consumer     *ingest.Consumer
	ackProducer  *ingest.Producer
	dlqProducer  *ingest.Producer
	senders      map[string]Sender
	defaultChan  string
	retry        *retrypolicy.Policy
	metrics      *metrics.PushWorkerMetrics
}

// SetMetrics injects this service's prometheus collectors, built once at
// boot by cmd/messaging.
func (w *Worker) SetMetrics(m *metrics.PushWorkerMetrics) {
	w.metrics = m
}

// New wires a Worker. senders maps a channel name (apns/fcm/webpush) to
// its Sender; defaultChannel is used when a task carries no channel hint.
func New(cfg Config, logger log.Logger, consumer *ingest.Consumer, ackProducer, dlqProducer *ingest.Producer, senders map[string]Sender, defaultChannel string) *Worker {
	return &Worker{
		cfg:         cfg,
		logger:      logger,
		consumer:    consumer,
		ackProducer: ackProducer,
		dlqProducer: dlqProducer,
		senders:     senders,
		defaultChan: defaultChannel,
		retry:       retrypolicy.New(cfg.Retry),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Run(ctx, w.handleRecord)
}

func (w *Worker) handleRecord(ctx context.Context, record *kgo.Record) error {
	task, err := wire.DecodePushTask(record.Value)
	if err != nil {
		level.Error(w.logger).Log("msg", "failed to decode offline push task, dropping", "err", err)
		return nil
	}

	channel := task.Channel
	if channel == "" {
		channel = w.defaultChan
	}
	sender, ok := w.senders[channel]
	if !ok {
		return w.deadLetter(ctx, task, fmt.Errorf("no sender registered for channel %q", channel))
	}

	err = w.retry.Do(ctx, func(ctx context.Context) error {
		return sender.Send(ctx, task)
	})
	if err != nil {
		w.metrics.IncDelivery(channel, "failed")
		if ackErr := w.publishAck(ctx, task, false); ackErr != nil {
			level.Warn(w.logger).Log("msg", "failed to publish failure ack", "err", ackErr)
		}
		return w.deadLetter(ctx, task, err)
	}

	w.metrics.IncDelivery(channel, "delivered")
	return w.publishAck(ctx, task, true)
}

func (w *Worker) publishAck(ctx context.Context, task model.PushDispatchTask, delivered bool) error {
	event := model.DeliveryEvent{
		TenantID:  task.TenantID,
		MessageID: task.MessageID,
		UserID:    firstUserID(task),
		Delivered: delivered,
	}
	buf, err := wire.EncodeDeliveryEvent(event)
	if err != nil {
		return err
	}
	return w.ackProducer.Produce(ctx, []byte(task.MessageID), buf)
}

// deadLetter publishes the task plus its error reason to the DLQ topic;
// the DLQ is never reprocessed automatically, so this always returns nil
// to avoid redelivery once the error is durably recorded.
func (w *Worker) deadLetter(ctx context.Context, task model.PushDispatchTask, reason error) error {
	level.Error(w.logger).Log("msg", "push permanently failed, sending to dlq", "message_id", task.MessageID, "user_id", firstUserID(task), "err", reason)
	w.metrics.IncDLQ("send_failed")
	buf, err := wire.EncodeDLQEntry(wire.DLQEntry{Task: task, Reason: reason.Error()})
	if err != nil {
		level.Error(w.logger).Log("msg", "failed to encode dlq entry, dropping", "err", err)
		return nil
	}
	if err := w.dlqProducer.Produce(ctx, []byte(task.MessageID), buf); err != nil {
		level.Error(w.logger).Log("msg", "failed to publish to dlq, dropping", "err", err)
	}
	return nil
}

func firstUserID(task model.PushDispatchTask) string {
	if len(task.UserIDs) == 0 {
		return ""
	}
	return task.UserIDs[0]
}

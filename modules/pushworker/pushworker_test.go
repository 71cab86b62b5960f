package pushworker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/flarecore/messaging-core/modules/pushworker"
	"github.com/flarecore/messaging-core/pkg/ingest"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/flarecore/messaging-core/pkg/wire"
)

type fakeSender struct {
	err error
}

func (f *fakeSender) Send(ctx context.Context, task model.PushDispatchTask) error {
	return f.err
}

func newCluster(t *testing.T, topics ...string) string {
	t.Helper()
	fake, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, topics...))
	require.NoError(t, err)
	t.Cleanup(fake.Close)
	return fake.ListenAddrs()[0]
}

func TestWorker_SuccessfulSendEmitsAck(t *testing.T) {
	addr := newCluster(t, "offline-push", "ack", "dlq-push")

	consumer, err := ingest.NewConsumer(ingest.ConsumerConfig{Brokers: []string{addr}, Topic: "offline-push", Group: "push-worker"}, log.NewNopLogger())
	require.NoError(t, err)
	defer consumer.Close()

	ackPCfg := ingest.DefaultProducerConfig("ack")
	ackPCfg.Brokers = []string{addr}
	ackProducer, err := ingest.NewProducer(ackPCfg)
	require.NoError(t, err)
	defer ackProducer.Close()

	dlqPCfg := ingest.DefaultProducerConfig("dlq-push")
	dlqPCfg.Brokers = []string{addr}
	dlqProducer, err := ingest.NewProducer(dlqPCfg)
	require.NoError(t, err)
	defer dlqProducer.Close()

	offlinePCfg := ingest.DefaultProducerConfig("offline-push")
	offlinePCfg.Brokers = []string{addr}
	offlineProducer, err := ingest.NewProducer(offlinePCfg)
	require.NoError(t, err)
	defer offlineProducer.Close()

	worker := pushworker.New(pushworker.DefaultConfig(), log.NewNopLogger(), consumer, ackProducer, dlqProducer,
		map[string]pushworker.Sender{"fcm": &fakeSender{}}, "fcm")

	ackConsumer, err := ingest.NewConsumer(ingest.ConsumerConfig{Brokers: []string{addr}, Topic: "ack", Group: "test-ack-reader"}, log.NewNopLogger())
	require.NoError(t, err)
	defer ackConsumer.Close()

	buf, err := wire.EncodePushTask(model.PushDispatchTask{TenantID: "t1", MessageID: "m1", UserIDs: []string{"u1"}, Payload: []byte("hi")})
	require.NoError(t, err)
	require.NoError(t, offlineProducer.Produce(context.Background(), []byte("u1"), buf))

	runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = worker.Run(runCtx) }()

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ackCancel()
	received := make(chan *kgo.Record, 1)
	go func() {
		_ = ackConsumer.Run(ackCtx, func(ctx context.Context, record *kgo.Record) error {
			select {
			case received <- record:
			default:
			}
			return nil
		})
	}()

	select {
	case record := <-received:
		event, err := wire.DecodeDeliveryEvent(record.Value)
		require.NoError(t, err)
		require.Equal(t, "m1", event.MessageID)
		require.True(t, event.Delivered)
	case <-ackCtx.Done():
		t.Fatal("timed out waiting for ack")
	}
}

func TestWorker_PermanentFailureGoesToDLQ(t *testing.T) {
	addr := newCluster(t, "offline-push", "ack", "dlq-push")

	consumer, err := ingest.NewConsumer(ingest.ConsumerConfig{Brokers: []string{addr}, Topic: "offline-push", Group: "push-worker"}, log.NewNopLogger())
	require.NoError(t, err)
	defer consumer.Close()

	ackPCfg := ingest.DefaultProducerConfig("ack")
	ackPCfg.Brokers = []string{addr}
	ackProducer, err := ingest.NewProducer(ackPCfg)
	require.NoError(t, err)
	defer ackProducer.Close()

	dlqPCfg := ingest.DefaultProducerConfig("dlq-push")
	dlqPCfg.Brokers = []string{addr}
	dlqProducer, err := ingest.NewProducer(dlqPCfg)
	require.NoError(t, err)
	defer dlqProducer.Close()

	offlinePCfg := ingest.DefaultProducerConfig("offline-push")
	offlinePCfg.Brokers = []string{addr}
	offlineProducer, err := ingest.NewProducer(offlinePCfg)
	require.NoError(t, err)
	defer offlineProducer.Close()

	cfg := pushworker.DefaultConfig()
	cfg.Retry.MaxAttempts = 1
	worker := pushworker.New(cfg, log.NewNopLogger(), consumer, ackProducer, dlqProducer,
		map[string]pushworker.Sender{"fcm": &fakeSender{err: errors.New("channel unavailable")}}, "fcm")

	dlqConsumer, err := ingest.NewConsumer(ingest.ConsumerConfig{Brokers: []string{addr}, Topic: "dlq-push", Group: "test-dlq-reader"}, log.NewNopLogger())
	require.NoError(t, err)
	defer dlqConsumer.Close()

	buf, err := wire.EncodePushTask(model.PushDispatchTask{TenantID: "t1", MessageID: "m2", UserIDs: []string{"u2"}, Payload: []byte("hi")})
	require.NoError(t, err)
	require.NoError(t, offlineProducer.Produce(context.Background(), []byte("u2"), buf))

	runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = worker.Run(runCtx) }()

	dlqCtx, dlqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dlqCancel()
	received := make(chan *kgo.Record, 1)
	go func() {
		_ = dlqConsumer.Run(dlqCtx, func(ctx context.Context, record *kgo.Record) error {
			select {
			case received <- record:
			default:
			}
			return nil
		})
	}()

	select {
	case record := <-received:
		entry, err := wire.DecodeDLQEntry(record.Value)
		require.NoError(t, err)
		require.Equal(t, "m2", entry.Task.MessageID)
		require.Contains(t, entry.Reason, "channel unavailable")
	case <-dlqCtx.Done():
		t.Fatal("timed out waiting for dlq entry")
	}
}

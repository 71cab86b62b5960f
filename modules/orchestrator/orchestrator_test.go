package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/flarecore/messaging-core/modules/orchestrator"
	"github.com/flarecore/messaging-core/pkg/cache"
	"github.com/flarecore/messaging-core/pkg/hooks"
	"github.com/flarecore/messaging-core/pkg/idempotency"
	"github.com/flarecore/messaging-core/pkg/ingest"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/flarecore/messaging-core/pkg/tenant"
	"github.com/flarecore/messaging-core/pkg/walstore"
	"github.com/flarecore/messaging-core/pkg/wire"
)

func newTestOrchestrator(t *testing.T) (*orchestrator.Orchestrator, string) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	idemStore := idempotency.New(idempotency.Config{
		Redis: cache.RedisConfig{Endpoint: mr.Addr()},
		TTL:   time.Minute,
	})
	wal, err := walstore.New(walstore.Config{
		Redis: cache.RedisConfig{Endpoint: mr.Addr()},
		TTL:   time.Minute,
	})
	require.NoError(t, err)

	fake, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, "storage", "push"))
	require.NoError(t, err)
	t.Cleanup(fake.Close)
	addr := fake.ListenAddrs()[0]

	storagePCfg := ingest.DefaultProducerConfig("storage")
	storagePCfg.Brokers = []string{addr}
	storageProducer, err := ingest.NewProducer(storagePCfg)
	require.NoError(t, err)
	t.Cleanup(storageProducer.Close)

	pushPCfg := ingest.DefaultProducerConfig("push")
	pushPCfg.Brokers = []string{addr}
	pushProducer, err := ingest.NewProducer(pushPCfg)
	require.NoError(t, err)
	t.Cleanup(pushProducer.Close)

	registry := hooks.NewRegistry(log.NewNopLogger())

	o := orchestrator.New(orchestrator.DefaultConfig(), log.NewNopLogger(), idemStore, registry, wal, storageProducer, pushProducer, nil)
	return o, addr
}

func TestSend_AssignsMessageIDAndPublishes(t *testing.T) {
	o, addr := newTestOrchestrator(t)

	consumer, err := ingest.NewConsumer(ingest.ConsumerConfig{
		Brokers: []string{addr},
		Topic:   "storage",
		Group:   "test-storage-writer",
	}, log.NewNopLogger())
	require.NoError(t, err)
	defer consumer.Close()

	ctx := tenant.WithID(context.Background(), "t1")
	messageID, err := o.Send(ctx, model.MessageDraft{
		ConversationID:   "conv1",
		ConversationType: model.ConversationSingle,
		SenderID:         "u1",
		MessageType:      model.MessageTypeText,
		Payload:          []byte("hello"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, messageID)

	consumeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	received := make(chan *kgo.Record, 1)
	go func() {
		_ = consumer.Run(consumeCtx, func(ctx context.Context, record *kgo.Record) error {
			select {
			case received <- record:
			default:
			}
			return nil
		})
	}()

	select {
	case record := <-received:
		msg, err := wire.DecodeMessage(record.Value)
		require.NoError(t, err)
		require.Equal(t, messageID, msg.MessageID)
	case <-consumeCtx.Done():
		t.Fatal("timed out waiting for published storage record")
	}
}

func TestSend_RejectsWithoutTenant(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.Send(context.Background(), model.MessageDraft{})
	require.Error(t, err)
}

func TestSend_IdempotentResendReturnsSameID(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := tenant.WithID(context.Background(), "t1")
	draft := model.MessageDraft{
		ClientMessageID:  "client-x",
		ConversationID:   "conv1",
		ConversationType: model.ConversationSingle,
		SenderID:         "u1",
		MessageType:      model.MessageTypeText,
		Payload:          []byte("hello"),
	}

	first, err := o.Send(ctx, draft)
	require.NoError(t, err)

	second, err := o.Send(ctx, draft)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

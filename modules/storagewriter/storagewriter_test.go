package storagewriter_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/flarecore/messaging-core/modules/overrides"
	"github.com/flarecore/messaging-core/modules/storagereader"
	"github.com/flarecore/messaging-core/modules/storagewriter"
	"github.com/flarecore/messaging-core/pkg/archive"
	"github.com/flarecore/messaging-core/pkg/cache"
	"github.com/flarecore/messaging-core/pkg/conversation"
	"github.com/flarecore/messaging-core/pkg/hotcache"
	"github.com/flarecore/messaging-core/pkg/ingest"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/flarecore/messaging-core/pkg/wire"
)

func TestWriter_HandlesInsertAndEmitsAck(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")

	archiveStore := archive.New(sqlxDB, time.Second)
	convStore := conversation.New(sqlxDB, time.Second)
	hotCache := hotcache.New(hotcache.Config{Redis: cache.RedisConfig{Endpoint: mr.Addr()}, TTL: time.Minute})

	mock.ExpectQuery("SELECT (.+) FROM messages").
		WillReturnRows(sqlmock.NewRows([]string{
			"message_id", "tenant_id", "client_message_id", "conversation_id", "conversation_type",
			"sender_id", "message_type", "seq", "payload", "headers", "extra", "visibility", "reactions", "read_by",
			"is_recalled", "recalled_at", "is_burn_after_read", "burn_after_seconds", "status", "created_at", "updated_at",
		}))
	mock.ExpectQuery("INSERT INTO conversations").
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id", "tenant_id", "type", "channel_id", "last_message_seq", "created_at", "updated_at"}).
			AddRow("conv1", "t1", "single", "", 0, time.Now(), time.Now()))
	mock.ExpectQuery("UPDATE conversations").
		WillReturnRows(sqlmock.NewRows([]string{"last_message_seq"}).AddRow(int64(1)))
	mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO conversation_participants").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE conversation_participants").
		WillReturnResult(sqlmock.NewResult(0, 0))

	fake, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, "storage", "ack"))
	require.NoError(t, err)
	defer fake.Close()
	addr := fake.ListenAddrs()[0]

	ackPCfg := ingest.DefaultProducerConfig("ack")
	ackPCfg.Brokers = []string{addr}
	ackProducer, err := ingest.NewProducer(ackPCfg)
	require.NoError(t, err)
	defer ackProducer.Close()

	consumer, err := ingest.NewConsumer(ingest.ConsumerConfig{Brokers: []string{addr}, Topic: "storage", Group: "storage-writer"}, log.NewNopLogger())
	require.NoError(t, err)
	defer consumer.Close()

	ackConsumer, err := ingest.NewConsumer(ingest.ConsumerConfig{Brokers: []string{addr}, Topic: "ack", Group: "test-ack-reader"}, log.NewNopLogger())
	require.NoError(t, err)
	defer ackConsumer.Close()

	producerCfg := ingest.DefaultProducerConfig("storage")
	producerCfg.Brokers = []string{addr}
	producer, err := ingest.NewProducer(producerCfg)
	require.NoError(t, err)
	defer producer.Close()

	msg := model.Message{
		MessageID:        "m1",
		TenantID:         "t1",
		ConversationID:   "conv1",
		ConversationType: model.ConversationSingle,
		SenderID:         "u1",
		MessageType:      model.MessageTypeText,
		Payload:          []byte("hi"),
	}
	buf, err := wire.EncodeMessage(msg)
	require.NoError(t, err)
	require.NoError(t, producer.Produce(context.Background(), []byte("conv1"), buf))

	reader := storagereader.New(storagereader.Config{
		QueryCache: cache.RedisConfig{Endpoint: mr.Addr()},
		QueryTTL:   time.Minute,
	}, archiveStore, convStore, hotCache)
	ov, err := overrides.New(overrides.Config{Defaults: overrides.DefaultLimits()}, log.NewNopLogger())
	require.NoError(t, err)
	defer ov.Close()

	writer := storagewriter.New(storagewriter.DefaultConfig(), log.NewNopLogger(), consumer, ackProducer, archiveStore, convStore, hotCache, reader, ov)

	runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = writer.Run(runCtx) }()

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

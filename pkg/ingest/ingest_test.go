package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/flarecore/messaging-core/pkg/ingest"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestProducerConsumer_RoundTrip(t *testing.T) {
	fake, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, "storage"))
	require.NoError(t, err)
	t.Cleanup(fake.Close)
	addr := fake.ListenAddrs()[0]

	pcfg := ingest.DefaultProducerConfig("storage")
	pcfg.Brokers = []string{addr}
	producer, err := ingest.NewProducer(pcfg)
	require.NoError(t, err)
	defer producer.Close()

	require.NoError(t, producer.Produce(context.Background(), []byte("key-1"), []byte("payload-1")))

	consumer, err := ingest.NewConsumer(ingest.ConsumerConfig{
		Brokers: []string{addr},
		Topic:   "storage",
		Group:   "storage-writer",
	}, log.NewNopLogger())
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *kgo.Record, 1)
	go func() {
		_ = consumer.Run(ctx, func(ctx context.Context, record *kgo.Record) error {
			select {
			case received <- record:
			default:
			}
			return nil
		})
	}()

	select {
	case rec := <-received:
		require.Equal(t, "payload-1", string(rec.Value))
	case <-ctx.Done():
		t.Fatal("timed out waiting for consumed record")
	}
}

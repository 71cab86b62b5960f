package pushdispatcher_test

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

	"github.com/flarecore/messaging-core/modules/pushdispatcher"
	"github.com/flarecore/messaging-core/pkg/cache"
	"github.com/flarecore/messaging-core/pkg/conversation"
	"github.com/flarecore/messaging-core/pkg/ingest"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/flarecore/messaging-core/pkg/presence"
	"github.com/flarecore/messaging-core/pkg/wire"
)

type fakeGateway struct {
	statuses map[string]pushdispatcher.GatewayPushStatus
}

func (f *fakeGateway) Push(ctx context.Context, req pushdispatcher.GatewayPushRequest) (pushdispatcher.GatewayPushResponse, error) {
	resp := pushdispatcher.GatewayPushResponse{}
	for _, userID := range req.UserIDs {
		status := f.statuses[userID]
		resp.Results = append(resp.Results, pushdispatcher.GatewayUserResult{UserID: userID, Status: status})
	}
	return resp, nil
}

func newTestDispatcher(t *testing.T, gw pushdispatcher.GatewayClient) (*pushdispatcher.Dispatcher, *presence.Store, string, sqlmock.Sqlmock) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	presenceStore := presence.New(presence.Config{Redis: cache.RedisConfig{Endpoint: mr.Addr()}, TTL: time.Minute})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	convStore := conversation.New(sqlx.NewDb(db, "postgres"), time.Second)

	fake, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, "offline-push"))
	require.NoError(t, err)
	t.Cleanup(fake.Close)
	addr := fake.ListenAddrs()[0]

	pCfg := ingest.DefaultProducerConfig("offline-push")
	pCfg.Brokers = []string{addr}
	offlineProducer, err := ingest.NewProducer(pCfg)
	require.NoError(t, err)
	t.Cleanup(offlineProducer.Close)

	cfg := pushdispatcher.DefaultConfig()
	d := pushdispatcher.New(cfg, log.NewNopLogger(), presenceStore, convStore, gw, offlineProducer, cache.RedisConfig{Endpoint: mr.Addr()})
	return d, presenceStore, addr, mock
}

func TestDispatch_OnlineUserSucceedsWithoutOfflineFallback(t *testing.T) {
	gw := &fakeGateway{statuses: map[string]pushdispatcher.GatewayPushStatus{"u2": pushdispatcher.GatewayPushSuccess}}
	d, presenceStore, _, _ := newTestDispatcher(t, gw)
	ctx := context.Background()

	_, err := presenceStore.Login(ctx, "t1", "u2", "d1", "ios", "gw-1", 5, model.ConflictReject)
	require.NoError(t, err)

	task := model.PushDispatchTask{
		TenantID:  "t1",
		MessageID: "m1",
		UserIDs:   []string{"u2"},
		Payload:   []byte("hi"),
	}
	require.NoError(t, d.Dispatch(ctx, []model.PushDispatchTask{task}))
}

func TestDispatch_OfflineUserEnqueuesOfflineTask(t *testing.T) {
	gw := &fakeGateway{}
	d, _, addr, _ := newTestDispatcher(t, gw)
	ctx := context.Background()

	consumer, err := ingest.NewConsumer(ingest.ConsumerConfig{Brokers: []string{addr}, Topic: "offline-push", Group: "test-offline-reader"}, log.NewNopLogger())
	require.NoError(t, err)
	defer consumer.Close()

	task := model.PushDispatchTask{
		TenantID:  "t1",
		MessageID: "m2",
		UserIDs:   []string{"u3"},
		Payload:   []byte("hi"),
	}
	require.NoError(t, d.Dispatch(ctx, []model.PushDispatchTask{task}))

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
		offlineTask, err := wire.DecodePushTask(record.Value)
		require.NoError(t, err)
		require.Equal(t, "m2", offlineTask.MessageID)
		require.Equal(t, []string{"u3"}, offlineTask.UserIDs)
	case <-consumeCtx.Done():
		t.Fatal("timed out waiting for offline task")
	}
}

func TestDispatch_NotificationDiscardedInsteadOfOffline(t *testing.T) {
	gw := &fakeGateway{}
	d, _, addr, _ := newTestDispatcher(t, gw)
	ctx := context.Background()

	consumer, err := ingest.NewConsumer(ingest.ConsumerConfig{Brokers: []string{addr}, Topic: "offline-push", Group: "test-offline-reader-2"}, log.NewNopLogger())
	require.NoError(t, err)
	defer consumer.Close()

	task := model.PushDispatchTask{
		TenantID:       "t1",
		MessageID:      "m3",
		UserIDs:        []string{"u4"},
		Payload:        []byte("hi"),
		IsNotification: true,
	}
	require.NoError(t, d.Dispatch(ctx, []model.PushDispatchTask{task}))

	consumeCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = consumer.Run(consumeCtx, func(ctx context.Context, record *kgo.Record) error {
		t.Fatal("notification should not have produced an offline task")
		return nil
	})
}

func TestHandleAckRecord_ConfirmsPendingAck(t *testing.T) {
	gw := &fakeGateway{statuses: map[string]pushdispatcher.GatewayPushStatus{"u5": pushdispatcher.GatewayPushSuccess}}
	d, presenceStore, _, _ := newTestDispatcher(t, gw)
	ctx := context.Background()
	_, err := presenceStore.Login(ctx, "t1", "u5", "d1", "ios", "gw-1", 5, model.ConflictReject)
	require.NoError(t, err)

	task := model.PushDispatchTask{TenantID: "t1", MessageID: "m5", UserIDs: []string{"u5"}, Payload: []byte("hi")}
	require.NoError(t, d.Dispatch(ctx, []model.PushDispatchTask{task}))

	buf, err := wire.EncodeDeliveryEvent(model.DeliveryEvent{TenantID: "t1", MessageID: "m5", UserID: "u5", Delivered: true})
	require.NoError(t, err)
	require.NoError(t, d.HandleAckRecord(ctx, &kgo.Record{Value: buf}))
}

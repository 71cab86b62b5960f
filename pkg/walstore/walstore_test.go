package walstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flarecore/messaging-core/pkg/cache"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/flarecore/messaging-core/pkg/walstore"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *walstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := walstore.New(walstore.Config{
		Redis: cache.RedisConfig{Endpoint: mr.Addr(), Timeout: 100 * time.Millisecond},
		TTL:   time.Minute,
	})
	require.NoError(t, err)
	return s
}

func TestNew_RejectsMissingFields(t *testing.T) {
	_, err := walstore.New(walstore.Config{})
	require.Error(t, err)
}

func TestAppendGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	draft := model.MessageDraft{TenantID: "t1", ConversationID: "c1", SenderID: "u1"}
	fp, err := s.Append(ctx, "t1", "m1", draft)
	require.NoError(t, err)
	require.NotEmpty(t, fp)

	entry, err := s.Get(ctx, "t1", fp)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "m1", entry.MessageID)

	require.NoError(t, s.Delete(ctx, "t1", fp))

	entry, err = s.Get(ctx, "t1", fp)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestScan_ReturnsAllEntriesForTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, "t1", "m"+string(rune('0'+i)), model.MessageDraft{TenantID: "t1"})
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, "t2", "other-tenant", model.MessageDraft{TenantID: "t2"})
	require.NoError(t, err)

	entries, err := s.Scan(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

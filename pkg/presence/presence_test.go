package presence_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/flarecore/messaging-core/pkg/cache"
	"github.com/flarecore/messaging-core/pkg/flareerr"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/flarecore/messaging-core/pkg/presence"
)

func newStore(t *testing.T) *presence.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return presence.New(presence.Config{
		Redis: cache.RedisConfig{Endpoint: mr.Addr(), Timeout: 100 * time.Millisecond},
		TTL:   time.Minute,
	})
}

func TestLoginThenBatchGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Login(ctx, "t1", "u1", "d1", "ios", "gw-1", 5, model.ConflictReject)
	require.NoError(t, err)
	_, err = s.Login(ctx, "t1", "u2", "d2", "android", "gw-2", 5, model.ConflictReject)
	require.NoError(t, err)

	got, err := s.BatchGet(ctx, "t1", []string{"u1", "u2", "u3"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "gw-1", got["u1"].GatewayID)
	require.Equal(t, "gw-2", got["u2"].GatewayID)
	_, ok := got["u3"]
	require.False(t, ok)
}

func TestOnlineUsersByShard_FindsAcrossShards(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for _, u := range users {
		_, err := s.Login(ctx, "t1", u, "d", "ios", "gw-1", 5, model.ConflictReject)
		require.NoError(t, err)
	}

	found := map[string]bool{}
	for shard := 0; shard < presence.OnlineSetShards; shard++ {
		ids, err := s.OnlineUsersByShard(ctx, "t1", shard)
		require.NoError(t, err)
		for _, id := range ids {
			found[id] = true
		}
	}
	for _, u := range users {
		require.True(t, found[u], "expected %s to be found in some shard", u)
	}
}

func TestLogout_RemovesEntry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Login(ctx, "t1", "u1", "d1", "ios", "gw-1", 5, model.ConflictReject)
	require.NoError(t, err)
	require.NoError(t, s.Logout(ctx, "t1", "u1", "d1"))

	got, err := s.BatchGet(ctx, "t1", []string{"u1"})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestLogin_MaxDevicesReject(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Login(ctx, "t1", "u1", "d1", "ios", "gw-1", 1, model.ConflictReject)
	require.NoError(t, err)

	_, err = s.Login(ctx, "t1", "u1", "d2", "android", "gw-2", 1, model.ConflictReject)
	require.Error(t, err)
	require.True(t, flareerr.IsCode(err, flareerr.CodeResourceExhausted))

	online, devices, err := s.GetOnlineStatus(ctx, "t1", "u1")
	require.NoError(t, err)
	require.True(t, online)
	require.Len(t, devices, 1)
}

func TestLogin_MaxDevicesKickOldest(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Login(ctx, "t1", "u1", "d1", "ios", "gw-1", 1, model.ConflictKickOldest)
	require.NoError(t, err)

	_, err = s.Login(ctx, "t1", "u1", "d2", "android", "gw-2", 1, model.ConflictKickOldest)
	require.NoError(t, err)

	_, devices, err := s.GetOnlineStatus(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "d2", devices[0].DeviceID)
}

func TestLogin_MaxDevicesAllowCoexist(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Login(ctx, "t1", "u1", "d1", "ios", "gw-1", 1, model.ConflictAllowCoexist)
	require.NoError(t, err)
	_, err = s.Login(ctx, "t1", "u1", "d2", "android", "gw-2", 1, model.ConflictAllowCoexist)
	require.NoError(t, err)

	_, devices, err := s.GetOnlineStatus(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Len(t, devices, 2)
}

func TestHeartbeat_RequiresPriorLogin(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.Heartbeat(ctx, "t1", "u1", "d1")
	require.Error(t, err)
	require.True(t, flareerr.IsCode(err, flareerr.CodeNotFound))

	_, err = s.Login(ctx, "t1", "u1", "d1", "ios", "gw-1", 5, model.ConflictReject)
	require.NoError(t, err)
	require.NoError(t, s.Heartbeat(ctx, "t1", "u1", "d1"))
}

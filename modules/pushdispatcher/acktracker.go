package pushdispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flarecore/messaging-core/pkg/cache"
)

const pendingAckZSet = "push:pending-acks"

// ackTracker records one (message_id, user_id) pending-ACK per user a
// message was successfully pushed to, in a Redis sorted set scored by
// ACK deadline so a timeout sweep is a bounded ZRANGEBYSCORE instead of a
// per-key TTL poll.
type ackTracker struct {
	client  *cache.RedisClient
	timeout time.Duration
}

func newAckTracker(cfg cache.RedisConfig, timeout time.Duration) *ackTracker {
	return &ackTracker{client: cache.NewRedisClient(&cfg), timeout: timeout}
}

func ackMember(tenantID, messageID, userID string) string {
	return tenantID + ":" + messageID + ":" + userID
}

// register marks (message_id, user_id) as awaiting client ACK, due by now
// + the configured ACK timeout.
func (t *ackTracker) register(ctx context.Context, tenantID, messageID, userID string) error {
	deadline := time.Now().Add(t.timeout).Unix()
	return t.client.Underlying().ZAdd(ctx, pendingAckZSet, &redis.Z{
		Score:  float64(deadline),
		Member: ackMember(tenantID, messageID, userID),
	}).Err()
}

// confirm removes a pending ACK, returning whether one was actually
// outstanding (false means it already timed out or was never registered).
func (t *ackTracker) confirm(ctx context.Context, tenantID, messageID, userID string) (bool, error) {
	n, err := t.client.Underlying().ZRem(ctx, pendingAckZSet, ackMember(tenantID, messageID, userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// expired returns and removes every pending-ACK member whose deadline has
// passed as of now, for the retry-on-timeout sweep.
func (t *ackTracker) expired(ctx context.Context, now time.Time) ([]string, error) {
	members, err := t.client.Underlying().ZRangeByScore(ctx, pendingAckZSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := t.client.Underlying().ZRem(ctx, pendingAckZSet, args...).Err(); err != nil {
		return nil, err
	}
	return members, nil
}

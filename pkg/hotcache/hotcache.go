// Package hotcache implements the recent-message accelerator the storage
// reader consults for by-id reads before falling back to the archive: one
// Redis string key per message (JSON) plus a per-conversation zset index
// ordered by seq. Archive is always the source of truth; the storage
// writer puts the archive's copy of each message here, and a read miss
// does not re-populate an entry (see DESIGN.md's cache/archive conflict
// resolution).
package hotcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flarecore/messaging-core/pkg/cache"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/go-redis/redis/v8"
)

type Config struct {
	Redis cache.RedisConfig `yaml:"redis"`
	TTL   time.Duration     `yaml:"ttl"`
	// MaxPerConversation bounds the zset index so a hot conversation
	// doesn't grow the cache unboundedly.
	MaxPerConversation int64 `yaml:"max_per_conversation"`
}

type Cache struct {
	client *cache.RedisClient
	cfg    Config
}

func New(cfg Config) *Cache {
	rc := cfg.Redis
	rc.Expiration = cfg.TTL
	return &Cache{client: cache.NewRedisClient(&rc), cfg: cfg}
}

func messageKey(tenantID, messageID string) string {
	return "hot:msg:" + tenantID + ":" + messageID
}

func indexKey(tenantID, conversationID string) string {
	return "hot:idx:" + tenantID + ":" + conversationID
}

// Put stores msg and indexes it by seq within its conversation. Always
// called with the archive-assigned seq/status, per the writer's
// cache-follows-archive invariant.
func (c *Cache) Put(ctx context.Context, msg model.Message) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.client.MSet(ctx, []string{messageKey(msg.TenantID, msg.MessageID)}, [][]byte{buf}); err != nil {
		return err
	}

	z := c.client.Underlying().ZAdd(ctx, indexKey(msg.TenantID, msg.ConversationID), &redis.Z{
		Score:  float64(msg.Seq),
		Member: msg.MessageID,
	})
	if z.Err() != nil {
		return z.Err()
	}
	c.client.Underlying().Expire(ctx, indexKey(msg.TenantID, msg.ConversationID), c.cfg.TTL)

	if c.cfg.MaxPerConversation > 0 {
		c.client.Underlying().ZRemRangeByRank(ctx, indexKey(msg.TenantID, msg.ConversationID), 0, -c.cfg.MaxPerConversation-1)
	}
	return nil
}

// Get fetches a single cached message, returning (nil, nil) on a miss.
func (c *Cache) Get(ctx context.Context, tenantID, messageID string) (*model.Message, error) {
	vals, err := c.client.MGet(ctx, []string{messageKey(tenantID, messageID)})
	if err != nil {
		return nil, err
	}
	if vals[0] == nil {
		return nil, nil
	}
	var msg model.Message
	if err := json.Unmarshal(vals[0], &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// RecentByConversation returns up to limit of the most recent cached
// messages in a conversation, newest first, or (nil, nil) if the index
// isn't present (caller must fall back to the archive).
func (c *Cache) RecentByConversation(ctx context.Context, tenantID, conversationID string, limit int64) ([]model.Message, error) {
	ids, err := c.client.Underlying().ZRevRange(ctx, indexKey(tenantID, conversationID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(tenantID, id)
	}
	vals, err := c.client.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make([]model.Message, 0, len(vals))
	for _, v := range vals {
		if v == nil {
			continue
		}
		var msg model.Message
		if err := json.Unmarshal(v, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Invalidate removes a message entry, used after recall.
func (c *Cache) Invalidate(ctx context.Context, tenantID, messageID string) error {
	return c.client.Del(ctx, messageKey(tenantID, messageID))
}

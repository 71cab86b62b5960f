// Package cache provides the generic Redis-backed byte cache shared by
// pkg/walstore, pkg/hotcache, and pkg/presence, transparently switching
// between a single-node and a comma-separated multi-endpoint client the
// same way the upstream client does.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures a RedisClient. Endpoint may be a single
// "host:port" or a comma-joined list of endpoints, in which case the
// client fans out over a redis.UniversalClient that talks to each as a
// ring member.
type RedisConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Expiration time.Duration `yaml:"expiration"`
	Timeout    time.Duration `yaml:"timeout"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
}

// RedisClient wraps a redis.UniversalClient with the MSet/MGet batch shape
// every store in this fleet builds on.
type RedisClient struct {
	cfg    *RedisConfig
	client redis.UniversalClient
}

func NewRedisClient(cfg *RedisConfig) *RedisClient {
	endpoints := splitEndpoints(cfg.Endpoint)

	var client redis.UniversalClient
	if len(endpoints) > 1 {
		client = redis.NewRing(&redis.RingOptions{
			Addrs:        addrMap(endpoints),
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         endpoints[0],
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})
	}

	return &RedisClient{cfg: cfg, client: client}
}

func splitEndpoints(endpoint string) []string {
	parts := strings.Split(endpoint, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}

func addrMap(endpoints []string) map[string]string {
	m := make(map[string]string, len(endpoints))
	for i, e := range endpoints {
		m[shardName(i)] = e
	}
	return m
}

func shardName(i int) string {
	return "shard" + string(rune('0'+i))
}

// MSet stores each key/value pair with the configured Expiration, best
// effort per key (the underlying client pipelines the writes).
func (c *RedisClient) MSet(ctx context.Context, keys []string, bufs [][]byte) error {
	pipe := c.client.Pipeline()
	for i, key := range keys {
		pipe.Set(ctx, key, bufs[i], c.cfg.Expiration)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// MGet returns one slice per key, nil where the key is absent.
func (c *RedisClient) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	pipe := c.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, err
	}

	out := make([][]byte, len(keys))
	for i, cmd := range cmds {
		v, cerr := cmd.Bytes()
		if cerr != nil {
			out[i] = nil
			continue
		}
		out[i] = v
	}
	return out, nil
}

// Del removes keys, ignoring a not-found result.
func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Underlying exposes the raw client for callers needing operations beyond
// MSet/MGet/Del (zset index maintenance in pkg/hotcache, presence TTL
// refresh in pkg/presence).
func (c *RedisClient) Underlying() redis.UniversalClient { return c.client }

func (c *RedisClient) Close() error { return c.client.Close() }

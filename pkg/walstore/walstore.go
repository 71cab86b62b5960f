// Package walstore implements the orchestrator's write-ahead log: every
// accepted draft is recorded here, keyed by a fingerprint independent of
// the eventual message ID, before it is published to Kafka. The
// orchestrator deletes the entry once both the storage and push publishes
// succeed; the storage writer does not touch the WAL, so an entry does not
// cover the span between publish and archive commit. An entry still
// present represents a draft whose publish did not complete (or whose
// delete failed) and is eligible for replay until its TTL expires.
//
// Adapted from friggdb's file-based WAL (config validation, per-entry
// fingerprint keying) onto a Redis backing, per the orchestrator's own
// bootstrap wiring, which builds a Redis-backed WAL repository when a
// Redis URL is configured.
package walstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flarecore/messaging-core/pkg/cache"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Config validates the same way friggdb's walConfig does: required fields
// checked eagerly in the constructor rather than at first use.
type Config struct {
	Redis cache.RedisConfig `yaml:"redis"`
	TTL   time.Duration     `yaml:"ttl"`
}

func newConfig(c Config) (*Config, error) {
	if c.Redis.Endpoint == "" {
		return nil, fmt.Errorf("walstore: redis endpoint must not be empty")
	}
	if c.TTL <= 0 {
		return nil, fmt.Errorf("walstore: ttl must be set")
	}
	return &c, nil
}

// Store is the Redis-backed WAL.
type Store struct {
	cfg    *Config
	client *cache.RedisClient
}

func New(cfg Config) (*Store, error) {
	validated, err := newConfig(cfg)
	if err != nil {
		return nil, err
	}
	rc := validated.Redis
	rc.Expiration = validated.TTL
	return &Store{cfg: validated, client: cache.NewRedisClient(&rc)}, nil
}

func key(tenantID, fingerprint string) string {
	return "wal:" + tenantID + ":" + fingerprint
}

// Append writes a new WAL entry and returns its fingerprint.
func (s *Store) Append(ctx context.Context, tenantID string, messageID string, draft model.MessageDraft) (string, error) {
	fingerprint := uuid.NewString()
	entry := model.WALEntry{
		Fingerprint: fingerprint,
		TenantID:    tenantID,
		MessageID:   messageID,
		Draft:       draft,
		CreatedAt:   time.Now().UTC(),
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("walstore: marshal entry: %w", err)
	}
	if err := s.client.MSet(ctx, []string{key(tenantID, fingerprint)}, [][]byte{buf}); err != nil {
		return "", fmt.Errorf("walstore: append: %w", err)
	}
	return fingerprint, nil
}

// Delete removes a WAL entry; the orchestrator calls it once both of its
// topic publishes have succeeded.
func (s *Store) Delete(ctx context.Context, tenantID, fingerprint string) error {
	return s.client.Del(ctx, key(tenantID, fingerprint))
}

// Get fetches a single entry, returning (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, tenantID, fingerprint string) (*model.WALEntry, error) {
	vals, err := s.client.MGet(ctx, []string{key(tenantID, fingerprint)})
	if err != nil {
		return nil, err
	}
	if vals[0] == nil {
		return nil, nil
	}
	var entry model.WALEntry
	if err := json.Unmarshal(vals[0], &entry); err != nil {
		return nil, fmt.Errorf("walstore: unmarshal entry: %w", err)
	}
	return &entry, nil
}

// Scan returns every WAL entry still present for tenantID, used by replay
// tooling to resend orphaned drafts past their TTL window.
func (s *Store) Scan(ctx context.Context, tenantID string) ([]model.WALEntry, error) {
	var entries []model.WALEntry
	iter := s.client.Underlying().Scan(ctx, 0, "wal:"+tenantID+":*", 100).Iterator()
	for iter.Next(ctx) {
		vals, err := s.client.MGet(ctx, []string{iter.Val()})
		if err != nil {
			return nil, err
		}
		if vals[0] == nil {
			continue
		}
		var entry model.WALEntry
		if err := json.Unmarshal(vals[0], &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := iter.Err(); err != nil && err != redis.Nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) Close() error { return s.client.Close() }

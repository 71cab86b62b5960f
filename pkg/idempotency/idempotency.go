// Package idempotency de-duplicates client resubmissions keyed by
// (tenant_id, client_message_id), letting the orchestrator return the
// original message_id for a retried Send instead of creating a duplicate
// message. This is distinct from push dispatch's ACK-gating correctness
// mechanism: it guards the client-facing submission boundary, not
// delivery.
//
// Reservation is two-phase: Reserve holds the slot uncommitted for the
// duration of one Send attempt, Commit marks it durable only once the
// message has actually reached both the WAL and the storage/push topics,
// and Release frees the slot if the attempt fails before committing. A
// reservation that outlives its holder without being committed or
// released simply expires with the TTL; nothing is left consistently
// stuck, only briefly unavailable for resubmission.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flarecore/messaging-core/pkg/cache"
	"github.com/flarecore/messaging-core/pkg/flareerr"
	"github.com/flarecore/messaging-core/pkg/model"
)

type Config struct {
	Redis cache.RedisConfig `yaml:"redis"`
	TTL   time.Duration     `yaml:"ttl"`
}

type Store struct {
	client *cache.RedisClient
	ttl    time.Duration
}

func New(cfg Config) *Store {
	rc := cfg.Redis
	rc.Expiration = cfg.TTL
	return &Store{client: cache.NewRedisClient(&rc), ttl: cfg.TTL}
}

func key(tenantID, clientMessageID string) string {
	return "idem:" + tenantID + ":" + clientMessageID
}

// Reserve atomically claims (tenantID, clientMessageID) for messageID.
//
//   - First submission: the reservation is created uncommitted and Reserve
//     returns ("", false, nil). The caller must follow up with Commit on
//     success or Release on failure.
//   - Retried submission of an already-committed send: Reserve returns
//     (existingMessageID, true, nil); the caller should return that id
//     without resending.
//   - Retried submission that races an in-flight, not-yet-committed send:
//     Reserve returns a retryable CodeUnavailable error, since neither the
//     original message_id nor a safe duplicate-free new one can be handed
//     back yet.
func (s *Store) Reserve(ctx context.Context, tenantID, clientMessageID, messageID string) (string, bool, error) {
	record := model.IdempotencyRecord{
		TenantID:        tenantID,
		ClientMessageID: clientMessageID,
		MessageID:       messageID,
		Committed:       false,
		CreatedAt:       time.Now().UTC(),
	}
	buf, err := json.Marshal(record)
	if err != nil {
		return "", false, err
	}

	ok, err := s.client.Underlying().SetNX(ctx, key(tenantID, clientMessageID), buf, s.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", false, nil
	}

	rec, found, err := s.get(ctx, tenantID, clientMessageID)
	if err != nil {
		return "", false, err
	}
	if !found {
		// Raced with a TTL eviction or a Release between SetNX and the
		// lookup; the slot is free again, so treat this as a fresh claim
		// rather than erroring the caller out.
		return s.Reserve(ctx, tenantID, clientMessageID, messageID)
	}
	if rec.Committed {
		return rec.MessageID, true, nil
	}
	return "", false, flareerr.New(flareerr.CodeUnavailable, "duplicate submission already in flight").
		WithDetail("tenant_id", tenantID).
		WithDetail("client_message_id", clientMessageID).
		WithRetryable(true)
}

// Commit marks a held reservation durable, so future Reserve calls for the
// same (tenant, client_message_id) return it as a confirmed duplicate.
func (s *Store) Commit(ctx context.Context, tenantID, clientMessageID, messageID string) error {
	record := model.IdempotencyRecord{
		TenantID:        tenantID,
		ClientMessageID: clientMessageID,
		MessageID:       messageID,
		Committed:       true,
		CreatedAt:       time.Now().UTC(),
	}
	buf, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.client.Underlying().Set(ctx, key(tenantID, clientMessageID), buf, s.ttl).Err()
}

// Release frees a held reservation, used when a Send attempt fails after
// Reserve but before Commit so the client's retry is not wedged behind a
// reservation that will never commit.
func (s *Store) Release(ctx context.Context, tenantID, clientMessageID string) error {
	return s.client.Del(ctx, key(tenantID, clientMessageID))
}

func (s *Store) get(ctx context.Context, tenantID, clientMessageID string) (model.IdempotencyRecord, bool, error) {
	var rec model.IdempotencyRecord
	existing, err := s.client.MGet(ctx, []string{key(tenantID, clientMessageID)})
	if err != nil {
		return rec, false, err
	}
	if existing[0] == nil {
		return rec, false, nil
	}
	if err := json.Unmarshal(existing[0], &rec); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

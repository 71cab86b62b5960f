// Package cursorstore persists per-user, per-conversation read cursors in
// Postgres, backing Bootstrap/SyncConversations incremental catch-up.
package cursorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/flarecore/messaging-core/pkg/model"
)

type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

func New(db *sqlx.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Upsert advances a user's cursor for a conversation to lastSyncedTS, a
// no-op if the stored cursor is already at or ahead of it. The unit is
// epoch millis throughout, matching Conversation.UpdatedAt, so server and
// client cursors are directly comparable.
func (s *Store) Upsert(ctx context.Context, c model.Cursor) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		INSERT INTO cursors (tenant_id, user_id, conversation_id, last_synced_ts, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tenant_id, user_id, conversation_id)
		DO UPDATE SET last_synced_ts = GREATEST(cursors.last_synced_ts, EXCLUDED.last_synced_ts), updated_at = now()
	`
	_, err := s.db.ExecContext(ctx, q, c.TenantID, c.UserID, c.ConversationID, c.LastSyncedTS)
	if err != nil {
		return fmt.Errorf("cursorstore: upsert: %w", err)
	}
	return nil
}

// Get returns a user's cursor for one conversation, or (nil, nil) if none
// exists yet.
func (s *Store) Get(ctx context.Context, tenantID, userID, conversationID string) (*model.Cursor, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		SELECT tenant_id, user_id, conversation_id, last_synced_ts, updated_at
		FROM cursors
		WHERE tenant_id = $1 AND user_id = $2 AND conversation_id = $3
	`
	var c model.Cursor
	err := s.db.GetContext(ctx, &c, q, tenantID, userID, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cursorstore: get: %w", err)
	}
	return &c, nil
}

// ListForUser returns every cursor a user has across conversations in a
// tenant, used by Bootstrap to resolve each conversation's catch-up point
// in one query.
func (s *Store) ListForUser(ctx context.Context, tenantID, userID string) ([]model.Cursor, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		SELECT tenant_id, user_id, conversation_id, last_synced_ts, updated_at
		FROM cursors
		WHERE tenant_id = $1 AND user_id = $2
	`
	var cursors []model.Cursor
	if err := s.db.SelectContext(ctx, &cursors, q, tenantID, userID); err != nil {
		return nil, fmt.Errorf("cursorstore: list: %w", err)
	}
	return cursors, nil
}

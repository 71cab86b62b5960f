// Package conversation persists conversations and their participants in
// Postgres: creation, last-message-seq advancement, participant unread
// counters, and last-read-seq updates.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/flarecore/messaging-core/pkg/flareerr"
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

// GetOrCreate returns the existing conversation for conversationID, or
// creates one of the given type/channel if absent.
func (s *Store) GetOrCreate(ctx context.Context, tenantID, conversationID string, convType model.ConversationType, channelID string) (*model.Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		INSERT INTO conversations (conversation_id, tenant_id, type, channel_id, last_message_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, now(), now())
		ON CONFLICT (conversation_id, tenant_id) DO UPDATE SET updated_at = conversations.updated_at
		RETURNING conversation_id, tenant_id, type, channel_id, last_message_seq, created_at, updated_at
	`
	var c model.Conversation
	if err := s.db.GetContext(ctx, &c, q, conversationID, tenantID, convType, channelID); err != nil {
		return nil, fmt.Errorf("conversation: get or create: %w", err)
	}
	return &c, nil
}

// AdvanceLastMessageSeq raises the conversation's high-water mark to seq if
// it is lower. The storage writer does not call it: archive.NextSeq already
// advances last_message_seq when it assigns a seq.
func (s *Store) AdvanceLastMessageSeq(ctx context.Context, tenantID, conversationID string, seq int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		UPDATE conversations
		SET last_message_seq = GREATEST(last_message_seq, $3), updated_at = now()
		WHERE tenant_id = $1 AND conversation_id = $2
	`
	_, err := s.db.ExecContext(ctx, q, tenantID, conversationID, seq)
	if err != nil {
		return fmt.Errorf("conversation: advance seq: %w", err)
	}
	return nil
}

// EnsureParticipant inserts a participant row if absent, a no-op
// otherwise.
func (s *Store) EnsureParticipant(ctx context.Context, tenantID, conversationID, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		INSERT INTO conversation_participants (conversation_id, tenant_id, user_id, unread_count, last_read_seq, joined_at)
		VALUES ($1, $2, $3, 0, 0, now())
		ON CONFLICT (conversation_id, tenant_id, user_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, q, conversationID, tenantID, userID)
	if err != nil {
		return fmt.Errorf("conversation: ensure participant: %w", err)
	}
	return nil
}

// BumpUnread increments unread_count for every participant except
// excludeUserID (typically the sender), used by the storage writer's
// fan-out step.
func (s *Store) BumpUnread(ctx context.Context, tenantID, conversationID, excludeUserID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		UPDATE conversation_participants
		SET unread_count = unread_count + 1
		WHERE tenant_id = $1 AND conversation_id = $2 AND user_id != $3
	`
	_, err := s.db.ExecContext(ctx, q, tenantID, conversationID, excludeUserID)
	if err != nil {
		return fmt.Errorf("conversation: bump unread: %w", err)
	}
	return nil
}

// MarkRead resets a participant's unread count and advances their
// last_read_seq on the participant row (cursorstore holds the durable,
// per-conversation cursor used for incremental sync; this mirrors the
// latest value for quick participant-list reads).
func (s *Store) MarkRead(ctx context.Context, tenantID, conversationID, userID string, seq int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		UPDATE conversation_participants
		SET unread_count = 0, last_read_seq = GREATEST(last_read_seq, $4)
		WHERE tenant_id = $1 AND conversation_id = $2 AND user_id = $3
	`
	res, err := s.db.ExecContext(ctx, q, tenantID, conversationID, userID, seq)
	if err != nil {
		return fmt.Errorf("conversation: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation: mark read: %w", err)
	}
	if n == 0 {
		return flareerr.New(flareerr.CodeNotFound, "participant not found").
			WithDetail("conversation_id", conversationID).
			WithDetail("user_id", userID)
	}
	return nil
}

// ListParticipants returns every participant of a conversation, used for
// fan-out targeting and presence lookup.
func (s *Store) ListParticipants(ctx context.Context, tenantID, conversationID string) ([]model.ConversationParticipant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		SELECT conversation_id, tenant_id, user_id, unread_count, last_read_seq, joined_at
		FROM conversation_participants
		WHERE tenant_id = $1 AND conversation_id = $2
	`
	var participants []model.ConversationParticipant
	if err := s.db.SelectContext(ctx, &participants, q, tenantID, conversationID); err != nil {
		return nil, fmt.Errorf("conversation: list participants: %w", err)
	}
	return participants, nil
}

// ParticipantConversation pairs a conversation with one user's
// participant state within it, the shape Bootstrap builds its
// conversation summaries from.
type ParticipantConversation struct {
	Conversation model.Conversation
	UnreadCount  int64
	LastReadSeq  int64
}

type participantConversationRow struct {
	ConversationID string                 `db:"conversation_id"`
	TenantID       string                 `db:"tenant_id"`
	Type           model.ConversationType `db:"type"`
	ChannelID      string                 `db:"channel_id"`
	LastMessageSeq int64                  `db:"last_message_seq"`
	CreatedAt      time.Time              `db:"created_at"`
	UpdatedAt      time.Time              `db:"updated_at"`
	UnreadCount    int64                  `db:"unread_count"`
	LastReadSeq    int64                  `db:"last_read_seq"`
}

// ListForUser returns every conversation a user participates in, newest
// activity first, joined with that user's own unread/cursor state —
// exactly the shape Bootstrap needs to build its summaries in one query.
func (s *Store) ListForUser(ctx context.Context, tenantID, userID string) ([]ParticipantConversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		SELECT c.conversation_id, c.tenant_id, c.type, c.channel_id, c.last_message_seq, c.created_at, c.updated_at,
		       p.unread_count, p.last_read_seq
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.conversation_id AND p.tenant_id = c.tenant_id
		WHERE c.tenant_id = $1 AND p.user_id = $2
		ORDER BY c.updated_at DESC
	`
	var rows []participantConversationRow
	if err := s.db.SelectContext(ctx, &rows, q, tenantID, userID); err != nil {
		return nil, fmt.Errorf("conversation: list for user: %w", err)
	}

	out := make([]ParticipantConversation, len(rows))
	for i, r := range rows {
		out[i] = ParticipantConversation{
			Conversation: model.Conversation{
				ConversationID: r.ConversationID,
				TenantID:       r.TenantID,
				Type:           r.Type,
				ChannelID:      r.ChannelID,
				LastMessageSeq: r.LastMessageSeq,
				CreatedAt:      r.CreatedAt,
				UpdatedAt:      r.UpdatedAt,
			},
			UnreadCount: r.UnreadCount,
			LastReadSeq: r.LastReadSeq,
		}
	}
	return out, nil
}

// Get fetches one conversation, or (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		SELECT conversation_id, tenant_id, type, channel_id, last_message_seq, created_at, updated_at
		FROM conversations
		WHERE tenant_id = $1 AND conversation_id = $2
	`
	var c model.Conversation
	err := s.db.GetContext(ctx, &c, q, tenantID, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get: %w", err)
	}
	return &c, nil
}

// Package archive is the relational source of truth for stored messages:
// inserts, time/seq-range and full-text queries, the dynamic attribute
// updater, and the visibility/reaction/tag overlays, ported from the
// original postgres.rs persistence layer onto database/sql + sqlx.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
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

// row mirrors the messages table shape; JSONB columns are scanned raw and
// unmarshaled explicitly, since sqlx has no generic map scanner.
type row struct {
	MessageID        string         `db:"message_id"`
	TenantID         string         `db:"tenant_id"`
	ClientMessageID  string         `db:"client_message_id"`
	ConversationID   string         `db:"conversation_id"`
	ConversationType string         `db:"conversation_type"`
	SenderID         string         `db:"sender_id"`
	MessageType      string         `db:"message_type"`
	Seq              int64          `db:"seq"`
	Payload          []byte         `db:"payload"`
	Headers          []byte         `db:"headers"`
	Extra            []byte         `db:"extra"`
	Visibility       []byte         `db:"visibility"`
	Reactions        []byte         `db:"reactions"`
	ReadBy           []byte         `db:"read_by"`
	IsRecalled       bool           `db:"is_recalled"`
	RecalledAt       sql.NullTime   `db:"recalled_at"`
	IsBurnAfterRead  bool           `db:"is_burn_after_read"`
	BurnAfterSeconds int64          `db:"burn_after_seconds"`
	Status           string         `db:"status"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r row) toMessage() (model.Message, error) {
	msg := model.Message{
		MessageID:        r.MessageID,
		TenantID:         r.TenantID,
		ClientMessageID:  r.ClientMessageID,
		ConversationID:   r.ConversationID,
		ConversationType: model.ConversationType(r.ConversationType),
		SenderID:         r.SenderID,
		MessageType:      model.MessageType(r.MessageType),
		Seq:              r.Seq,
		Payload:          r.Payload,
		IsRecalled:       r.IsRecalled,
		IsBurnAfterRead:  r.IsBurnAfterRead,
		BurnAfterSeconds: r.BurnAfterSeconds,
		Status:           model.MessageStatus(r.Status),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.RecalledAt.Valid {
		t := r.RecalledAt.Time
		msg.RecalledAt = &t
	}
	if err := unmarshalOptional(r.Headers, &msg.Headers); err != nil {
		return msg, fmt.Errorf("archive: decode headers: %w", err)
	}
	if err := unmarshalOptional(r.Extra, &msg.Extra); err != nil {
		return msg, fmt.Errorf("archive: decode extra: %w", err)
	}
	if err := unmarshalOptional(r.Visibility, &msg.Visibility); err != nil {
		return msg, fmt.Errorf("archive: decode visibility: %w", err)
	}
	if err := unmarshalOptional(r.Reactions, &msg.Reactions); err != nil {
		return msg, fmt.Errorf("archive: decode reactions: %w", err)
	}
	if err := unmarshalOptional(r.ReadBy, &msg.ReadBy); err != nil {
		return msg, fmt.Errorf("archive: decode read_by: %w", err)
	}
	return msg, nil
}

func unmarshalOptional(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

const selectColumns = `message_id, tenant_id, client_message_id, conversation_id, conversation_type,
	sender_id, message_type, seq, payload, headers, extra, visibility, reactions, read_by,
	is_recalled, recalled_at, is_burn_after_read, burn_after_seconds, status, created_at, updated_at`

// StoreMessage inserts a new message row. seq must already be assigned by
// the caller (storage writer owns sequencing via NextSeq).
func (s *Store) StoreMessage(ctx context.Context, msg model.Message) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("archive: encode headers: %w", err)
	}
	extra, err := json.Marshal(msg.Extra)
	if err != nil {
		return fmt.Errorf("archive: encode extra: %w", err)
	}

	const q = `
		INSERT INTO messages (message_id, tenant_id, client_message_id, conversation_id, conversation_type,
			sender_id, message_type, seq, payload, headers, extra, visibility, reactions, read_by,
			is_recalled, recalled_at, is_burn_after_read, burn_after_seconds, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '{}', '{}', '[]', false, null, $12, $13, $14, now(), now())
	`
	_, err = s.db.ExecContext(ctx, q,
		msg.MessageID, msg.TenantID, msg.ClientMessageID, msg.ConversationID, msg.ConversationType,
		msg.SenderID, msg.MessageType, msg.Seq, msg.Payload, headers, extra,
		msg.IsBurnAfterRead, msg.BurnAfterSeconds, msg.Status)
	if err != nil {
		return fmt.Errorf("archive: store message: %w", err)
	}
	return nil
}

// NextSeq atomically advances and returns the next sequence number for a
// conversation. Kept in the conversations table so it composes with
// conversation.Store.AdvanceLastMessageSeq in a single transaction when
// callers need one; this is the standalone, auto-committed form used by
// the storage writer outside of an explicit transaction.
func (s *Store) NextSeq(ctx context.Context, tenantID, conversationID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		UPDATE conversations
		SET last_message_seq = last_message_seq + 1, updated_at = now()
		WHERE tenant_id = $1 AND conversation_id = $2
		RETURNING last_message_seq
	`
	var seq int64
	if err := s.db.GetContext(ctx, &seq, q, tenantID, conversationID); err != nil {
		return 0, fmt.Errorf("archive: next seq: %w", err)
	}
	return seq, nil
}

// GetMessage fetches a single message, or (nil, nil) if absent.
func (s *Store) GetMessage(ctx context.Context, tenantID, messageID string) (*model.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := fmt.Sprintf(`SELECT %s FROM messages WHERE tenant_id = $1 AND message_id = $2`, selectColumns)
	var r row
	err := s.db.GetContext(ctx, &r, q, tenantID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: get message: %w", err)
	}
	msg, err := r.toMessage()
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessageTimestamp returns just a message's created_at without fetching
// the full payload.
func (s *Store) GetMessageTimestamp(ctx context.Context, tenantID, messageID string) (time.Time, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `SELECT created_at FROM messages WHERE tenant_id = $1 AND message_id = $2`
	var t time.Time
	if err := s.db.GetContext(ctx, &t, q, tenantID, messageID); err != nil {
		return time.Time{}, fmt.Errorf("archive: get message timestamp: %w", err)
	}
	return t, nil
}

// QueryMessagesByTimeRange returns messages in a conversation within
// [from, to), newest first, bounded by limit.
func (s *Store) QueryMessagesByTimeRange(ctx context.Context, tenantID, conversationID string, from, to time.Time, limit int) ([]model.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE tenant_id = $1 AND conversation_id = $2 AND created_at >= $3 AND created_at < $4
		ORDER BY seq DESC
		LIMIT $5
	`, selectColumns)
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, q, tenantID, conversationID, from, to, limit); err != nil {
		return nil, fmt.Errorf("archive: query by time range: %w", err)
	}
	return toMessages(rows)
}

// QueryMessagesBySeqRange returns messages in [fromSeq, toSeq], ascending,
// the shape an incremental catch-up by seq needs.
func (s *Store) QueryMessagesBySeqRange(ctx context.Context, tenantID, conversationID string, fromSeq, toSeq int64, limit int) ([]model.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE tenant_id = $1 AND conversation_id = $2 AND seq >= $3 AND seq <= $4
		ORDER BY seq ASC
		LIMIT $5
	`, selectColumns)
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, q, tenantID, conversationID, fromSeq, toSeq, limit); err != nil {
		return nil, fmt.Errorf("archive: query by seq range: %w", err)
	}
	return toMessages(rows)
}

// CountMessages returns the total message count for a conversation.
func (s *Store) CountMessages(ctx context.Context, tenantID, conversationID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `SELECT count(*) FROM messages WHERE tenant_id = $1 AND conversation_id = $2`
	var n int64
	if err := s.db.GetContext(ctx, &n, q, tenantID, conversationID); err != nil {
		return 0, fmt.Errorf("archive: count messages: %w", err)
	}
	return n, nil
}

// SearchMessages does a simple substring search over payload text within
// a conversation, newest first.
func (s *Store) SearchMessages(ctx context.Context, tenantID, conversationID, query string, limit int) ([]model.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE tenant_id = $1 AND conversation_id = $2 AND payload::text ILIKE $3
		ORDER BY seq DESC
		LIMIT $4
	`, selectColumns)
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, q, tenantID, conversationID, "%"+query+"%", limit); err != nil {
		return nil, fmt.Errorf("archive: search messages: %w", err)
	}
	return toMessages(rows)
}

func toMessages(rows []row) ([]model.Message, error) {
	out := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		msg, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// UpdateMessage builds a dynamic UPDATE from the sparse fields set in
// update, writing only the columns actually present instead of every
// column unconditionally, exactly as the original QueryBuilder-based
// update_message did.
func (s *Store) UpdateMessage(ctx context.Context, tenantID, messageID string, update model.MessageUpdate) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sets := []string{"updated_at = now()"}
	args := []any{}
	argN := 1

	if update.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", argN))
		args = append(args, *update.Status)
		argN++
	}
	if update.Extra != nil {
		buf, err := json.Marshal(update.Extra)
		if err != nil {
			return fmt.Errorf("archive: encode extra: %w", err)
		}
		sets = append(sets, fmt.Sprintf("extra = $%d", argN))
		args = append(args, buf)
		argN++
	}
	if update.Reactions != nil {
		buf, err := json.Marshal(update.Reactions)
		if err != nil {
			return fmt.Errorf("archive: encode reactions: %w", err)
		}
		sets = append(sets, fmt.Sprintf("reactions = $%d", argN))
		args = append(args, buf)
		argN++
	}
	if update.IsRecalled != nil {
		sets = append(sets, fmt.Sprintf("is_recalled = $%d", argN))
		args = append(args, *update.IsRecalled)
		argN++
	}
	if update.RecalledAt != nil {
		sets = append(sets, fmt.Sprintf("recalled_at = $%d", argN))
		args = append(args, *update.RecalledAt)
		argN++
	}
	if update.ReadBy != nil {
		buf, err := json.Marshal(update.ReadBy)
		if err != nil {
			return fmt.Errorf("archive: encode read_by: %w", err)
		}
		sets = append(sets, fmt.Sprintf("read_by = $%d", argN))
		args = append(args, buf)
		argN++
	}
	if update.Visibility != nil {
		buf, err := json.Marshal(update.Visibility)
		if err != nil {
			return fmt.Errorf("archive: encode visibility: %w", err)
		}
		sets = append(sets, fmt.Sprintf("visibility = $%d", argN))
		args = append(args, buf)
		argN++
	}
	if len(sets) == 1 {
		return nil // nothing besides updated_at to change
	}

	args = append(args, tenantID, messageID)
	q := fmt.Sprintf(`UPDATE messages SET %s WHERE tenant_id = $%d AND message_id = $%d`,
		strings.Join(sets, ", "), argN, argN+1)

	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("archive: update message: %w", err)
	}
	return nil
}

// GetVisibility reads a single user's overlay state for a message via a
// JSON path lookup instead of fetching the whole visibility map. Absence
// of an entry means the default, visible.
func (s *Store) GetVisibility(ctx context.Context, tenantID, messageID, userID string) (model.VisibilityState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `SELECT coalesce(visibility->>$3, '') FROM messages WHERE tenant_id = $1 AND message_id = $2`
	var raw string
	if err := s.db.GetContext(ctx, &raw, q, tenantID, messageID, userID); err != nil {
		return "", fmt.Errorf("archive: get visibility: %w", err)
	}
	if raw == "" {
		return model.VisibilityVisible, nil
	}
	return model.VisibilityState(raw), nil
}

// SetVisibility writes a single user's overlay state without touching the
// rest of the visibility map.
func (s *Store) SetVisibility(ctx context.Context, tenantID, messageID, userID string, state model.VisibilityState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		UPDATE messages
		SET visibility = jsonb_set(coalesce(visibility, '{}'::jsonb), array[$3], to_jsonb($4::text)),
		    updated_at = now()
		WHERE tenant_id = $1 AND message_id = $2
	`
	if _, err := s.db.ExecContext(ctx, q, tenantID, messageID, userID, string(state)); err != nil {
		return fmt.Errorf("archive: set visibility: %w", err)
	}
	return nil
}

// BatchSetVisibility applies the same overlay state to every message in
// messageIDs for one user, the shape a bulk "delete for me"/"clear
// conversation" action uses.
func (s *Store) BatchSetVisibility(ctx context.Context, tenantID string, messageIDs []string, userID string, state model.VisibilityState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		UPDATE messages
		SET visibility = jsonb_set(coalesce(visibility, '{}'::jsonb), array[$3], to_jsonb($4::text)),
		    updated_at = now()
		WHERE tenant_id = $1 AND message_id = ANY($2)
	`
	if _, err := s.db.ExecContext(ctx, q, tenantID, pqStringArray(messageIDs), userID, string(state)); err != nil {
		return fmt.Errorf("archive: batch set visibility: %w", err)
	}
	return nil
}

// QueryUndeletedMessageIDs returns the subset of messageIDs not deleted for
// userID; hidden messages are included, since hidden only suppresses them
// from default views, it does not remove them from existence for the user.
func (s *Store) QueryUndeletedMessageIDs(ctx context.Context, tenantID string, messageIDs []string, userID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		SELECT message_id FROM messages
		WHERE tenant_id = $1 AND message_id = ANY($2)
		  AND coalesce(visibility->>$3, '') != $4
	`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, q, tenantID, pqStringArray(messageIDs), userID, string(model.VisibilityDeleted)); err != nil {
		return nil, fmt.Errorf("archive: query undeleted message ids: %w", err)
	}
	return ids, nil
}

// RecallMessage marks a message recalled, idempotently: a repeat call
// leaves the original recalled_at untouched and returns it, rather than
// overwriting it with the new call's timestamp.
func (s *Store) RecallMessage(ctx context.Context, tenantID, messageID string, at time.Time) (time.Time, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		UPDATE messages
		SET is_recalled = true,
		    recalled_at = coalesce(recalled_at, $3),
		    status = $4,
		    updated_at = now()
		WHERE tenant_id = $1 AND message_id = $2
		RETURNING recalled_at
	`
	var recalledAt time.Time
	if err := s.db.GetContext(ctx, &recalledAt, q, tenantID, messageID, at, model.MessageStatusRecalled); err != nil {
		return time.Time{}, fmt.Errorf("archive: recall message: %w", err)
	}
	return recalledAt, nil
}

// MarkRead upserts userID's read receipt into a message's read_by list and
// returns it. Re-marking the same user updates read_at in place rather
// than appending a duplicate entry, keeping read_by monotone in membership.
// burnedAt is recorded alongside the receipt for burn-after-read messages
// on their first read; subsequent calls leave it untouched.
func (s *Store) MarkRead(ctx context.Context, tenantID, messageID, userID string, readAt time.Time, burnedAt *time.Time) ([]model.ReadReceipt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const selectQ = `SELECT coalesce(read_by, '[]'::jsonb) FROM messages WHERE tenant_id = $1 AND message_id = $2 FOR UPDATE`
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: mark read: begin: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	if err := tx.GetContext(ctx, &raw, selectQ, tenantID, messageID); err != nil {
		return nil, fmt.Errorf("archive: mark read: select: %w", err)
	}
	var receipts []model.ReadReceipt
	if err := unmarshalOptional(raw, &receipts); err != nil {
		return nil, fmt.Errorf("archive: mark read: decode: %w", err)
	}

	found := false
	for i := range receipts {
		if receipts[i].UserID == userID {
			receipts[i].ReadAt = readAt
			if receipts[i].BurnedAt == nil && burnedAt != nil {
				receipts[i].BurnedAt = burnedAt
			}
			found = true
			break
		}
	}
	if !found {
		receipts = append(receipts, model.ReadReceipt{UserID: userID, ReadAt: readAt, BurnedAt: burnedAt})
	}

	buf, err := json.Marshal(receipts)
	if err != nil {
		return nil, fmt.Errorf("archive: mark read: encode: %w", err)
	}
	const updateQ = `UPDATE messages SET read_by = $3, updated_at = now() WHERE tenant_id = $1 AND message_id = $2`
	if _, err := tx.ExecContext(ctx, updateQ, tenantID, messageID, buf); err != nil {
		return nil, fmt.Errorf("archive: mark read: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("archive: mark read: commit: %w", err)
	}
	return receipts, nil
}

// ListTags returns the distinct tags across a conversation's messages,
// extracted from each message's extra->'tags' JSON array.
func (s *Store) ListTags(ctx context.Context, tenantID, conversationID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		SELECT DISTINCT tag
		FROM messages, jsonb_array_elements_text(extra->'tags') AS tag
		WHERE tenant_id = $1 AND conversation_id = $2
		ORDER BY tag
	`
	var tags []string
	if err := s.db.SelectContext(ctx, &tags, q, tenantID, conversationID); err != nil {
		return nil, fmt.Errorf("archive: list tags: %w", err)
	}
	return tags, nil
}

// AddReaction appends reactorID to a message's emoji reaction set. Adding
// the same (emoji, reactor) pair twice is a no-op: the bucket is stripped
// of the reactor first, then re-appended, so the set never grows past one
// entry per reactor.
func (s *Store) AddReaction(ctx context.Context, tenantID, messageID, emoji, reactorID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		UPDATE messages
		SET reactions = jsonb_set(
				coalesce(reactions, '{}'::jsonb),
				array[$3],
				(coalesce(reactions->$3, '[]'::jsonb) - $4) || to_jsonb($4::text)
			),
		    updated_at = now()
		WHERE tenant_id = $1 AND message_id = $2
	`
	if _, err := s.db.ExecContext(ctx, q, tenantID, messageID, emoji, reactorID); err != nil {
		return fmt.Errorf("archive: add reaction: %w", err)
	}
	return nil
}

// RemoveReaction strips reactorID from a message's emoji reaction set,
// deleting the emoji bucket entirely once it's empty so reactions never
// accumulates phantom zero-count entries.
func (s *Store) RemoveReaction(ctx context.Context, tenantID, messageID, emoji, reactorID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		UPDATE messages
		SET reactions = CASE
				WHEN jsonb_array_length(coalesce(reactions->$3, '[]'::jsonb) - $4) = 0
					THEN coalesce(reactions, '{}'::jsonb) - $3
				ELSE jsonb_set(coalesce(reactions, '{}'::jsonb), array[$3], coalesce(reactions->$3, '[]'::jsonb) - $4)
			END,
		    updated_at = now()
		WHERE tenant_id = $1 AND message_id = $2
	`
	if _, err := s.db.ExecContext(ctx, q, tenantID, messageID, emoji, reactorID); err != nil {
		return fmt.Errorf("archive: remove reaction: %w", err)
	}
	return nil
}

// ToggleReaction adds reactorID's reaction if absent, removes it if
// present, and reports which it did.
func (s *Store) ToggleReaction(ctx context.Context, tenantID, messageID, emoji, reactorID string) (added bool, err error) {
	msg, err := s.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, fmt.Errorf("archive: toggle reaction: message %s not found", messageID)
	}
	for _, id := range msg.Reactions[emoji] {
		if id == reactorID {
			return false, s.RemoveReaction(ctx, tenantID, messageID, emoji, reactorID)
		}
	}
	return true, s.AddReaction(ctx, tenantID, messageID, emoji, reactorID)
}

func pqStringArray(ss []string) any {
	return stringArray(ss)
}

// stringArray implements driver.Valuer to produce a Postgres text[]
// literal without importing lib/pq's pq.Array helper directly into every
// call site.
type stringArray []string

func (a stringArray) Value() (any, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	quoted := make([]string, len(a))
	for i, s := range a {
		quoted[i] = `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}", nil
}

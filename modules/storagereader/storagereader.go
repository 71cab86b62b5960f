// Package storagereader exposes every read query and mutation spec.md
// §4.3 names, backed by the Postgres archive with a hot-cache/L2-cache
// front for the common paths.
package storagereader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flarecore/messaging-core/pkg/archive"
	"github.com/flarecore/messaging-core/pkg/cache"
	"github.com/flarecore/messaging-core/pkg/conversation"
	"github.com/flarecore/messaging-core/pkg/flareerr"
	"github.com/flarecore/messaging-core/pkg/hotcache"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/flarecore/messaging-core/util/metrics"
)

type Config struct {
	QueryCache cache.RedisConfig `yaml:"query_cache"`
	QueryTTL   time.Duration     `yaml:"query_ttl"`
}

// Reader is the storage-reader component.
type Reader struct {
	archiveStore *archive.Store
	convStore    *conversation.Store
	hotCache     *hotcache.Cache
	queryCache   *cache.RedisClient
	queryTTL     time.Duration
	metrics      *metrics.StorageReaderMetrics
}

// SetMetrics injects this service's prometheus collectors, built once at
// boot by cmd/messaging.
func (r *Reader) SetMetrics(m *metrics.StorageReaderMetrics) {
	r.metrics = m
}

func New(cfg Config, archiveStore *archive.Store, convStore *conversation.Store, hotCache *hotcache.Cache) *Reader {
	qc := cfg.QueryCache
	qc.Expiration = cfg.QueryTTL
	return &Reader{
		archiveStore: archiveStore,
		convStore:    convStore,
		hotCache:     hotCache,
		queryCache:   cache.NewRedisClient(&qc),
		queryTTL:     cfg.QueryTTL,
	}
}

func timeRangeCacheKey(tenantID, conversationID string, from, to time.Time, limit int) string {
	return fmt.Sprintf("q:range:%s:%s:%d:%d:%d", tenantID, conversationID, from.UnixNano(), to.UnixNano(), limit)
}

// ByTimeRange returns messages newest-first within [from, to), preferring
// a cached result for the exact (conversation, window, limit) tuple and
// falling through to the archive on a miss.
func (r *Reader) ByTimeRange(ctx context.Context, tenantID, conversationID string, from, to time.Time, limit int, viewerID string) ([]model.Message, error) {
	start := time.Now()
	defer func() { r.metrics.ObserveQuery("time_range", time.Since(start)) }()

	cacheKey := timeRangeCacheKey(tenantID, conversationID, from, to, limit)
	if vals, err := r.queryCache.MGet(ctx, []string{cacheKey}); err == nil && vals[0] != nil {
		var msgs []model.Message
		if err := json.Unmarshal(vals[0], &msgs); err == nil {
			r.metrics.IncCacheResult("time_range", "hit")
			return filterVisible(msgs, viewerID), nil
		}
	}
	r.metrics.IncCacheResult("time_range", "miss")

	msgs, err := r.archiveStore.QueryMessagesByTimeRange(ctx, tenantID, conversationID, from, to, limit)
	if err != nil {
		return nil, err
	}
	if buf, err := json.Marshal(msgs); err == nil {
		_ = r.queryCache.MSet(ctx, []string{cacheKey}, [][]byte{buf})
	}
	return filterVisible(msgs, viewerID), nil
}

// BySeqRange returns messages seq-ascending, the shape an incremental
// catch-up by seq needs; not cached since it is inherently a one-shot
// incremental read.
func (r *Reader) BySeqRange(ctx context.Context, tenantID, conversationID string, fromSeq, toSeq int64, limit int, viewerID string) ([]model.Message, error) {
	msgs, err := r.archiveStore.QueryMessagesBySeqRange(ctx, tenantID, conversationID, fromSeq, toSeq, limit)
	if err != nil {
		return nil, err
	}
	return filterVisible(msgs, viewerID), nil
}

// ByID fetches one message, hot cache first, falling back to the archive.
func (r *Reader) ByID(ctx context.Context, tenantID, messageID string) (*model.Message, error) {
	if msg, err := r.hotCache.Get(ctx, tenantID, messageID); err == nil && msg != nil {
		return msg, nil
	}
	return r.archiveStore.GetMessage(ctx, tenantID, messageID)
}

// Search does a best-effort substring search over a conversation's
// messages, newest first.
func (r *Reader) Search(ctx context.Context, tenantID, conversationID, query string, limit int) ([]model.Message, error) {
	return r.archiveStore.SearchMessages(ctx, tenantID, conversationID, query, limit)
}

// ListTags returns all distinct tags used across a conversation.
func (r *Reader) ListTags(ctx context.Context, tenantID, conversationID string) ([]string, error) {
	return r.archiveStore.ListTags(ctx, tenantID, conversationID)
}

// filterVisible drops messages the viewer has permanently deleted-for-self;
// hidden messages still come back (callers that need to hide them in the
// default view check Visibility themselves), only deleted is excluded here.
func filterVisible(msgs []model.Message, viewerID string) []model.Message {
	if viewerID == "" {
		return msgs
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.Visibility != nil && m.Visibility[viewerID] == model.VisibilityDeleted {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Recall marks a message recalled if still within the tenant's recall
// window. Idempotent: a message already recalled returns the original
// recalled_at rather than erroring or re-checking the window, since the
// window check only matters for the first call.
func (r *Reader) Recall(ctx context.Context, tenantID, messageID string, at time.Time, recallWindow time.Duration) (time.Time, error) {
	msg, err := r.archiveStore.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		return time.Time{}, fmt.Errorf("storagereader: recall lookup: %w", err)
	}
	if msg == nil {
		return time.Time{}, flareerr.New(flareerr.CodeNotFound, "message not found").WithDetail("message_id", messageID)
	}
	if !msg.IsRecalled && at.Sub(msg.CreatedAt) > recallWindow {
		return time.Time{}, flareerr.New(flareerr.CodeFailedPrecondition, "recall window elapsed").
			WithDetail("message_id", messageID)
	}
	recalledAt, err := r.archiveStore.RecallMessage(ctx, tenantID, messageID, at)
	if err != nil {
		return time.Time{}, err
	}
	if err := r.hotCache.Invalidate(ctx, tenantID, messageID); err != nil {
		return recalledAt, err
	}
	return recalledAt, nil
}

// MarkRead upserts userID's read receipt on a message, advances the
// conversation participant's cursor using the message's real seq, and
// transitions status from sent/delivered to read. burnAfterRead messages
// get burned_at stamped on their first read only.
func (r *Reader) MarkRead(ctx context.Context, tenantID, messageID, userID string, readAt time.Time) error {
	msg, err := r.archiveStore.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		return fmt.Errorf("storagereader: mark read lookup: %w", err)
	}
	if msg == nil {
		return flareerr.New(flareerr.CodeNotFound, "message not found").WithDetail("message_id", messageID)
	}

	var burnedAt *time.Time
	if msg.IsBurnAfterRead {
		alreadyBurned := false
		for _, rec := range msg.ReadBy {
			if rec.UserID == userID && rec.BurnedAt != nil {
				alreadyBurned = true
				break
			}
		}
		if !alreadyBurned {
			burnedAt = &readAt
		}
	}
	if _, err := r.archiveStore.MarkRead(ctx, tenantID, messageID, userID, readAt, burnedAt); err != nil {
		return err
	}

	if msg.Status == model.MessageStatusStored || msg.Status == model.MessageStatusDelivered {
		status := model.MessageStatusRead
		if err := r.archiveStore.UpdateMessage(ctx, tenantID, messageID, model.MessageUpdate{Status: &status}); err != nil {
			return err
		}
	}
	if err := r.hotCache.Invalidate(ctx, tenantID, messageID); err != nil {
		return err
	}
	return r.convStore.MarkRead(ctx, tenantID, msg.ConversationID, userID, msg.Seq)
}

// DeleteForUser removes a single message from one user's view, leaving
// every other participant's view untouched. permanent selects between the
// reversible "hide" overlay and the permanent "delete" overlay.
func (r *Reader) DeleteForUser(ctx context.Context, tenantID, messageID, userID string, permanent bool) error {
	state := model.VisibilityHidden
	if permanent {
		state = model.VisibilityDeleted
	}
	return r.archiveStore.SetVisibility(ctx, tenantID, messageID, userID, state)
}

// ClearConversation bulk-applies a visibility overlay to every message up
// to beforeTime for one user.
func (r *Reader) ClearConversation(ctx context.Context, tenantID, conversationID, userID string, beforeTime time.Time, permanent bool) error {
	msgs, err := r.archiveStore.QueryMessagesByTimeRange(ctx, tenantID, conversationID, time.Time{}, beforeTime, 10000)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.MessageID)
	}
	if len(ids) == 0 {
		return nil
	}
	state := model.VisibilityHidden
	if permanent {
		state = model.VisibilityDeleted
	}
	return r.archiveStore.BatchSetVisibility(ctx, tenantID, ids, userID, state)
}

// AddReaction records a user's emoji reaction on a message.
func (r *Reader) AddReaction(ctx context.Context, tenantID, messageID, emoji, userID string) error {
	if err := r.archiveStore.AddReaction(ctx, tenantID, messageID, emoji, userID); err != nil {
		return err
	}
	return r.hotCache.Invalidate(ctx, tenantID, messageID)
}

// RemoveReaction withdraws a user's emoji reaction from a message.
func (r *Reader) RemoveReaction(ctx context.Context, tenantID, messageID, emoji, userID string) error {
	if err := r.archiveStore.RemoveReaction(ctx, tenantID, messageID, emoji, userID); err != nil {
		return err
	}
	return r.hotCache.Invalidate(ctx, tenantID, messageID)
}

// ToggleReaction adds or removes a user's emoji reaction, whichever applies.
func (r *Reader) ToggleReaction(ctx context.Context, tenantID, messageID, emoji, userID string) (added bool, err error) {
	added, err = r.archiveStore.ToggleReaction(ctx, tenantID, messageID, emoji, userID)
	if err != nil {
		return false, err
	}
	return added, r.hotCache.Invalidate(ctx, tenantID, messageID)
}

// Package bootstrap implements the Bootstrap Resolver: the client-sync
// core that assembles a per-user conversation snapshot (cursor map,
// unread-aware summaries, optional recent-message pages) and resolves
// a tenant's effective policy for the client to apply locally.
package bootstrap

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/flarecore/messaging-core/modules/overrides"
	"github.com/flarecore/messaging-core/modules/storagereader"
	"github.com/flarecore/messaging-core/pkg/conversation"
	"github.com/flarecore/messaging-core/pkg/cursorstore"
	"github.com/flarecore/messaging-core/pkg/model"
	"github.com/flarecore/messaging-core/util/metrics"
)

// Config holds the resolver's own tunables; tenant-wide policy comes from
// modules/overrides instead of here.
type Config struct {
	RecentMessageLimit int `yaml:"recent_message_limit"`
	SyncPageLimit      int `yaml:"sync_page_limit"`
}

func DefaultConfig() Config {
	return Config{
		RecentMessageLimit: 30,
		SyncPageLimit:      50,
	}
}

// Resolver is the bootstrap component: one per process, stateless aside
// from its store handles.
type Resolver struct {
	cfg       Config
	cursors   *cursorstore.Store
	convStore *conversation.Store
	reader    *storagereader.Reader
	overrides *overrides.Overrides
	metrics   *metrics.BootstrapMetrics
}

// SetMetrics injects this service's prometheus collectors, built once at
// boot by cmd/messaging.
func (r *Resolver) SetMetrics(m *metrics.BootstrapMetrics) {
	r.metrics = m
}

func New(cfg Config, cursors *cursorstore.Store, convStore *conversation.Store, reader *storagereader.Reader, ov *overrides.Overrides) *Resolver {
	return &Resolver{cfg: cfg, cursors: cursors, convStore: convStore, reader: reader, overrides: ov}
}

// ConversationSummary is one row of a bootstrap/sync response: a
// conversation plus the unread count and server cursor derived for it.
type ConversationSummary struct {
	Conversation   model.Conversation
	UnreadCount    int64
	ServerCursorTS int64
	RecentMessages []model.Message
}

// Result is the full BootstrapResult contract: summaries ordered newest
// activity first, the merged cursor map, and the tenant's effective
// policy.
type Result struct {
	Summaries []ConversationSummary
	CursorMap map[string]int64
	Policy    overrides.Limits
}

// Bootstrap loads the user's full conversation snapshot. clientCursorMap
// carries the client's last-known cursor per conversation_id (epoch
// millis); server values win wherever the server already has one, client
// hints only fill conversations the server doesn't know about yet.
func (r *Resolver) Bootstrap(ctx context.Context, tenantID, userID string, clientCursorMap map[string]int64, includeRecent bool) (Result, error) {
	start := time.Now()
	var resultLen int
	defer func() { r.metrics.ObserveResolve(time.Since(start), resultLen) }()

	serverCursors, err := r.cursors.ListForUser(ctx, tenantID, userID)
	if err != nil {
		return Result{}, fmt.Errorf("bootstrap: load cursors: %w", err)
	}

	cursorMap := make(map[string]int64, len(clientCursorMap)+len(serverCursors))
	for convID, ts := range clientCursorMap {
		cursorMap[convID] = ts
	}
	for _, c := range serverCursors {
		cursorMap[c.ConversationID] = c.LastSyncedTS
	}

	convs, err := r.convStore.ListForUser(ctx, tenantID, userID)
	if err != nil {
		return Result{}, fmt.Errorf("bootstrap: list conversations: %w", err)
	}

	summaries := make([]ConversationSummary, 0, len(convs))
	for _, pc := range convs {
		summary := ConversationSummary{
			Conversation: pc.Conversation,
			UnreadCount:  unreadCount(pc),
		}
		summary.ServerCursorTS = serverCursorTS(pc.Conversation, cursorMap[pc.Conversation.ConversationID])

		if includeRecent && r.cfg.RecentMessageLimit > 0 {
			msgs, err := r.reader.ByTimeRange(ctx, tenantID, pc.Conversation.ConversationID, time.Time{}, time.Now(), r.cfg.RecentMessageLimit, userID)
			if err != nil {
				return Result{}, fmt.Errorf("bootstrap: recent messages for %s: %w", pc.Conversation.ConversationID, err)
			}
			summary.RecentMessages = msgs
		}

		summaries = append(summaries, summary)
	}

	sortSummariesDesc(summaries)
	resultLen = len(summaries)

	return Result{
		Summaries: summaries,
		CursorMap: cursorMap,
		Policy:    r.overrides.Get(tenantID),
	}, nil
}

// SyncConversations returns only the conversations whose activity
// postdates clientCursor, the incremental-catch-up path a reconnecting
// client uses instead of a full Bootstrap.
func (r *Resolver) SyncConversations(ctx context.Context, tenantID, userID string, clientCursor int64, limit int) ([]ConversationSummary, bool, error) {
	if limit <= 0 || limit > r.cfg.SyncPageLimit {
		limit = r.cfg.SyncPageLimit
	}

	full, err := r.Bootstrap(ctx, tenantID, userID, nil, false)
	if err != nil {
		return nil, false, err
	}

	filtered := make([]ConversationSummary, 0, len(full.Summaries))
	for _, s := range full.Summaries {
		if s.ServerCursorTS > clientCursor {
			filtered = append(filtered, s)
		}
	}

	hasMore := len(filtered) > limit
	if hasMore {
		filtered = filtered[:limit]
	}
	return filtered, hasMore, nil
}

// ForceSync verifies the caller still participates in every requested
// conversation, returning the ids that fail that precondition (deleted,
// or the user was removed) instead of an error for the whole batch.
func (r *Resolver) ForceSync(ctx context.Context, tenantID, userID string, conversationIDs []string) (failed []string, err error) {
	for _, convID := range conversationIDs {
		participants, err := r.convStore.ListParticipants(ctx, tenantID, convID)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: force sync %s: %w", convID, err)
		}
		if !participates(participants, userID) {
			failed = append(failed, convID)
		}
	}
	r.metrics.IncForceSyncMiss(len(failed))
	return failed, nil
}

func participates(participants []model.ConversationParticipant, userID string) bool {
	for _, p := range participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// unreadCount applies step 3 of the algorithm: prefer the seq-derived
// count when the conversation has a known high-water mark, otherwise
// fall back to the stored counter maintained by BumpUnread/MarkRead.
func unreadCount(pc conversation.ParticipantConversation) int64 {
	if pc.Conversation.LastMessageSeq > 0 {
		if n := pc.Conversation.LastMessageSeq - pc.LastReadSeq; n > 0 {
			return n
		}
		return 0
	}
	return pc.UnreadCount
}

// serverCursorTS derives max(last_message_ts, cursor_map[conv]); the
// conversation's updated_at is the only durable proxy we have for the
// last message's timestamp once last_message_seq has advanced past it.
func serverCursorTS(c model.Conversation, cursorTS int64) int64 {
	lastMessageTS := c.UpdatedAt.UnixMilli()
	if cursorTS > lastMessageTS {
		return cursorTS
	}
	return lastMessageTS
}

func sortSummariesDesc(summaries []ConversationSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].ServerCursorTS > summaries[j].ServerCursorTS
	})
}

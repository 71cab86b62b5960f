package bootstrap_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/flarecore/messaging-core/modules/bootstrap"
	"github.com/flarecore/messaging-core/modules/overrides"
	"github.com/flarecore/messaging-core/pkg/conversation"
	"github.com/flarecore/messaging-core/pkg/cursorstore"
)

func newTestResolver(t *testing.T) (*bootstrap.Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")

	cursors := cursorstore.New(sqlxDB, time.Second)
	convStore := conversation.New(sqlxDB, time.Second)

	ov, err := overrides.New(overrides.Config{Defaults: overrides.DefaultLimits()}, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(ov.Close)

	r := bootstrap.New(bootstrap.DefaultConfig(), cursors, convStore, nil, ov)
	return r, mock
}

func TestBootstrap_MergesClientCursorOnlyForAbsentKeys(t *testing.T) {
	r, mock := newTestResolver(t)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM cursors").
		WithArgs("t1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "user_id", "conversation_id", "last_synced_ts", "updated_at"}).
			AddRow("t1", "u1", "c1", int64(5000), now))

	mock.ExpectQuery("SELECT (.+) FROM conversations").
		WithArgs("t1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{
			"conversation_id", "tenant_id", "type", "channel_id", "last_message_seq", "created_at", "updated_at",
			"unread_count", "last_read_seq",
		}).
			AddRow("c1", "t1", "single", "", int64(10), now, now, int64(0), int64(3)).
			AddRow("c2", "t1", "single", "", int64(0), now, now.Add(-time.Hour), int64(2), int64(0)))

	res, err := r.Bootstrap(context.Background(), "t1", "u1", map[string]int64{"c1": 1, "c2": 9999}, false)
	require.NoError(t, err)

	require.Equal(t, int64(5000), res.CursorMap["c1"]) // server wins, present key
	require.Equal(t, int64(9999), res.CursorMap["c2"]) // client fills absent key

	require.Len(t, res.Summaries, 2)
	var byID = map[string]bootstrap.ConversationSummary{}
	for _, s := range res.Summaries {
		byID[s.Conversation.ConversationID] = s
	}
	require.Equal(t, int64(7), byID["c1"].UnreadCount)  // 10 - 3
	require.Equal(t, int64(2), byID["c2"].UnreadCount)  // falls back to stored count, no seq
	require.Equal(t, overrides.DefaultLimits(), res.Policy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncConversations_FiltersByClientCursorAndReportsHasMore(t *testing.T) {
	r, mock := newTestResolver(t)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM cursors").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "user_id", "conversation_id", "last_synced_ts", "updated_at"}))

	mock.ExpectQuery("SELECT (.+) FROM conversations").
		WillReturnRows(sqlmock.NewRows([]string{
			"conversation_id", "tenant_id", "type", "channel_id", "last_message_seq", "created_at", "updated_at",
			"unread_count", "last_read_seq",
		}).
			AddRow("old", "t1", "single", "", int64(0), now, now.Add(-48*time.Hour), int64(0), int64(0)).
			AddRow("new", "t1", "single", "", int64(0), now, now, int64(0), int64(0)))

	cutoff := now.Add(-time.Hour).UnixMilli()
	summaries, hasMore, err := r.SyncConversations(context.Background(), "t1", "u1", cutoff, 10)
	require.NoError(t, err)
	require.False(t, hasMore)
	require.Len(t, summaries, 1)
	require.Equal(t, "new", summaries[0].Conversation.ConversationID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestForceSync_ReportsMissingParticipation(t *testing.T) {
	r, mock := newTestResolver(t)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM conversation_participants").
		WithArgs("t1", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id", "tenant_id", "user_id", "unread_count", "last_read_seq", "joined_at"}).
			AddRow("c1", "t1", "u1", int64(0), int64(0), now))

	mock.ExpectQuery("SELECT (.+) FROM conversation_participants").
		WithArgs("t1", "c2").
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id", "tenant_id", "user_id", "unread_count", "last_read_seq", "joined_at"}))

	failed, err := r.ForceSync(context.Background(), "t1", "u1", []string{"c1", "c2"})
	require.NoError(t, err)
	require.Equal(t, []string{"c2"}, failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

package conversation_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/flarecore/messaging-core/pkg/conversation"
	"github.com/flarecore/messaging-core/pkg/model"
)

func newMock(t *testing.T) (*conversation.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")
	return conversation.New(sqlxDB, time.Second), mock
}

func TestGetOrCreate(t *testing.T) {
	store, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"conversation_id", "tenant_id", "type", "channel_id", "last_message_seq", "created_at", "updated_at"}).
		AddRow("c1", "t1", "single", "", 0, time.Now(), time.Now())
	mock.ExpectQuery("INSERT INTO conversations").WillReturnRows(rows)

	c, err := store.GetOrCreate(context.Background(), "t1", "c1", model.ConversationSingle, "")
	require.NoError(t, err)
	require.Equal(t, "c1", c.ConversationID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBumpUnread(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("UPDATE conversation_participants").
		WithArgs("t1", "c1", "sender").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := store.BumpUnread(context.Background(), "t1", "c1", "sender")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRead_NotFoundWhenNoRowsAffected(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("UPDATE conversation_participants").
		WithArgs("t1", "c1", "u1", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.MarkRead(context.Background(), "t1", "c1", "u1", 5)
	require.Error(t, err)
}

func TestListForUser(t *testing.T) {
	store, mock := newMock(t)
	rows := sqlmock.NewRows([]string{
		"conversation_id", "tenant_id", "type", "channel_id", "last_message_seq", "created_at", "updated_at",
		"unread_count", "last_read_seq",
	}).AddRow("c1", "t1", "single", "", int64(10), time.Now(), time.Now(), int64(3), int64(7))
	mock.ExpectQuery("SELECT (.+) FROM conversations").WithArgs("t1", "u1").WillReturnRows(rows)

	convs, err := store.ListForUser(context.Background(), "t1", "u1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "c1", convs[0].Conversation.ConversationID)
	require.Equal(t, int64(10), convs[0].Conversation.LastMessageSeq)
	require.Equal(t, int64(7), convs[0].LastReadSeq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_ReturnsNilWhenAbsent(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("SELECT (.+) FROM conversations").
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id", "tenant_id", "type", "channel_id", "last_message_seq", "created_at", "updated_at"}))

	c, err := store.Get(context.Background(), "t1", "missing")
	require.NoError(t, err)
	require.Nil(t, c)
}

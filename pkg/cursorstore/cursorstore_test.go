package cursorstore_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/flarecore/messaging-core/pkg/cursorstore"
	"github.com/flarecore/messaging-core/pkg/model"
)

func newMock(t *testing.T) (*cursorstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")
	return cursorstore.New(sqlxDB, time.Second), mock
}

func TestUpsert(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("INSERT INTO cursors").
		WithArgs("t1", "u1", "c1", int64(10)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Upsert(context.Background(), model.Cursor{TenantID: "t1", UserID: "u1", ConversationID: "c1", LastSyncedTS: 10})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_Found(t *testing.T) {
	store, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"tenant_id", "user_id", "conversation_id", "last_synced_ts", "updated_at"}).
		AddRow("t1", "u1", "c1", 10, time.Now())
	mock.ExpectQuery("SELECT (.+) FROM cursors").WillReturnRows(rows)

	c, err := store.Get(context.Background(), "t1", "u1", "c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, int64(10), c.LastSyncedTS)
}

func TestListForUser(t *testing.T) {
	store, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"tenant_id", "user_id", "conversation_id", "last_synced_ts", "updated_at"}).
		AddRow("t1", "u1", "c1", 10, time.Now()).
		AddRow("t1", "u1", "c2", 3, time.Now())
	mock.ExpectQuery("SELECT (.+) FROM cursors").WillReturnRows(rows)

	cursors, err := store.ListForUser(context.Background(), "t1", "u1")
	require.NoError(t, err)
	require.Len(t, cursors, 2)
}

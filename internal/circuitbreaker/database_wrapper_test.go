package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestDatabaseWrapper(t *testing.T) (*DatabaseWrapper, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewDatabaseWrapper(db, zaptest.NewLogger(t)), mock
}

func TestDatabaseWrapperExec(t *testing.T) {
	wrapper, mock := newTestDatabaseWrapper(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE messages").
		WithArgs("done", "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := wrapper.ExecContext(ctx, "UPDATE messages SET status = $1 WHERE id = $2", "done", "msg-1")
	require.NoError(t, err)
	affected, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseWrapperGetNoRowsPassesThrough(t *testing.T) {
	wrapper, mock := newTestDatabaseWrapper(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		mock.ExpectQuery("SELECT id FROM messages").
			WillReturnError(sql.ErrNoRows)
	}

	var id string
	for i := 0; i < 6; i++ {
		err := wrapper.GetContext(ctx, &id, "SELECT id FROM messages WHERE id = $1", "missing")
		require.ErrorIs(t, err, sql.ErrNoRows)
	}

	assert.False(t, wrapper.IsCircuitBreakerOpen(), "ErrNoRows must not trip the breaker")
}

func TestDatabaseWrapperTripsOnRepeatedFailures(t *testing.T) {
	wrapper, mock := newTestDatabaseWrapper(t)
	ctx := context.Background()

	dbErr := errors.New("connection refused")
	for i := 0; i < 5; i++ {
		mock.ExpectExec("INSERT INTO messages").WillReturnError(dbErr)
	}

	for i := 0; i < 5; i++ {
		_, err := wrapper.ExecContext(ctx, "INSERT INTO messages (id) VALUES ($1)", "m")
		require.Error(t, err)
	}
	require.True(t, wrapper.IsCircuitBreakerOpen())

	_, err := wrapper.ExecContext(ctx, "INSERT INTO messages (id) VALUES ($1)", "m")
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestDatabaseWrapperTransaction(t *testing.T) {
	wrapper, mock := newTestDatabaseWrapper(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE messages").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := wrapper.BeginTxx(ctx, nil)
	require.NoError(t, err)

	_, err = tx.ExecContext(ctx, "UPDATE messages SET status = $1", "done")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseWrapperRollbackBypassesBreaker(t *testing.T) {
	wrapper, mock := newTestDatabaseWrapper(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()

	tx, err := wrapper.BeginTxx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

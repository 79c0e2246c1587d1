package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/copyleftdev/turnstiled/internal/taskstypes"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flexibleSQL matches a statement regardless of whitespace.
func flexibleSQL(sql string) string {
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(strings.TrimSpace(sql)), `\s+`)
}

func newMockStore(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)

	mock.ExpectPing()
	mock.ExpectExec(flexibleSQL(sqlCreateTable)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(flexibleSQL(sqlFailAbandoned)).
		WithArgs("failure", pgxmock.AnyArg(), "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	s, err := NewPostgres(context.Background(), mock, zap.NewNop())
	require.NoError(t, err)
	return s, mock
}

func TestNewPostgres_PingFailure(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mock.Close()

	pingErr := errors.New("database unavailable")
	mock.ExpectPing().WillReturnError(pingErr)

	_, err = NewPostgres(context.Background(), mock, zap.NewNop())
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutAndGet(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)
	defer mock.Close()

	success := taskstypes.Success("tok", 3*time.Second, []taskstypes.Cookie{{Name: "a", Value: "b"}}, "ua")
	mock.ExpectExec(flexibleSQL(sqlUpsertResult)).
		WithArgs("task-1", "pending", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(flexibleSQL(sqlUpsertResult)).
		WithArgs("task-1", "success", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.MarkPending(ctx, "task-1"))
	require.NoError(t, s.Put(ctx, "task-1", success))

	stored, err := json.Marshal(success)
	require.NoError(t, err)
	mock.ExpectQuery(flexibleSQL(sqlSelectResult)).
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{"result"}).AddRow(stored))

	got, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, success, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetUnknown(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectQuery(flexibleSQL(sqlSelectResult)).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutFailure(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectExec(flexibleSQL(sqlUpsertResult)).
		WithArgs("task-1", "failure", pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	failure := taskstypes.Failure(time.Second, "x")
	err := s.Put(context.Background(), "task-1", failure)
	assert.ErrorContains(t, err, "connection reset")

	// The row still says pending, but this process answers from memory.
	got, err := s.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, failure, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PendingWriteFailureIsNotCached(t *testing.T) {
	s, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectExec(flexibleSQL(sqlUpsertResult)).
		WithArgs("task-1", "pending", pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectQuery(flexibleSQL(sqlSelectResult)).
		WithArgs("task-1").
		WillReturnError(pgx.ErrNoRows)

	require.Error(t, s.MarkPending(context.Background(), "task-1"))
	_, err := s.Get(context.Background(), "task-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

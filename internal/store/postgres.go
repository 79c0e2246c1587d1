package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/copyleftdev/turnstiled/internal/taskstypes"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool abstracts *pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	sqlCreateTable = `
		CREATE TABLE IF NOT EXISTS turnstile_results (
			task_id    TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			result     JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`

	sqlUpsertResult = `
		INSERT INTO turnstile_results (task_id, status, result, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			updated_at = EXCLUDED.updated_at`

	sqlSelectResult = `SELECT result FROM turnstile_results WHERE task_id = $1`

	// Rows left pending by a previous process can never complete.
	sqlFailAbandoned = `
		UPDATE turnstile_results SET status = $1, result = $2, updated_at = now()
		WHERE status = $3`
)

// Postgres persists results in a single table, one row per task. Terminal
// results whose write failed are kept in memory so this process still
// reports them.
type Postgres struct {
	pool     DBPool
	unsynced *Memory
	log      *zap.Logger
}

// NewPostgres verifies the connection, creates the table if needed and
// fails any task left pending by a previous run.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Postgres{pool: pool, unsynced: NewMemory(logger), log: logger.Named("store")}

	if _, err := pool.Exec(ctx, sqlCreateTable); err != nil {
		return nil, fmt.Errorf("failed to create results table: %w", err)
	}

	abandoned, err := json.Marshal(taskstypes.Failure(0, "interrupted by restart"))
	if err != nil {
		return nil, err
	}
	tag, err := pool.Exec(ctx, sqlFailAbandoned, string(taskstypes.StatusFailure), abandoned, string(taskstypes.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to fail abandoned tasks: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Warn("Marked abandoned tasks as failed", zap.Int64("tasks", n))
	}
	return s, nil
}

func (s *Postgres) MarkPending(ctx context.Context, id string) error {
	return s.Put(ctx, id, taskstypes.Pending())
}

func (s *Postgres) Put(ctx context.Context, id string, result taskstypes.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlUpsertResult, id, string(result.Status), data); err != nil {
		if result.IsTerminal() {
			s.unsynced.Put(ctx, id, result)
		}
		return fmt.Errorf("failed to store result for %s: %w", id, err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (taskstypes.Result, error) {
	if r, err := s.unsynced.Get(ctx, id); err == nil {
		return r, nil
	}

	var data []byte
	if err := s.pool.QueryRow(ctx, sqlSelectResult, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return taskstypes.Result{}, ErrNotFound
		}
		return taskstypes.Result{}, fmt.Errorf("failed to load result for %s: %w", id, err)
	}

	var r taskstypes.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return taskstypes.Result{}, fmt.Errorf("failed to decode result for %s: %w", id, err)
	}
	return r, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

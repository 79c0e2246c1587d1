// Package store keeps task results keyed by task id.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/copyleftdev/turnstiled/internal/config"
	"github.com/copyleftdev/turnstiled/internal/taskstypes"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("task not found")

// Store maps task ids to results. Each id has a single writer (the task that
// owns it) and any number of concurrent readers.
type Store interface {
	MarkPending(ctx context.Context, id string) error
	// Put records a result. A persistence error does not undo the write:
	// Get still observes the result afterwards.
	Put(ctx context.Context, id string, result taskstypes.Result) error
	Get(ctx context.Context, id string) (taskstypes.Result, error)
	Close() error
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return NewMemory(logger), nil
	case config.StoreFile:
		return OpenJournal(cfg.Path, logger)
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		s, err := NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

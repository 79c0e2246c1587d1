package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/copyleftdev/turnstiled/internal/store"
	"github.com/copyleftdev/turnstiled/internal/taskstypes"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrShuttingDown = errors.New("task manager is shutting down")

// Manager accepts tasks, runs each in its own goroutine and records the
// outcome in the store. Submission never waits for a solve.
type Manager struct {
	solver Solver
	store  store.Store
	logger *zap.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu       sync.Mutex
	closed   bool
	reserved map[string]struct{} // ids being registered in the store
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func NewManager(solver Solver, st store.Store, logger *zap.Logger) *Manager {
	runCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		solver:    solver,
		store:     st,
		logger:    logger.Named("tasks"),
		runCtx:    runCtx,
		cancelRun: cancel,
		reserved:  make(map[string]struct{}),
	}
}

// Submit registers task as pending and starts solving it in the background.
// An empty ID is filled with a fresh UUID. The returned id is the task's key
// in the store.
func (m *Manager) Submit(ctx context.Context, task *taskstypes.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}
	if _, ok := m.reserved[task.ID]; ok {
		m.mu.Unlock()
		return "", fmt.Errorf("task with ID %s already exists", task.ID)
	}
	m.reserved[task.ID] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	err := m.register(ctx, task.ID)

	m.mu.Lock()
	delete(m.reserved, task.ID)
	m.mu.Unlock()
	if err != nil {
		m.wg.Done()
		return "", err
	}

	m.inFlight.Add(1)
	go m.run(task)

	m.logger.Debug("Task submitted",
		zap.String("task_id", task.ID),
		zap.String("url", task.URL),
		zap.Bool("proxy", task.Proxy.Enabled()))
	return task.ID, nil
}

// register records id as pending unless the store already knows it.
func (m *Manager) register(ctx context.Context, id string) error {
	if _, err := m.store.Get(ctx, id); err == nil {
		return fmt.Errorf("task with ID %s already exists", id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to check task %s: %w", id, err)
	}
	if err := m.store.MarkPending(ctx, id); err != nil {
		return fmt.Errorf("failed to register task %s: %w", id, err)
	}
	return nil
}

func (m *Manager) run(task *taskstypes.Task) {
	defer m.wg.Done()
	defer m.inFlight.Add(-1)

	result := m.solver.Solve(m.runCtx, task)

	// The store write must not depend on runCtx, which is cancelled on forced shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.Put(ctx, task.ID, result); err != nil {
		m.logger.Warn("Failed to persist result", zap.String("task_id", task.ID), zap.Error(err))
	}
	m.logger.Debug("Task finished", zap.String("task_id", task.ID), zap.Stringer("result", result))
}

// Get returns the current result of a task, store.ErrNotFound if the id is unknown.
func (m *Manager) Get(ctx context.Context, id string) (taskstypes.Result, error) {
	return m.store.Get(ctx, id)
}

// InFlight is the number of tasks submitted but not yet finished.
func (m *Manager) InFlight() int {
	return int(m.inFlight.Load())
}

// Shutdown stops accepting tasks and waits for running ones. If ctx ends
// first, running solves are cancelled and Shutdown waits for them to record
// their failure before returning ctx's error.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancelRun()
		m.logger.Info("Task manager shut down")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Cancelling running tasks", zap.Int("tasks", m.InFlight()))
		m.cancelRun()
		<-done
		return ctx.Err()
	}
}

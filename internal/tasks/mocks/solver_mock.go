package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/copyleftdev/turnstiled/internal/taskstypes"
)

// MockSolver implements the tasks.Solver interface for testing
type MockSolver struct {
	mu       sync.Mutex
	solved   []*taskstypes.Task
	results  map[string]taskstypes.Result
	fallback taskstypes.Result
	release  chan struct{}
	started  chan string
}

// NewMockSolver returns a solver that succeeds with token "mock-token"
// unless told otherwise.
func NewMockSolver() *MockSolver {
	return &MockSolver{
		results:  make(map[string]taskstypes.Result),
		fallback: taskstypes.Success("mock-token", 10*time.Millisecond, nil, "mock-agent"),
		started:  make(chan string, 64),
	}
}

// Solve implements the Solver interface
func (m *MockSolver) Solve(ctx context.Context, task *taskstypes.Task) taskstypes.Result {
	m.mu.Lock()
	m.solved = append(m.solved, task)
	release := m.release
	m.mu.Unlock()

	select {
	case m.started <- task.ID:
	default:
	}

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return taskstypes.Failure(0, ctx.Err().Error())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.results[task.ID]; ok {
		return r
	}
	return m.fallback
}

// SetResult sets a predefined result for a task ID
func (m *MockSolver) SetResult(taskID string, result taskstypes.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[taskID] = result
}

// SetDefault sets the result returned for task IDs without a predefined one
func (m *MockSolver) SetDefault(result taskstypes.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = result
}

// Hold makes every Solve block until the returned function is called.
func (m *MockSolver) Hold() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.release = ch
	m.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Started delivers the ID of every task as its Solve begins.
func (m *MockSolver) Started() <-chan string {
	return m.started
}

// SolvedTasks returns the tasks that were handed to Solve
func (m *MockSolver) SolvedTasks() []*taskstypes.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*taskstypes.Task(nil), m.solved...)
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/copyleftdev/turnstiled/internal/taskstypes"
	"go.uber.org/zap"
)

// Memory is an in-process store. With a journal path it also rewrites a JSON
// file of every terminal result after each Put and reloads it on open.
type Memory struct {
	mu      sync.RWMutex
	results map[string]taskstypes.Result

	path    string
	writeMu sync.Mutex
	logger  *zap.Logger
}

func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		results: make(map[string]taskstypes.Result),
		logger:  logger.Named("store"),
	}
}

// OpenJournal loads the journal at path. A missing file starts empty; an
// unreadable or corrupt one is logged and also starts empty.
func OpenJournal(path string, logger *zap.Logger) (*Memory, error) {
	m := NewMemory(logger)
	m.path = path

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		m.logger.Debug("No result journal yet", zap.String("path", path))
		return m, nil
	case err != nil:
		m.logger.Warn("Failed to read result journal, starting empty", zap.String("path", path), zap.Error(err))
		return m, nil
	}

	var loaded map[string]taskstypes.Result
	if err := json.Unmarshal(data, &loaded); err != nil {
		m.logger.Warn("Result journal is corrupt, starting empty", zap.String("path", path), zap.Error(err))
		return m, nil
	}
	for id, r := range loaded {
		// Tasks that were still running when the process stopped are gone.
		if r.IsTerminal() {
			m.results[id] = r
		}
	}
	m.logger.Info("Loaded result journal", zap.String("path", path), zap.Int("results", len(m.results)))
	return m, nil
}

func (m *Memory) MarkPending(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[id] = taskstypes.Pending()
	return nil
}

func (m *Memory) Put(ctx context.Context, id string, result taskstypes.Result) error {
	m.mu.Lock()
	m.results[id] = result
	m.mu.Unlock()

	if m.path == "" || !result.IsTerminal() {
		return nil
	}
	return m.flush()
}

func (m *Memory) Get(ctx context.Context, id string) (taskstypes.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[id]
	if !ok {
		return taskstypes.Result{}, ErrNotFound
	}
	return r, nil
}

// Len is the number of known task ids.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}

func (m *Memory) Close() error {
	if m.path == "" {
		return nil
	}
	return m.flush()
}

// flush writes the terminal results to a temporary file and renames it over
// the journal so readers never see a half-written file.
func (m *Memory) flush() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	snapshot := make(map[string]taskstypes.Result, len(m.results))
	for id, r := range m.results {
		if r.IsTerminal() {
			snapshot[id] = r
		}
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result journal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write result journal: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write result journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write result journal: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("failed to replace result journal: %w", err)
	}
	return nil
}

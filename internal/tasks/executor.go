package tasks

import (
	"context"

	"github.com/copyleftdev/turnstiled/internal/taskstypes"
)

// Solver runs one task to completion. This decouples the task manager from
// the browser pool and the solve state machine.
type Solver interface {
	// Solve always returns a terminal result. Cancelling ctx asks an
	// in-flight solve to give up early.
	Solve(ctx context.Context, task *taskstypes.Task) taskstypes.Result
}

package solver

import (
	"context"
	"errors"
)

type AttemptKind int

const (
	// AttemptEmpty means the widget has not produced a token yet.
	AttemptEmpty AttemptKind = iota
	AttemptToken
	// AttemptTransient means the read or the click failed. It never ends the task.
	AttemptTransient
)

func (k AttemptKind) String() string {
	switch k {
	case AttemptEmpty:
		return "empty"
	case AttemptToken:
		return "token"
	case AttemptTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Attempt is the outcome of one poll of the widget.
type Attempt struct {
	Kind  AttemptKind
	Token string
	Err   error
}

// Unexpected reports whether a transient failure was something other than a
// per-call timeout.
func (a Attempt) Unexpected() bool {
	return a.Kind == AttemptTransient && !errors.Is(a.Err, context.DeadlineExceeded)
}

package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTask is returned for a key that is not in the current view.
	ErrUnknownTask = errors.New("unknown task")
	// ErrNotPersisted is returned for intents on tasks the server has not assigned an id yet.
	ErrNotPersisted = errors.New("task has no id yet")
	// ErrInvalidFields wraps field validation failures.
	ErrInvalidFields = errors.New("invalid task fields")
)

// RollbackError reports an intent whose optimistic change was reverted.
type RollbackError struct {
	Intent string
	Err    error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%s rolled back: %v", e.Intent, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task id is unknown to the store.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidStateTransition is returned when a run is requested for a task
	// that is already processing (single-flight guard).
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrCapacityExceeded is returned to manual submissions while the gate is
	// saturated. Scheduled submissions queue instead.
	ErrCapacityExceeded = errors.New("concurrency limit reached")
)

// ValidationError reports a malformed field on task creation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ExecutionError tags a failed work unit with the task it belonged to.
type ExecutionError struct {
	TaskID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s execution failed: %v", e.TaskID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

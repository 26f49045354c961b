package worker

import (
	"errors"
	"fmt"
)

// ErrCancelled is matched by every CancellationError
var ErrCancelled = errors.New("worker: run cancelled")

// CancellationError is returned by Wait if the run was cancelled before all tasks were started
type CancellationError struct {
	Reason error
}

func (e *CancellationError) Error() string {
	if e.Reason == nil {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%s: %v", ErrCancelled, e.Reason)
}

func (e *CancellationError) Unwrap() error { return e.Reason }

// Is makes errors.Is(err, ErrCancelled) work
func (e *CancellationError) Is(target error) bool {
	return target == ErrCancelled
}

// TaskError wraps the error of the first failing task
type TaskError struct {
	Index int
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("worker: task %d failed: %v", e.Index, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

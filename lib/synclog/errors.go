package synclog

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for logs submitted to a closed engine
var ErrClosed = errors.New("synclog: engine is closed")

// ApplyError describes an entry that was skipped
type ApplyError struct {
	Entry  Entry
	Reason string
	Err    error
}

func (e *ApplyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("synclog: skipped %s: %s: %v", e.Entry, e.Reason, e.Err)
	}
	return fmt.Sprintf("synclog: skipped %s: %s", e.Entry, e.Reason)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// DroppedEntry is published when a deferred entry is given up
type DroppedEntry struct {
	Entry Entry
	Err   error // the error that caused the deferral
}

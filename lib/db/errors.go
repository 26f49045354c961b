package db

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("ResourceDBError (code %s): %s", e.Code, e.Msg)
}

// Is matches errors with the same return code, so errors.Is(err, ErrUnknownIndex) works
// for every error created with RetCUnknownIndex.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new ResourceDBError with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new ResourceDBError with a formatted message.
func Errorf(code RetCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Operation executed successfully.
	RetCInternalError                   // 1: Operation failed due to an internal error.
	RetCInvalidOperation                // 2: Invalid operation, e.g. wrong number of index values.
	RetCUnknownKind                     // 3: The kind is not registered.
	RetCUnknownIndex                    // 4: The index is not declared for the kind.
	RetCTransientKind                   // 5: Query of a transient kind.
	RetCClosed                          // 6: The database is closed.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCUnknownKind:
		return "UnknownKind"
	case RetCUnknownIndex:
		return "UnknownIndex"
	case RetCTransientKind:
		return "TransientKind"
	case RetCClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is
var (
	ErrUnknownKind   = NewError(RetCUnknownKind, "unknown kind")
	ErrUnknownIndex  = NewError(RetCUnknownIndex, "unknown index")
	ErrTransientKind = NewError(RetCTransientKind, "kind is transient")
	ErrClosed        = NewError(RetCClosed, "database is closed")
)

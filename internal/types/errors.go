package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

const (
	// ErrCodeValidation covers malformed cron expressions, bad task parameters
	// and other configuration-time failures. These are raised synchronously and
	// never reach the change reactor.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeSelection covers failures while describing or filtering resources.
	ErrCodeSelection ErrorCode = "selection"
	// ErrCodeExecution covers failures raised by an action's Execute.
	ErrCodeExecution ErrorCode = "execution"
	// ErrCodeTimeout covers completion timeouts and watchdog-forced timeouts.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeStore covers tracking table and ledger persistence failures after
	// the retrying client has given up.
	ErrCodeStore ErrorCode = "store"
	// ErrCodeNotFound covers lookups of unknown task items or definitions.
	ErrCodeNotFound ErrorCode = "not_found"
)

// Error is the structured application error carried across component
// boundaries. Use NewError to construct and errors.As to inspect.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a structured error with the given code.
func NewError(code ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the ErrorCode from err, or ErrCodeStore if err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeStore
}

// ErrTaskItemNotFound is returned by tracking store lookups for unknown ids.
var ErrTaskItemNotFound = NewError(ErrCodeNotFound, "task item not found", nil)

// ErrTaskNotFound is returned by task configuration lookups for unknown names.
var ErrTaskNotFound = NewError(ErrCodeNotFound, "task definition not found", nil)

package ldm7

import (
	"errors"
	"fmt"
)

// Code classifies an Error into one of the taxonomy buckets callers can
// switch on without parsing messages.
type Code string

const (
	Invalid     Code = "invalid"
	NotFound    Code = "not_found"
	Duplicate   Code = "duplicate"
	TooBig      Code = "too_big"
	Corrupt     Code = "corrupt"
	IO          Code = "io"
	Timeout     Code = "timeout"
	Refused     Code = "refused"
	Unauth      Code = "unauth"
	Unsupported Code = "unsupported"
	Shutdown    Code = "shutdown"
	System      Code = "system"
	Logic       Code = "logic"
)

// Error is the structured error type returned across package boundaries.
// Op names the failing operation, Code classifies the failure, Msg carries
// a human-readable detail, and Inner wraps the underlying cause, if any.
type Error struct {
	Op    string
	Code  Code
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Inner != nil {
		return fmt.Sprintf("%s: %v", msg, e.Inner)
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is compares two *Error values by Code, so callers can write
// errors.Is(err, ldm7.ErrNotFound) without inspecting Op or Msg.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NewError constructs an *Error with no wrapped cause.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapError wraps an existing error under op, classified as code. If inner
// is already an *Error its Code is preserved unless the caller passes a
// more specific one.
func WrapError(op string, code Code, inner error) *Error {
	if inner == nil {
		return &Error{Op: op, Code: code}
	}
	if e, ok := inner.(*Error); ok && code == "" {
		return &Error{Op: op, Code: e.Code, Msg: e.Msg, Inner: e}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is, or wraps, an *Error with the given Code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Sentinel *Error values for errors.Is comparisons by category.
var (
	ErrInvalid     = &Error{Code: Invalid}
	ErrNotFound    = &Error{Code: NotFound}
	ErrDuplicate   = &Error{Code: Duplicate}
	ErrTooBig      = &Error{Code: TooBig}
	ErrCorrupt     = &Error{Code: Corrupt}
	ErrIO          = &Error{Code: IO}
	ErrTimeout     = &Error{Code: Timeout}
	ErrRefused     = &Error{Code: Refused}
	ErrUnauth      = &Error{Code: Unauth}
	ErrUnsupported = &Error{Code: Unsupported}
	ErrShutdown    = &Error{Code: Shutdown}
	ErrSystem      = &Error{Code: System}
	ErrLogic       = &Error{Code: Logic}
)

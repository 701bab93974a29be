package device

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers can decide whether to surface,
// reject or retry it. Validation through Auth kinds are terminal for the
// operation that produced them; Network and Timeout are transient and feed
// the sync reconciler's retry state.
type ErrorKind string

const (
	ErrValidation ErrorKind = "validation"
	ErrLocked     ErrorKind = "locked"
	ErrPermission ErrorKind = "permission"
	ErrConflict   ErrorKind = "conflict"
	ErrNotFound   ErrorKind = "not_found"
	ErrAuth       ErrorKind = "auth"
	ErrNetwork    ErrorKind = "network"
	ErrTimeout    ErrorKind = "timeout"
)

// Error is a classified failure.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the classification of err, or "" if it carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }

// IsTransient reports whether err is a retryable network or timeout failure.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == ErrNetwork || k == ErrTimeout
}

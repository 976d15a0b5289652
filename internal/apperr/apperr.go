// Package apperr carries the error kinds shared between the orchestrator
// core and its HTTP surface.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport-level mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindForbidden
	KindUnauthorized
	KindInvalid
)

// Error is a kinded error with an operator-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound builds a not-found error.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a conflict error.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Forbidden builds a forbidden error.
func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized builds an unauthorized error.
func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Invalid builds a validation error.
func Invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalid, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsForbidden reports whether err is a forbidden error.
func IsForbidden(err error) bool { return KindOf(err) == KindForbidden }

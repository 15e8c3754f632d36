// Package apperr defines the business errors returned by the execution core.
//
// Expected rule violations are returned as *Error values carrying a
// machine-readable code and a suggested HTTP status. Anything else that a
// service returns is an infrastructure failure.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a business error.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindStateConflict
	KindValidationFailed
	KindResourceLocked
	KindPermissionDenied
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindValidationFailed:
		return "validation_failed"
	case KindResourceLocked:
		return "resource_locked"
	case KindPermissionDenied:
		return "permission_denied"
	}
	return "unknown"
}

// Error is a business rule violation.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithStatus returns a copy of e reporting the given HTTP status.
func (e *Error) WithStatus(status int) *Error {
	cp := *e
	cp.Status = status
	return &cp
}

func newError(kind Kind, status int, code, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Code: code, Message: msg, Status: status}
}

// NotFound reports a referenced entity that does not exist.
func NotFound(code, format string, args ...any) *Error {
	return newError(KindNotFound, http.StatusNotFound, code, format, args...)
}

// Conflict reports an operation that is invalid for the current status.
func Conflict(code, format string, args ...any) *Error {
	return newError(KindStateConflict, http.StatusConflict, code, format, args...)
}

// Invalid reports malformed or inconsistent input.
func Invalid(code, format string, args ...any) *Error {
	return newError(KindValidationFailed, http.StatusBadRequest, code, format, args...)
}

// Locked reports a resource that is held by someone or something else.
func Locked(code, format string, args ...any) *Error {
	return newError(KindResourceLocked, http.StatusConflict, code, format, args...)
}

// Denied reports an actor lacking a capability.
func Denied(code, format string, args ...any) *Error {
	return newError(KindPermissionDenied, http.StatusForbidden, code, format, args...)
}

// As extracts a business error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err is a business error with the given code.
func Is(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// IsKind reports whether err is a business error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

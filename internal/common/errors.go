// Package common defines the error taxonomy shared by the service and
// transport layers. Callers match kinds with errors.Is.
package common

import "errors"

var (
	// Storage-level errors.
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// Token lifecycle.
	ErrTokenExpired = errors.New("token expired")

	// Service-level kinds, one per response class.
	ErrValidation   = errors.New("validation error")
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInternal     = errors.New("internal error")
)

// Error pairs a kind with the message shown to the caller.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func NewError(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Message returns the caller-facing message carried by err, or fallback when
// err carries none.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}

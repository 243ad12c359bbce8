package core

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Every error produced by the engine matches exactly one of
// these with errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrForbidden       = errors.New("access denied")
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("authentication required")
	ErrTransport       = errors.New("transport failure")
)

// Error is a typed failure with a human-readable message.
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Validation(op, message string) error {
	return &Error{Kind: ErrValidation, Op: op, Message: message}
}

func Forbidden(op, message string) error {
	return &Error{Kind: ErrForbidden, Op: op, Message: message}
}

func NotFound(op, message string) error {
	return &Error{Kind: ErrNotFound, Op: op, Message: message}
}

func Unauthenticated(op string) error {
	return &Error{Kind: ErrUnauthenticated, Op: op}
}

func Transport(op string, err error) error {
	return &Error{Kind: ErrTransport, Op: op, Err: err}
}

// Retryable reports whether err is worth retrying on the next save cycle.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}

// Code is the short machine-readable name used in HTTP error bodies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "internal"
	}
}

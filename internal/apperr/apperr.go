// Package apperr is the error taxonomy shared by the services and their HTTP handlers.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for callers. A Kind is itself an error so that
// errors.Is(err, apperr.Forbidden) works on any wrapped *Error.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	Forbidden    Kind = "forbidden"
	BadRequest   Kind = "bad request"
	Unavailable  Kind = "unavailable"
	Internal     Kind = "internal"
	NotFound     Kind = "not found"
	Conflict     Kind = "conflict"
	Unauthorized Kind = "unauthorized"
)

// Error carries a Kind, a caller-safe message and the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New builds an *Error without a cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error around cause. A nil cause still yields an error.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the Kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Internal
}

// Message returns the caller-safe text for err. Internal errors never leak their cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == Internal {
			return "internal server error"
		}
		return e.Msg
	}
	return "internal server error"
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	switch KindOf(err) {
	case Forbidden:
		return http.StatusForbidden
	case BadRequest:
		return http.StatusBadRequest
	case Unavailable:
		return http.StatusServiceUnavailable
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Unauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Package apperr classifies failures of event handlers so the dispatcher can
// decide between retrying an event and failing it for good.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the retry class of an error.
type Kind string

const (
	KindTransient  Kind = "transient"
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
)

// Error carries a Kind next to the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Transient marks a network failure or a 5xx/429 response.
func Transient(op string, format string, args ...any) error {
	return newError(KindTransient, op, format, args...)
}

// Auth marks an expired or invalid access token.
func Auth(op string, format string, args ...any) error {
	return newError(KindAuth, op, format, args...)
}

// Validation marks a payload that retrying cannot fix.
func Validation(op string, format string, args ...any) error {
	return newError(KindValidation, op, format, args...)
}

// NotFound marks an unknown tenant, contact or mapping.
func NotFound(op string, format string, args ...any) error {
	return newError(KindNotFound, op, format, args...)
}

// KindOf returns the kind of the first classified error in the chain.
// Unclassified errors are treated as transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

func IsAuth(err error) bool       { return err != nil && KindOf(err) == KindAuth }
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return err != nil && KindOf(err) == KindNotFound }

// FromStatus classifies a non-2xx HTTP response.
func FromStatus(op string, status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Auth(op, "status %d: %s", status, body)
	case status == http.StatusNotFound:
		return NotFound(op, "status %d: %s", status, body)
	case status == http.StatusTooManyRequests || status >= 500:
		return Transient(op, "status %d: %s", status, body)
	case status >= 400:
		return Validation(op, "status %d: %s", status, body)
	default:
		return Transient(op, "unexpected status %d: %s", status, body)
	}
}

// Package apperr defines the error kinds surfaced by the exam core.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers deciding how to react.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindValidation        Kind = "validation"
	KindForbidden         Kind = "forbidden"
	KindOracleUnavailable Kind = "oracle_unavailable"
	KindOracleMalformed   Kind = "oracle_malformed"
	KindInternal          Kind = "internal"
)

// Error carries a Kind, a message safe to show to the caller, and an optional cause.
type Error struct {
	Kind    Kind
	Entity  string
	Message string
	// Retryable is only meaningful for KindOracleUnavailable.
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Entity != "" {
		msg = e.Entity + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound reports a missing entity.
func NotFound(entity string, id any) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, Message: fmt.Sprintf("%v not found", id)}
}

// Conflict reports a state that forbids the requested change.
func Conflict(entity, msg string) *Error {
	return &Error{Kind: KindConflict, Entity: entity, Message: msg}
}

// Validation reports bad input.
func Validation(entity, msg string) *Error {
	return &Error{Kind: KindValidation, Entity: entity, Message: msg}
}

// Forbidden reports an ownership check failure.
func Forbidden(entity, msg string) *Error {
	return &Error{Kind: KindForbidden, Entity: entity, Message: msg}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsRetryable reports whether err is an oracle failure worth retrying shortly.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindOracleUnavailable && e.Retryable
}

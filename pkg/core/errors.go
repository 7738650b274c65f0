package core

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindNotFound         ErrorKind = "not_found"
	KindConflict         ErrorKind = "conflict"
	KindExpired          ErrorKind = "expired"
	KindRateLimited      ErrorKind = "rate_limited"
	KindIntegrityFailure ErrorKind = "integrity_failure"
	KindUnavailable      ErrorKind = "unavailable"
	KindInternal         ErrorKind = "internal"
)

// Error carries a stable machine-readable kind next to a human message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, core.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrExpired          = &Error{Kind: KindExpired}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
	ErrIntegrityFailure = &Error{Kind: KindIntegrityFailure}
	ErrUnavailable      = &Error{Kind: KindUnavailable}
)

func newError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...interface{}) error {
	return newError(KindValidation, nil, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newError(KindNotFound, nil, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return newError(KindConflict, nil, format, args...)
}

func Expired(format string, args ...interface{}) error {
	return newError(KindExpired, nil, format, args...)
}

func RateLimited(format string, args ...interface{}) error {
	return newError(KindRateLimited, nil, format, args...)
}

func IntegrityFailure(format string, args ...interface{}) error {
	return newError(KindIntegrityFailure, nil, format, args...)
}

func Unavailable(err error, format string, args ...interface{}) error {
	return newError(KindUnavailable, err, format, args...)
}

// KindOf reports the kind of err; anything untyped is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the human message of a typed error, or err.Error().
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// Package faults defines the error kinds shared by the pipeline. Callers
// classify structurally via errors.As; string matching is reserved for
// categorizing opaque DLQ error text.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindAuth         Kind = "auth"
	KindNotFound     Kind = "not_found"
	KindTimeout      Kind = "timeout"
	KindConnection   Kind = "connection"
	KindRateLimited  Kind = "rate_limit"
	KindCircuitOpen  Kind = "circuit_open"
	KindExternal     Kind = "external"
	KindBusinessRule Kind = "business_rule"
	KindInternal     Kind = "internal"

	// KindOther is only produced by ClassifyText for unrecognized DLQ text.
	KindOther Kind = "other"
)

// Error carries a kind plus retryability so resilience wrappers never have
// to inspect message text.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, retryable bool, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: retryable, Err: err}
}

func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, false, nil, format, args...)
}

func Auth(format string, args ...interface{}) *Error {
	return newf(KindAuth, false, nil, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, false, nil, format, args...)
}

func Timeout(err error, format string, args ...interface{}) *Error {
	return newf(KindTimeout, true, err, format, args...)
}

func Connection(err error, format string, args ...interface{}) *Error {
	return newf(KindConnection, true, err, format, args...)
}

func RateLimited(format string, args ...interface{}) *Error {
	return newf(KindRateLimited, true, nil, format, args...)
}

func CircuitOpen(service, function string) *Error {
	return newf(KindCircuitOpen, true, nil, "circuit open for %s.%s", service, function)
}

func External(err error, format string, args ...interface{}) *Error {
	return newf(KindExternal, true, err, format, args...)
}

func BusinessRule(format string, args ...interface{}) *Error {
	return newf(KindBusinessRule, false, nil, format, args...)
}

func Internal(err error, format string, args ...interface{}) *Error {
	return newf(KindInternal, true, err, format, args...)
}

// KindOf returns the structural kind of err, KindInternal when untagged.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Retryable reports whether the pipeline may re-attempt the operation.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// ClassifyText buckets opaque error text for DLQ categorization. Only this
// function is allowed to pattern-match on message contents.
func ClassifyText(text string) Kind {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"), strings.Contains(lower, "deadline"):
		return KindTimeout
	case strings.Contains(lower, "circuit"):
		return KindCircuitOpen
	case strings.Contains(lower, "connection"), strings.Contains(lower, "connect"):
		return KindConnection
	case strings.Contains(lower, "rate") || strings.Contains(lower, "limit"):
		return KindRateLimited
	case strings.Contains(lower, "auth"), strings.Contains(lower, "permission"):
		return KindAuth
	case strings.Contains(lower, "validation"), strings.Contains(lower, "invalid"):
		return KindValidation
	default:
		return KindOther
	}
}

// Package errdefs defines the classified errors shared by the streaming
// pipeline. Callers branch on Kind rather than concrete types, so the
// transport layer and the producer can map failures without importing the
// subsystem that produced them.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for callers and for the terminal event payload.
type Kind string

const (
	KindAuthMissing         Kind = "auth_missing"
	KindAuthInvalid         Kind = "auth_invalid"
	KindRateLimited         Kind = "rate_limited"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindModelNotFound       Kind = "model_not_found"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindConflict            Kind = "conflict"
	KindAborted             Kind = "aborted"
	KindInternal            Kind = "internal"
)

// Error carries a Kind alongside the usual message and wrapped cause.
// RetryAfter is set only for rate-limited errors.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a classified error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// RateLimited creates a rate-limited error carrying the retry hint.
func RateLimited(retryAfter time.Duration, message string) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

// KindOf returns the classification of err, or KindInternal when err carries
// none. A nil error has no kind and returns the empty string.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfterOf extracts the retry hint from a rate-limited error, zero
// otherwise.
func RetryAfterOf(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// FromStatusCode maps an upstream HTTP status to a Kind. Providers use
// status-code-like hints even when the transport is not HTTP.
func FromStatusCode(status int) Kind {
	switch {
	case status == 401:
		return KindAuthInvalid
	case status == 429:
		return KindRateLimited
	case status == 402:
		return KindQuotaExceeded
	case status == 404:
		return KindModelNotFound
	case status >= 500:
		return KindProviderUnavailable
	default:
		return KindInternal
	}
}

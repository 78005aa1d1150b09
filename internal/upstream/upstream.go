// Package upstream tags errors from external services as transient or permanent
// so callers can apply a single retry policy across all of them.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies an upstream failure.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindRateLimited     Kind = "rate_limited"
	KindUnavailable     Kind = "unavailable"
	KindNotFound        Kind = "not_found"
	KindAccessDenied    Kind = "access_denied"
	KindEmpty           Kind = "empty"
	KindRejected        Kind = "rejected"
	KindInvalidResponse Kind = "invalid_response"
)

// Error is the tagged result of a failed upstream call.
type Error struct {
	Service    string
	Kind       Kind
	Transient  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s %s error (%s)", e.Service, class, e.Kind)
	}
	return fmt.Sprintf("%s %s error (%s): %v", e.Service, class, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(service string, kind Kind, err error) *Error {
	return &Error{Service: service, Kind: kind, Transient: true, Err: err}
}

// Permanent wraps err as a failure that must not be retried.
func Permanent(service string, kind Kind, err error) *Error {
	return &Error{Service: service, Kind: kind, Err: err}
}

// WithRetryAfter sets the provider's back-off hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// As extracts the tagged error from err.
func As(err error) (*Error, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// IsTransient reports whether err is a retryable upstream failure.
func IsTransient(err error) bool {
	ue, ok := As(err)
	return ok && ue.Transient
}

// KindOf returns the kind of a tagged error, or "" when err is untagged.
func KindOf(err error) Kind {
	if ue, ok := As(err); ok {
		return ue.Kind
	}
	return ""
}

// FromTransport classifies a transport-level error (no HTTP response).
// Deadline and network errors are transient; cancellation by the caller is permanent.
func FromTransport(service string, err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return Permanent(service, KindUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(service, KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient(service, KindTimeout, err)
	}
	return Transient(service, KindUnavailable, err)
}

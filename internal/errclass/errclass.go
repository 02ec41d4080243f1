// Package errclass classifies failures into retry categories and
// provides the matching backoff policies. Classification is pattern
// matched on status code, network layer, timeout, and validation
// rather than on a type hierarchy.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind is the retry category of a failure.
type Kind int

const (
	// Fatal failures are not retried: validation errors, missing
	// resources, policy violations, corrupt state.
	Fatal Kind = iota
	// Retryable failures are transient network/connection failures,
	// timeouts, and rate-limit responses.
	Retryable
	// Transient failures are upstream services temporarily unavailable
	// (5xx). Retried like Retryable but with a longer cap.
	Transient
)

// String returns the category name.
func (k Kind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Transient:
		return "transient"
	default:
		return "fatal"
	}
}

// Error is a classified failure. It wraps the underlying error and
// carries the category plus a short reason for logs and CLI output.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the category of err. Unclassified errors are Fatal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Fatal
}

// IsRetryable reports whether err may be retried (Retryable or Transient).
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == Retryable || k == Transient
}

// ClassifyHTTP categorizes a failed HTTP exchange. A nil err with a
// 2xx status returns nil. Rate limiting (429) and request timeouts are
// Retryable, 5xx is Transient, other 4xx is Fatal.
func ClassifyHTTP(err error, statusCode int) error {
	if err != nil {
		return ClassifyNetwork(err)
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == 429:
		return New(Retryable, "rate limited", fmt.Errorf("status %d", statusCode))
	case statusCode == 408:
		return New(Retryable, "request timeout", fmt.Errorf("status %d", statusCode))
	case statusCode >= 500:
		return New(Transient, "upstream unavailable", fmt.Errorf("status %d", statusCode))
	default:
		return New(Fatal, "request rejected", fmt.Errorf("status %d", statusCode))
	}
}

// ClassifyNetwork categorizes a transport-layer error. Timeouts and
// connection failures are Retryable; context cancellation is Fatal
// because the caller asked to stop.
func ClassifyNetwork(err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return New(Fatal, "cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(Retryable, "timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(Retryable, "network timeout", err)
		}
		return New(Retryable, "network failure", err)
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") {
		return New(Retryable, "connection failure", err)
	}
	return New(Fatal, "unclassified failure", err)
}

// Policy returns the backoff schedule for a failure category, capped at
// maxAttempts tries. Fatal failures get a policy that stops immediately.
func Policy(kind Kind, baseDelay time.Duration, maxAttempts uint64) backoff.BackOff {
	if kind == Fatal {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.RandomizationFactor = 0.25
	switch kind {
	case Retryable:
		b.MaxInterval = 10 * time.Second
	case Transient:
		b.MaxInterval = time.Minute
	}
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	return backoff.WithMaxRetries(b, maxAttempts)
}

// Package errors defines the error taxonomy shared by every subsystem and
// the retry helpers built on top of it.
//
// Each error carries a Kind that drives the propagation policy: dispatcher
// loops swallow Transient and Timeout, admin surfaces return the kind to the
// caller verbatim, and Fatal escalates to process shutdown after a durable
// report.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Kind classifies an error for retry and propagation decisions.
type Kind string

const (
	// KindNone - no error. KindOf(nil) reports it.
	KindNone Kind = ""
	// KindNotFound - a referenced entity is absent.
	KindNotFound Kind = "not_found"
	// KindConflict - a unique or state precondition was violated.
	KindConflict Kind = "conflict"
	// KindValidation - malformed input; never retried.
	KindValidation Kind = "validation"
	// KindTransient - I/O, store, or external-service failure; retryable.
	KindTransient Kind = "transient"
	// KindTimeout - an operation exceeded its bound; retryable unless a hard
	// cap was reached.
	KindTimeout Kind = "timeout"
	// KindCancelled - cooperative cancellation observed; terminal, not a failure.
	KindCancelled Kind = "cancelled"
	// KindFatal - invariant violation or corruption; crashes the subsystem.
	KindFatal Kind = "fatal"
)

// Error is the typed error used across subsystem boundaries.
type Error struct {
	Kind    Kind
	Op      string // optional operation tag, e.g. "scheduler.dispatch"
	Message string
	Err     error

	// RetryAfter is a server-supplied backoff hint. Zero when absent.
	RetryAfter time.Duration
}

// Error renders "op: kind: message: cause", omitting absent parts. The
// kind always prints so operators can grep logs by taxonomy.
func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Kind != KindNone {
		parts = append(parts, string(e.Kind))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 {
		return "unknown error"
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil when err is
// nil. The return type is error, not *Error, so the nil case stays an
// untyped nil and never trips err != nil checks through the interface.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithOp tags an error with the operation that produced it. Typed errors
// are tagged in place; anything else is wrapped under its classified kind.
func WithOp(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		typed.Op = op
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// WithRetryAfter attaches a server-supplied backoff hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// RetryAfterHint extracts the backoff hint from an error chain. Zero means
// the server did not say.
func RetryAfterHint(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Constructors per kind.

func NotFound(format string, args ...any) *Error   { return New(KindNotFound, format, args...) }
func Conflict(format string, args ...any) *Error   { return New(KindConflict, format, args...) }
func Validation(format string, args ...any) *Error { return New(KindValidation, format, args...) }
func Transient(format string, args ...any) *Error  { return New(KindTransient, format, args...) }
func Timeout(format string, args ...any) *Error    { return New(KindTimeout, format, args...) }
func Cancelled(format string, args ...any) *Error  { return New(KindCancelled, format, args...) }
func Fatal(format string, args ...any) *Error      { return New(KindFatal, format, args...) }

// KindOf classifies an arbitrary error.
//
// Typed errors report their own kind. Context sentinels map to Cancelled and
// Timeout, net errors to Timeout or Transient. Everything unrecognized is
// Transient: unknown failures keep the loops alive, and Fatal is only ever
// assigned explicitly.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransient
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransient
	}

	return KindTransient
}

// IsRetryable reports whether the error may be retried with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// Kind predicates.

func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsTransient(err error) bool  { return KindOf(err) == KindTransient }
func IsTimeout(err error) bool    { return KindOf(err) == KindTimeout }
func IsCancelled(err error) bool  { return KindOf(err) == KindCancelled }
func IsFatal(err error) bool      { return KindOf(err) == KindFatal }

// FromHTTPStatus builds a typed error from an upstream HTTP status code.
// 2xx codes yield nil. Rate limits and server errors are Transient so
// callers can retry; everything else in 4xx is a hard Validation failure.
func FromHTTPStatus(status int, format string, args ...any) *Error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case status == http.StatusNotFound:
		return New(KindNotFound, "%s: status %d", msg, status)
	case status == http.StatusConflict:
		return New(KindConflict, "%s: status %d", msg, status)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return New(KindTimeout, "%s: status %d", msg, status)
	case status == http.StatusTooManyRequests || status >= 500:
		return New(KindTransient, "%s: status %d", msg, status)
	default:
		return New(KindValidation, "%s: status %d", msg, status)
	}
}

// As finds the first error in err's chain matching target's type.
// Re-exported so callers need only this package.
func As(err error, target any) bool { return errors.As(err, target) }

// Is reports whether any error in err's chain matches target.
// Re-exported so callers need only this package.
func Is(err, target error) bool { return errors.Is(err, target) }

// Recover converts a panic into a Fatal error assigned to *errp.
// Use as: defer errors.Recover(&err) at process boundaries.
func Recover(errp *error) {
	if r := recover(); r != nil {
		*errp = &Error{Kind: KindFatal, Message: fmt.Sprintf("panic: %v", r)}
	}
}

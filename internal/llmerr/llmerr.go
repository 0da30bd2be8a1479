// Package llmerr provides the error taxonomy for provider calls. Every error
// surfaced by the reliability layer is either a typed *Error carrying its
// classification (auth, rate limit, validation, network, ...) or one of the
// structural sentinels (circuit open, no endpoints). The classification
// capabilities here are what the circuit breaker and retry executor consult
// to decide whether an outcome counts as a failure and whether it is
// worth retrying.
package llmerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a provider error.
type Kind int

const (
	KindUnknown    Kind = iota
	KindAuth            // invalid or missing credentials; never retryable
	KindRateLimit       // provider throttled the request; retryable, may carry a retry-after hint
	KindValidation      // malformed request; never retryable
	KindNetwork         // transport-level failure, no HTTP response received
	KindTimeout         // request deadline exceeded
	KindStream          // response stream broke mid-flight
	KindServer          // provider-side 5xx
	KindCancelled       // caller cancelled the context
)

// String returns a stable lowercase kind name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindValidation:
		return "validation"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindStream:
		return "stream"
	case KindServer:
		return "server"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Structural errors. These are distinct from provider errors: they mean the
// reliability layer refused or gave up, not that the provider failed.
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	// without attempting it.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrNoEndpoints is returned when failover selection finds no eligible
	// endpoint (all tried or unhealthy). Structural unavailability, not a
	// transient failure; callers must not retry it.
	ErrNoEndpoints = errors.New("no available endpoints")
)

// Error is a classified provider error.
type Error struct {
	Kind       Kind
	Provider   string        // endpoint id or provider name, may be empty
	StatusCode int           // HTTP status, 0 when no response was received
	RetryAfter time.Duration // provider-supplied wait hint, 0 when absent
	Message    string
	Err        error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// FromStatus classifies an HTTP response status from a provider. retryAfter
// is the parsed Retry-After value, zero when the header was absent.
func FromStatus(provider string, status int, retryAfter time.Duration) *Error {
	e := &Error{Provider: provider, StatusCode: status, RetryAfter: retryAfter}
	switch {
	case status == 401 || status == 403:
		e.Kind = KindAuth
		e.Message = "authentication rejected"
	case status == 429:
		e.Kind = KindRateLimit
		e.Message = "rate limited"
	case status == 400 || status == 422:
		e.Kind = KindValidation
		e.Message = "request rejected as invalid"
	case status == 408 || status == 504:
		e.Kind = KindTimeout
		e.Message = "upstream timeout"
	case status >= 500:
		e.Kind = KindServer
		e.Message = "provider error"
	default:
		e.Kind = KindUnknown
		e.Message = "unexpected status"
	}
	return e
}

// as extracts a *Error from an arbitrary error chain.
func as(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsAuth reports whether err is classified as an authentication error.
func IsAuth(err error) bool {
	e, ok := as(err)
	return ok && e.Kind == KindAuth
}

// IsRateLimit reports whether err is classified as a rate-limit error.
func IsRateLimit(err error) bool {
	e, ok := as(err)
	return ok && e.Kind == KindRateLimit
}

// IsValidation reports whether err is classified as a validation error.
func IsValidation(err error) bool {
	e, ok := as(err)
	return ok && e.Kind == KindValidation
}

// IsNetwork reports whether err is a transport-level failure with no HTTP
// response (network and stream breakage both count).
func IsNetwork(err error) bool {
	e, ok := as(err)
	return ok && (e.Kind == KindNetwork || e.Kind == KindStream)
}

// HTTPStatus returns the HTTP status carried by err, if any.
func HTTPStatus(err error) (int, bool) {
	e, ok := as(err)
	if !ok || e.StatusCode == 0 {
		return 0, false
	}
	return e.StatusCode, true
}

// RetryAfterHint returns the provider-supplied wait hint carried by err,
// if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	e, ok := as(err)
	if !ok || e.RetryAfter <= 0 {
		return 0, false
	}
	return e.RetryAfter, true
}

// Retryable reports whether err is eligible for retry at all, independent of
// attempt budgets. Auth and validation errors are terminal: repeating the
// identical request cannot change the answer. Structural errors and
// cancellation are likewise terminal. Everything transient (rate limit,
// timeout, network, stream, server) is eligible.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrNoEndpoints) {
		return false
	}
	e, ok := as(err)
	if !ok {
		// Unclassified errors are treated as transient transport problems.
		return true
	}
	switch e.Kind {
	case KindAuth, KindValidation, KindCancelled:
		return false
	default:
		return true
	}
}

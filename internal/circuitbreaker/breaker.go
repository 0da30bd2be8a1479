// Package circuitbreaker provides composable circuit breaker implementations
// for protecting callers against failing LLM provider endpoints.
package circuitbreaker

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; limited calls allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is the common interface for all circuit breaker types.
type Breaker interface {
	// CanExecute reports whether a call may proceed. Returns false when the
	// circuit is open. Recording the outcome is the caller's responsibility;
	// CanExecute itself never mutates counters.
	CanExecute() bool

	// RecordSuccess records a successful provider call.
	RecordSuccess()

	// RecordFailure records a failed provider call. The error is consulted
	// for classification: error categories the breaker is configured to
	// ignore do not count against it.
	RecordFailure(err error)

	// State returns the current circuit breaker state.
	State() State

	// Reset forces the breaker back to closed state with all counters and
	// metrics zeroed. Administrative override; bypasses normal transition
	// rules.
	Reset()
}

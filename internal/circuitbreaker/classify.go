package circuitbreaker

import "github.com/dskow/resilience-core/internal/llmerr"

// StatusRange is a half-open HTTP status interval [Start, End).
type StatusRange struct {
	Start int
	End   int
}

// Contains reports whether status falls inside the range.
func (r StatusRange) Contains(status int) bool {
	return status >= r.Start && status < r.End
}

// ClassifyOptions are caller-supplied failure classification rules. There are
// no hidden defaults: every decision path is controlled by a field here.
type ClassifyOptions struct {
	// FailureStatusRange, when non-nil, decides classification for outcomes
	// that carry an HTTP status: membership in the range means failure.
	FailureStatusRange *StatusRange

	// NetworkErrorsAreFailures decides outcomes with no HTTP status at all
	// (transport-level failures).
	NetworkErrorsAreFailures bool

	// Default decides outcomes that carry an HTTP status when no
	// FailureStatusRange is supplied.
	Default bool
}

// IsFailure applies the explicit classification rules to an operation
// outcome. A nil error is never a failure.
func IsFailure(err error, opts ClassifyOptions) bool {
	if err == nil {
		return false
	}
	if status, ok := llmerr.HTTPStatus(err); ok {
		if opts.FailureStatusRange != nil {
			return opts.FailureStatusRange.Contains(status)
		}
		return opts.Default
	}
	return opts.NetworkErrorsAreFailures
}

// IsFailureDefault is the compatibility shortcut: any 5xx status counts as a
// failure, and so does any outcome without an HTTP status (network errors).
// Callers wanting different policy use IsFailure with explicit options.
func IsFailureDefault(err error) bool {
	return IsFailure(err, ClassifyOptions{
		FailureStatusRange:       &StatusRange{Start: 500, End: 600},
		NetworkErrorsAreFailures: true,
	})
}

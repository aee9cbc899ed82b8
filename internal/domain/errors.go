package domain

import "errors"

// Common errors
var (
	// ErrDuplicate is returned when a listing for the same
	// (channel, message_id) already exists. Benign, never surfaced as a failure.
	ErrDuplicate = errors.New("listing already indexed")

	// ErrAuthRequired is returned by the channel transport when it needs
	// interactive re-authentication that a headless process cannot provide.
	// The affected channel is paused rather than reconnected in a loop.
	ErrAuthRequired = errors.New("interactive authentication required")

	// ErrTransient is returned for provider rate limits and timeouts.
	// Callers retry these with backoff.
	ErrTransient = errors.New("transient provider error")

	// ErrMalformedExtraction is returned when the provider responds with
	// data the client cannot use. The raw payload is logged for replay.
	ErrMalformedExtraction = errors.New("malformed extraction response")

	// ErrInsufficientData is returned when a comparable cohort is smaller
	// than the minimum sample size. A valid business outcome, not a fault.
	ErrInsufficientData = errors.New("insufficient comparable data")

	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("resource not found")
)

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

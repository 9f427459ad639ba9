package meter

import (
	"context"
	"errors"
)

var (
	// ErrStoreUnavailable is returned when the counter store cannot be reached
	ErrStoreUnavailable = errors.New("counter store unavailable")

	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrInvalidSubject is returned for an empty subject
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrInvalidWindow is returned for windows that cannot be enforced
	ErrInvalidWindow = errors.New("invalid window")

	// ErrUnknownTier marks a tier with no limit set of its own
	ErrUnknownTier = errors.New("unknown tier")

	// ErrInvalidConfig is returned when a configuration is rejected
	ErrInvalidConfig = errors.New("invalid config")
)

// IsStoreUnavailable reports whether err means the store could not serve the
// request, as opposed to the request itself being invalid.
func IsStoreUnavailable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

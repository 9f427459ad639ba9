package meter

import (
	"fmt"
	"strings"
)

// FailurePolicy decides the outcome of a call when the counter store is unavailable.
type FailurePolicy string

const (
	// FailOpen admits the call without counting it.
	FailOpen FailurePolicy = "open"
	// FailClosed rejects the call as unavailable (503), never as over quota.
	FailClosed FailurePolicy = "closed"
)

// ParseFailurePolicy accepts "open" and "closed" in any case. An empty string
// means FailOpen.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("%w: unknown failure policy %q", ErrInvalidConfig, s)
	}
}

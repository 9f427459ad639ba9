package meter

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Tier identifies a subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierIndie      Tier = "indie"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier normalizes s into a Tier. It does not check that the tier is known;
// registries decide that.
func ParseTier(s string) Tier {
	return Tier(strings.ToLower(strings.TrimSpace(s)))
}

// Rank orders the built-in tiers from free (0) to enterprise (3).
// Custom tiers rank above all built-in ones.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierIndie:
		return 1
	case TierPro:
		return 2
	case TierEnterprise:
		return 3
	default:
		return 4
	}
}

func (t Tier) String() string { return string(t) }

// Unlimited is the capacity of a window that is never enforced.
const Unlimited int64 = -1

// Window is a fixed time window with a call capacity.
type Window struct {
	Name     string
	Duration time.Duration
	Capacity int64
}

// Unlimited reports whether the window has no cap.
func (w Window) Unlimited() bool {
	return w.Capacity == Unlimited
}

// Validate checks that the window can be enforced.
func (w Window) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("%w: window name is empty", ErrInvalidWindow)
	}
	if w.Duration < time.Second {
		return fmt.Errorf("%w: window %q duration %s is below 1s", ErrInvalidWindow, w.Name, w.Duration)
	}
	if w.Capacity < 0 && w.Capacity != Unlimited {
		return fmt.Errorf("%w: window %q capacity %d", ErrInvalidWindow, w.Name, w.Capacity)
	}
	return nil
}

// LimitSet is the ordered set of windows enforced for one tier.
// Windows are sorted by ascending duration, ties broken by name.
type LimitSet []Window

// NewLimitSet validates and sorts windows. Window names must be unique.
func NewLimitSet(windows ...Window) (LimitSet, error) {
	seen := make(map[string]struct{}, len(windows))
	set := make(LimitSet, 0, len(windows))
	for _, w := range windows {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[w.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate window %q", ErrInvalidWindow, w.Name)
		}
		seen[w.Name] = struct{}{}
		set = append(set, w)
	}
	slices.SortStableFunc(set, func(a, b Window) int {
		if a.Duration != b.Duration {
			if a.Duration < b.Duration {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	return set, nil
}

// MustLimitSet is like NewLimitSet but panics on invalid input.
// It is meant for package-level tables.
func MustLimitSet(windows ...Window) LimitSet {
	set, err := NewLimitSet(windows...)
	if err != nil {
		panic(err)
	}
	return set
}

// Window returns the window with the given name.
func (s LimitSet) Window(name string) (Window, bool) {
	for _, w := range s {
		if w.Name == name {
			return w, true
		}
	}
	return Window{}, false
}

// Counter is the state of one (subject, window) counter.
type Counter struct {
	Count     int64
	ExpiresAt time.Time

	// Degraded marks a counter served by an advisory failover store instead
	// of the authoritative one.
	Degraded bool
}

// Outcome is the result of an admission check.
type Outcome string

const (
	OutcomeAllowed     Outcome = "allowed"
	OutcomeDenied      Outcome = "denied"
	OutcomeUnavailable Outcome = "unavailable"
)

// Decision describes the result of CheckAndConsume.
//
// For denials Window, Limit, Used and ExpiresAt describe the exhausted window.
// For allowed calls they describe the bounded window with the least remaining
// capacity, or carry Limit == Unlimited when every window is unbounded.
type Decision struct {
	Outcome           Outcome
	RetryAfterSeconds int
	Window            string
	Limit             int64
	Used              int64
	Remaining         int64
	ExpiresAt         time.Time
	Tier              Tier
	// Degraded is set when the authoritative counter store could not be
	// consulted: the outcome was chosen by the failure policy or by counts
	// from a failover store.
	Degraded bool
}

func (d *Decision) Allowed() bool     { return d.Outcome == OutcomeAllowed }
func (d *Decision) Denied() bool      { return d.Outcome == OutcomeDenied }
func (d *Decision) Unavailable() bool { return d.Outcome == OutcomeUnavailable }

// RetryAfterSeconds returns the whole seconds until expiresAt, never less than 1.
func RetryAfterSeconds(expiresAt, now time.Time) int {
	secs := math.Ceil(expiresAt.Sub(now).Seconds())
	if secs < 1 {
		return 1
	}
	return int(secs)
}

// WindowUsage is a read-only view of one window.
type WindowUsage struct {
	Name      string
	Duration  time.Duration
	Used      int64
	Limit     int64
	Remaining int64
	ResetAt   *time.Time
	Unlimited bool
}

// CallCounts holds historical call totals supplied by a CallLog.
type CallCounts struct {
	Today int64
	Month int64
}

// HistoricalCounts is what the caller knows about past calls of a subject.
type HistoricalCounts struct {
	Today          int64
	TrailingPeriod int64
}

// UsageSnapshot reports current window usage plus historical totals.
type UsageSnapshot struct {
	Subject     string
	Tier        Tier
	Windows     []WindowUsage
	Calls       CallCounts
	GeneratedAt time.Time
}

// Window returns the usage of the named window.
func (s *UsageSnapshot) Window(name string) (WindowUsage, bool) {
	for _, w := range s.Windows {
		if w.Name == name {
			return w, true
		}
	}
	return WindowUsage{}, false
}

// Identity is who a call is made on behalf of.
type Identity struct {
	Subject string
	Tier    Tier
}

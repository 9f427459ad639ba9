package meter

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Standard window names used by DefaultRegistry.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
)

// Registry maps tiers to their limit sets.
type Registry interface {
	// LimitsFor is total: a tier without its own limit set gets the fallback set.
	LimitsFor(tier Tier) LimitSet
	// Resolve returns the tier whose limits apply to tier, and those limits.
	// Known tiers resolve to themselves, others to the fallback tier.
	Resolve(tier Tier) (Tier, LimitSet)
	// Known reports whether tier has its own limit set.
	Known(tier Tier) bool
	// Tiers lists the configured tiers ordered by rank.
	Tiers() []Tier
}

// TierRegistry is an immutable, map-backed Registry.
type TierRegistry struct {
	sets     map[Tier]LimitSet
	fallback Tier

	// OnUnknownTier, when set, is called every time a lookup falls back.
	OnUnknownTier func(Tier)
}

// NewTierRegistry builds a registry. fallback must be one of the tiers in sets.
func NewTierRegistry(sets map[Tier]LimitSet, fallback Tier) (*TierRegistry, error) {
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: no tiers configured", ErrInvalidConfig)
	}
	if _, ok := sets[fallback]; !ok {
		return nil, fmt.Errorf("%w: fallback tier %q has no limits", ErrInvalidConfig, fallback)
	}

	copied := make(map[Tier]LimitSet, len(sets))
	for tier, set := range sets {
		if tier == "" {
			return nil, fmt.Errorf("%w: empty tier name", ErrInvalidConfig)
		}
		// Re-run validation so hand-built slices are sorted too.
		normalized, err := NewLimitSet(set...)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", tier, err)
		}
		copied[tier] = normalized
	}

	return &TierRegistry{sets: copied, fallback: fallback}, nil
}

// DefaultRegistry returns the production tier table.
func DefaultRegistry() *TierRegistry {
	minuteHour := func(perMinute, perHour int64) LimitSet {
		return MustLimitSet(
			Window{Name: WindowMinute, Duration: time.Minute, Capacity: perMinute},
			Window{Name: WindowHour, Duration: time.Hour, Capacity: perHour},
		)
	}
	return &TierRegistry{
		sets: map[Tier]LimitSet{
			TierFree:       minuteHour(10, 100),
			TierIndie:      minuteHour(100, 5000),
			TierPro:        minuteHour(500, 50000),
			TierEnterprise: minuteHour(5000, Unlimited),
		},
		fallback: TierFree,
	}
}

func (r *TierRegistry) LimitsFor(tier Tier) LimitSet {
	_, set := r.Resolve(tier)
	return set
}

func (r *TierRegistry) Resolve(tier Tier) (Tier, LimitSet) {
	set, ok := r.sets[tier]
	if !ok {
		if r.OnUnknownTier != nil {
			r.OnUnknownTier(tier)
		}
		tier = r.fallback
		set = r.sets[tier]
	}
	return tier, slices.Clone(set)
}

func (r *TierRegistry) Known(tier Tier) bool {
	_, ok := r.sets[tier]
	return ok
}

func (r *TierRegistry) Tiers() []Tier {
	tiers := make([]Tier, 0, len(r.sets))
	for tier := range r.sets {
		tiers = append(tiers, tier)
	}
	slices.SortFunc(tiers, func(a, b Tier) int {
		if a.Rank() != b.Rank() {
			return a.Rank() - b.Rank()
		}
		return strings.Compare(string(a), string(b))
	})
	return tiers
}

// Fallback returns the tier whose limits apply to unknown tiers.
func (r *TierRegistry) Fallback() Tier {
	return r.fallback
}

package meter

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config holds the admission controller settings.
type Config struct {
	// Registry maps tiers to limits. Defaults to DefaultRegistry().
	Registry Registry

	// FailurePolicy applies when the counter store fails. Defaults to FailOpen.
	FailurePolicy FailurePolicy

	// UnavailableRetryAfter is the retry hint of a fail-closed rejection.
	// Defaults to 1s.
	UnavailableRetryAfter time.Duration

	Logger  Logger
	Metrics Metrics
}

// Controller decides whether a call may proceed and consumes quota for it.
// It holds no locks; all synchronization happens inside the CounterStore.
type Controller struct {
	store  CounterStore
	config Config
}

// NewController creates an admission controller over store.
func NewController(store CounterStore, config Config) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: counter store is required", ErrInvalidConfig)
	}
	if config.Registry == nil {
		config.Registry = DefaultRegistry()
	}
	policy, err := ParseFailurePolicy(string(config.FailurePolicy))
	if err != nil {
		return nil, err
	}
	config.FailurePolicy = policy
	if config.UnavailableRetryAfter <= 0 {
		config.UnavailableRetryAfter = time.Second
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Controller{store: store, config: config}, nil
}

// Registry returns the registry the controller resolves tiers with.
func (c *Controller) Registry() Registry {
	return c.config.Registry
}

// CheckAndConsume evaluates the tier's windows shortest first, incrementing
// each bounded window's counter. The first window whose count exceeds its
// capacity denies the call and later windows are left untouched. The
// increment of a denied attempt is kept, so rejected calls count against
// quota.
//
// Store failures never surface as errors; they are resolved by the failure
// policy. Counters served by a failover store mark the decision Degraded and
// count as failures under FailClosed. Unknown tiers are reported as the tier
// whose limits were applied. The only error returned is ErrInvalidSubject.
func (c *Controller) CheckAndConsume(ctx context.Context, subject string, tier Tier, now time.Time) (*Decision, error) {
	if subject == "" {
		return nil, ErrInvalidSubject
	}
	start := time.Now()

	requested := tier
	tier, limits := c.config.Registry.Resolve(requested)
	if tier != requested {
		c.config.Logger.Warn("unknown tier, applying fallback limits",
			F("subject", subject), F("tier", string(requested)), F("applied_tier", string(tier)),
			ErrField(ErrUnknownTier))
	}

	decision := &Decision{
		Outcome:   OutcomeAllowed,
		Tier:      tier,
		Limit:     Unlimited,
		Remaining: Unlimited,
	}
	tightest := int64(math.MaxInt64)

	for _, w := range limits {
		if w.Unlimited() {
			continue
		}

		opStart := time.Now()
		counter, err := c.store.IncrementAndGet(ctx, subject, w.Name, w.Duration)
		c.config.Metrics.RecordStoreOperation("increment", time.Since(opStart), err)
		if err == nil && counter.Degraded && c.config.FailurePolicy == FailClosed {
			err = fmt.Errorf("%w: counter served by failover store", ErrStoreUnavailable)
		}
		if err != nil {
			decision = c.resolveStoreFailure(subject, tier, w, err)
			c.config.Metrics.RecordAdmission(string(tier), decision.Window, decision.Outcome, time.Since(start))
			return decision, nil
		}
		if counter.Degraded {
			decision.Degraded = true
		}

		if counter.Count > w.Capacity {
			decision = &Decision{
				Outcome:           OutcomeDenied,
				RetryAfterSeconds: RetryAfterSeconds(counter.ExpiresAt, now),
				Window:            w.Name,
				Limit:             w.Capacity,
				Used:              w.Capacity,
				Remaining:         0,
				ExpiresAt:         counter.ExpiresAt,
				Tier:              tier,
				Degraded:          decision.Degraded,
			}
			c.config.Logger.Debug("call denied",
				F("subject", subject), F("tier", string(tier)), F("window", w.Name),
				F("count", counter.Count), F("retry_after", decision.RetryAfterSeconds))
			c.config.Metrics.RecordAdmission(string(tier), w.Name, OutcomeDenied, time.Since(start))
			return decision, nil
		}

		if remaining := w.Capacity - counter.Count; remaining < tightest {
			tightest = remaining
			decision.Window = w.Name
			decision.Limit = w.Capacity
			decision.Used = counter.Count
			decision.Remaining = remaining
			decision.ExpiresAt = counter.ExpiresAt
		}
	}

	c.config.Metrics.RecordAdmission(string(tier), decision.Window, OutcomeAllowed, time.Since(start))
	return decision, nil
}

func (c *Controller) resolveStoreFailure(subject string, tier Tier, w Window, err error) *Decision {
	c.config.Metrics.RecordFailurePolicy(c.config.FailurePolicy)

	if c.config.FailurePolicy == FailClosed {
		c.config.Logger.Error("counter store unavailable, rejecting call",
			F("subject", subject), F("tier", string(tier)), F("window", w.Name),
			F("policy", string(c.config.FailurePolicy)), ErrField(err))
		return &Decision{
			Outcome:           OutcomeUnavailable,
			RetryAfterSeconds: int(math.Max(1, math.Ceil(c.config.UnavailableRetryAfter.Seconds()))),
			Window:            w.Name,
			Limit:             w.Capacity,
			Remaining:         Unlimited,
			Tier:              tier,
			Degraded:          true,
		}
	}

	c.config.Logger.Warn("counter store unavailable, admitting call",
		F("subject", subject), F("tier", string(tier)), F("window", w.Name),
		F("policy", string(c.config.FailurePolicy)), ErrField(err))
	return &Decision{
		Outcome:   OutcomeAllowed,
		Window:    w.Name,
		Limit:     w.Capacity,
		Remaining: Unlimited,
		Tier:      tier,
		Degraded:  true,
	}
}

package meter

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultHistoryWindow is the trailing period reported as the month total.
const DefaultHistoryWindow = 30 * 24 * time.Hour

// ReporterConfig holds the usage reporter settings.
type ReporterConfig struct {
	// Registry maps tiers to limits. Defaults to DefaultRegistry().
	Registry Registry

	// HistoryWindow is the trailing period counted by SnapshotFromLog.
	// Defaults to DefaultHistoryWindow.
	HistoryWindow time.Duration

	Logger  Logger
	Metrics Metrics
}

// Reporter builds read-only usage snapshots. It never creates or increments
// counters.
type Reporter struct {
	store  CounterStore
	config ReporterConfig
}

// NewReporter creates a usage reporter over store.
func NewReporter(store CounterStore, config ReporterConfig) (*Reporter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: counter store is required", ErrInvalidConfig)
	}
	if config.Registry == nil {
		config.Registry = DefaultRegistry()
	}
	if config.HistoryWindow <= 0 {
		config.HistoryWindow = DefaultHistoryWindow
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Reporter{store: store, config: config}, nil
}

// Snapshot reports the subject's usage of every window of its tier together
// with the caller-supplied historical counts. Unknown tiers are reported as
// the registry fallback.
func (r *Reporter) Snapshot(ctx context.Context, subject string, tier Tier, now time.Time,
	historical HistoricalCounts) (*UsageSnapshot, error) {
	if subject == "" {
		return nil, ErrInvalidSubject
	}
	start := time.Now()

	tier, limits := r.resolve(subject, tier)
	usages := make([]WindowUsage, len(limits))

	g, gctx := errgroup.WithContext(ctx)
	r.peekWindows(gctx, g, subject, limits, usages)
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.config.Metrics.RecordSnapshot(string(tier), time.Since(start))
	return &UsageSnapshot{
		Subject: subject,
		Tier:    tier,
		Windows: usages,
		Calls: CallCounts{
			Today: historical.Today,
			Month: historical.TrailingPeriod,
		},
		GeneratedAt: now,
	}, nil
}

// SnapshotFromLog is Snapshot with the historical counts read from log:
// calls since midnight UTC and calls within the trailing HistoryWindow.
func (r *Reporter) SnapshotFromLog(ctx context.Context, subject string, tier Tier, now time.Time,
	log CallLog) (*UsageSnapshot, error) {
	if subject == "" {
		return nil, ErrInvalidSubject
	}
	if log == nil {
		return r.Snapshot(ctx, subject, tier, now, HistoricalCounts{})
	}
	start := time.Now()

	tier, limits := r.resolve(subject, tier)
	usages := make([]WindowUsage, len(limits))
	var historical HistoricalCounts

	g, gctx := errgroup.WithContext(ctx)
	r.peekWindows(gctx, g, subject, limits, usages)
	g.Go(func() error {
		n, err := log.CountSince(gctx, subject, StartOfDayUTC(now))
		if err != nil {
			return fmt.Errorf("count calls today: %w", err)
		}
		historical.Today = n
		return nil
	})
	g.Go(func() error {
		n, err := log.CountSince(gctx, subject, now.Add(-r.config.HistoryWindow))
		if err != nil {
			return fmt.Errorf("count calls in trailing period: %w", err)
		}
		historical.TrailingPeriod = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.config.Metrics.RecordSnapshot(string(tier), time.Since(start))
	return &UsageSnapshot{
		Subject:     subject,
		Tier:        tier,
		Windows:     usages,
		Calls:       CallCounts{Today: historical.Today, Month: historical.TrailingPeriod},
		GeneratedAt: now,
	}, nil
}

// resolve maps tier to the tier whose limits apply. Snapshots report that
// tier, so an unknown tier shows up as the fallback.
func (r *Reporter) resolve(subject string, requested Tier) (Tier, LimitSet) {
	tier, limits := r.config.Registry.Resolve(requested)
	if tier != requested {
		r.config.Logger.Warn("unknown tier, reporting fallback limits",
			F("subject", subject), F("tier", string(requested)), F("applied_tier", string(tier)),
			ErrField(ErrUnknownTier))
	}
	return tier, limits
}

// peekWindows schedules one Peek per bounded window; each goroutine writes
// only its own slot of usages.
func (r *Reporter) peekWindows(ctx context.Context, g *errgroup.Group, subject string,
	limits LimitSet, usages []WindowUsage) {
	for i, w := range limits {
		if w.Unlimited() {
			usages[i] = windowUsage(w, Counter{}, false)
			continue
		}
		g.Go(func() error {
			opStart := time.Now()
			counter, ok, err := r.store.Peek(ctx, subject, w.Name)
			r.config.Metrics.RecordStoreOperation("peek", time.Since(opStart), err)
			if err != nil {
				r.config.Logger.Warn("counter peek failed",
					F("subject", subject), F("window", w.Name), ErrField(err))
				return fmt.Errorf("%w: peek %s: %w", ErrStoreUnavailable, w.Name, err)
			}
			usages[i] = windowUsage(w, counter, ok)
			return nil
		})
	}
}

// windowUsage clamps the reported count to the capacity. Denied attempts are
// counted, so the raw counter may run past it.
func windowUsage(w Window, counter Counter, ok bool) WindowUsage {
	usage := WindowUsage{Name: w.Name, Duration: w.Duration}
	if ok {
		usage.Used = counter.Count
		reset := counter.ExpiresAt
		usage.ResetAt = &reset
	}
	if w.Unlimited() {
		usage.Limit = Unlimited
		usage.Remaining = Unlimited
		usage.Unlimited = true
		return usage
	}
	usage.Used = min(usage.Used, w.Capacity)
	usage.Limit = w.Capacity
	usage.Remaining = max(0, w.Capacity-usage.Used)
	return usage
}

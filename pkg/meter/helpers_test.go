package meter_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/gometer/pkg/meter"
	"github.com/mihaimyh/gometer/storage/memory"
)

var errBackendDown = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingStore fails every call with err.
type failingStore struct {
	err   error
	mu    sync.Mutex
	calls int
}

func (s *failingStore) IncrementAndGet(context.Context, string, string, time.Duration) (meter.Counter, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return meter.Counter{}, s.err
}

func (s *failingStore) Peek(context.Context, string, string) (meter.Counter, bool, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return meter.Counter{}, false, s.err
}

// degradedStore serves counters the way a failover store does.
type degradedStore struct {
	*memory.Storage
}

func (s *degradedStore) IncrementAndGet(ctx context.Context, subject, window string,
	ttl time.Duration) (meter.Counter, error) {
	c, err := s.Storage.IncrementAndGet(ctx, subject, window, ttl)
	c.Degraded = true
	return c, err
}

type logEntry struct {
	level  string
	msg    string
	fields []meter.Field
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string, fields []meter.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (l *recordingLogger) Debug(msg string, fields ...meter.Field) { l.add("debug", msg, fields) }
func (l *recordingLogger) Info(msg string, fields ...meter.Field)  { l.add("info", msg, fields) }
func (l *recordingLogger) Warn(msg string, fields ...meter.Field)  { l.add("warn", msg, fields) }
func (l *recordingLogger) Error(msg string, fields ...meter.Field) { l.add("error", msg, fields) }

func (l *recordingLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

type countingMetrics struct {
	meter.NoopMetrics
	mu         sync.Mutex
	admissions map[meter.Outcome]int
	tiers      map[string]int
	policies   map[meter.FailurePolicy]int
	storeErrs  int
	snapshots  int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		admissions: map[meter.Outcome]int{},
		tiers:      map[string]int{},
		policies:   map[meter.FailurePolicy]int{},
	}
}

func (m *countingMetrics) RecordAdmission(tier, _ string, outcome meter.Outcome, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admissions[outcome]++
	m.tiers[tier]++
}

func (m *countingMetrics) RecordStoreOperation(_ string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.storeErrs++
	}
}

func (m *countingMetrics) RecordFailurePolicy(policy meter.FailurePolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[policy]++
}

func (m *countingMetrics) RecordSnapshot(tier string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots++
	m.tiers[tier]++
}

type fakeCallLog struct {
	mu     sync.Mutex
	counts map[time.Time]int64
	since  []time.Time
	err    error
}

func (l *fakeCallLog) CountSince(_ context.Context, _ string, since time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.since = append(l.since, since)
	if l.err != nil {
		return 0, l.err
	}
	return l.counts[since], nil
}

func singleWindowRegistry(capacity int64) *meter.TierRegistry {
	reg, err := meter.NewTierRegistry(map[meter.Tier]meter.LimitSet{
		meter.TierFree: meter.MustLimitSet(meter.Window{Name: "minute", Duration: time.Minute, Capacity: capacity}),
	}, meter.TierFree)
	if err != nil {
		panic(err)
	}
	return reg
}

// Package memory provides an in-memory implementation of meter.CounterStore.
// Counters live in one process only, so it suits tests, development and the
// advisory secondary of a failover store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gometer/pkg/meter"
)

// Config configures the in-memory store.
type Config struct {
	// Clock defaults to time.Now.
	Clock func() time.Time

	// CleanupInterval enables a janitor goroutine that drops expired
	// counters. Zero disables it; expired counters are still ignored lazily.
	CleanupInterval time.Duration

	// SweepEvery runs an inline sweep every N increments. Defaults to 1000.
	SweepEvery int
}

type counter struct {
	count     int64
	expiresAt time.Time
}

// Storage implements meter.CounterStore using a mutex-guarded map.
type Storage struct {
	mu         sync.Mutex
	counters   map[string]*counter
	increments int

	clock      func() time.Time
	sweepEvery int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a new in-memory store.
func New(config Config) *Storage {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.SweepEvery <= 0 {
		config.SweepEvery = 1000
	}

	s := &Storage{
		counters:   make(map[string]*counter),
		clock:      config.Clock,
		sweepEvery: config.SweepEvery,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go s.janitor(config.CleanupInterval)
	} else {
		close(s.done)
	}
	return s
}

// IncrementAndGet implements meter.CounterStore
func (s *Storage) IncrementAndGet(ctx context.Context, subject, window string,
	ttl time.Duration) (meter.Counter, error) {
	if ttl <= 0 {
		return meter.Counter{}, fmt.Errorf("%w: ttl %s", meter.ErrInvalidWindow, ttl)
	}
	if err := ctx.Err(); err != nil {
		return meter.Counter{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.increments++
	if s.increments%s.sweepEvery == 0 {
		s.sweepLocked(now)
	}

	key := counterKey(subject, window)
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &counter{expiresAt: now.Add(ttl)}
		s.counters[key] = c
	}
	c.count++

	return meter.Counter{Count: c.count, ExpiresAt: c.expiresAt}, nil
}

// Peek implements meter.CounterStore
func (s *Storage) Peek(ctx context.Context, subject, window string) (meter.Counter, bool, error) {
	if err := ctx.Err(); err != nil {
		return meter.Counter{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[counterKey(subject, window)]
	if !ok || !s.clock().Before(c.expiresAt) {
		return meter.Counter{}, false, nil
	}
	return meter.Counter{Count: c.count, ExpiresAt: c.expiresAt}, true, nil
}

// Sweep removes expired counters and returns how many were dropped.
func (s *Storage) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.clock())
}

func (s *Storage) sweepLocked(now time.Time) int {
	removed := 0
	for key, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of counters held, expired or not.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// Clear removes all counters.
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]*counter)
}

// Close stops the janitor goroutine, if any.
func (s *Storage) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *Storage) janitor(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

func counterKey(subject, window string) string {
	return subject + "\x00" + window
}

// Package tiered provides a failover counter store: calls go to a primary
// store (e.g. Redis, Postgres) and fall over to a secondary store (usually
// memory) while the primary is unavailable.
//
// Counts kept by the secondary are advisory. They are never written back, and
// with several instances each one enforces its own local view of the limits.
// Counters served by the secondary are marked Degraded so the admission
// controller can apply its failure policy.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/gometer/pkg/meter"
)

// Config configures the failover behavior
type Config struct {
	// Primary is the authoritative store.
	Primary meter.CounterStore

	// Secondary serves calls the primary could not.
	Secondary meter.CounterStore

	// ShouldFailover decides whether a primary error is retried on the
	// secondary. Default: meter.IsStoreUnavailable, minus caller cancellation.
	ShouldFailover func(error) bool

	// OnFailover is called for every call served by the secondary.
	OnFailover func(operation string, err error)
}

// Storage implements meter.CounterStore with primary/secondary failover.
type Storage struct {
	primary   meter.CounterStore
	secondary meter.CounterStore
	conf      Config
}

// New creates a new failover store.
func New(config Config) (*Storage, error) {
	if config.Primary == nil || config.Secondary == nil {
		return nil, fmt.Errorf("%w: tiered storage: both primary and secondary store are required", meter.ErrInvalidConfig)
	}
	if config.ShouldFailover == nil {
		config.ShouldFailover = defaultShouldFailover
	}
	return &Storage{primary: config.Primary, secondary: config.Secondary, conf: config}, nil
}

func defaultShouldFailover(err error) bool {
	return meter.IsStoreUnavailable(err) && !errors.Is(err, context.Canceled)
}

// IncrementAndGet implements meter.CounterStore
func (s *Storage) IncrementAndGet(ctx context.Context, subject, window string,
	ttl time.Duration) (meter.Counter, error) {
	c, err := s.primary.IncrementAndGet(ctx, subject, window, ttl)
	if err == nil || !s.conf.ShouldFailover(err) {
		return c, err
	}

	s.failover("increment", err)
	c, secErr := s.secondary.IncrementAndGet(ctx, subject, window, ttl)
	if secErr != nil {
		return meter.Counter{}, errors.Join(err, secErr)
	}
	c.Degraded = true
	return c, nil
}

// Peek implements meter.CounterStore
func (s *Storage) Peek(ctx context.Context, subject, window string) (meter.Counter, bool, error) {
	c, ok, err := s.primary.Peek(ctx, subject, window)
	if err == nil || !s.conf.ShouldFailover(err) {
		return c, ok, err
	}

	s.failover("peek", err)
	c, ok, secErr := s.secondary.Peek(ctx, subject, window)
	if secErr != nil {
		return meter.Counter{}, false, errors.Join(err, secErr)
	}
	c.Degraded = true
	return c, ok, nil
}

func (s *Storage) failover(operation string, err error) {
	if s.conf.OnFailover != nil {
		s.conf.OnFailover(operation, err)
	}
}

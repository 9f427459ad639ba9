package meter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gometer/pkg/meter"
	"github.com/mihaimyh/gometer/storage/memory"
)

func newBreaker(clock *fakeClock, threshold int, reset time.Duration) (*meter.DefaultCircuitBreaker, *[]meter.CircuitBreakerState) {
	var mu sync.Mutex
	var changes []meter.CircuitBreakerState
	cb := meter.NewCircuitBreaker(meter.CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
		Clock:            clock.Now,
		OnStateChange: func(s meter.CircuitBreakerState) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, s)
		},
	})
	return cb, &changes
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cb, changes := newBreaker(clock, 3, 10*time.Second)
	fail := func() error { return errBackendDown }

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), fail), errBackendDown)
		assert.Equal(t, meter.StateClosed, cb.State())
	}
	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errBackendDown)
	assert.Equal(t, meter.StateOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func() error { called = true; return nil })
	assert.ErrorIs(t, err, meter.ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []meter.CircuitBreakerState{meter.StateOpen}, *changes)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	clock := newFakeClock()
	cb, _ := newBreaker(clock, 2, time.Second)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBackendDown })
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	_ = cb.Execute(ctx, func() error { return errBackendDown })
	assert.Equal(t, meter.StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := newFakeClock()
	cb, changes := newBreaker(clock, 1, 10*time.Second)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBackendDown })
	require.Equal(t, meter.StateOpen, cb.State())

	clock.Advance(10 * time.Second)
	assert.Equal(t, meter.StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, meter.StateClosed, cb.State())
	assert.Equal(t, []meter.CircuitBreakerState{meter.StateOpen, meter.StateHalfOpen, meter.StateClosed}, *changes)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb, _ := newBreaker(clock, 1, 10*time.Second)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBackendDown })
	clock.Advance(11 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, func() error { return errBackendDown }), errBackendDown)
	assert.Equal(t, meter.StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), meter.ErrCircuitOpen)
}

func TestCircuitBreaker_SingleProbeInHalfOpen(t *testing.T) {
	clock := newFakeClock()
	cb, _ := newBreaker(clock, 1, time.Second)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBackendDown })
	clock.Advance(time.Second)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(ctx, func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), meter.ErrCircuitOpen)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, meter.StateClosed, cb.State())
}

func TestCircuitBreaker_CancellationDoesNotCount(t *testing.T) {
	clock := newFakeClock()
	cb, _ := newBreaker(clock, 1, time.Second)

	err := cb.Execute(context.Background(), func() error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, meter.StateClosed, cb.State())
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := meter.NewCircuitBreaker(meter.CircuitBreakerConfig{})
	for i := 0; i < 4; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	}
	assert.Equal(t, meter.StateClosed, cb.State())
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	assert.Equal(t, meter.StateOpen, cb.State())
}

func TestCircuitBreakerStore(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb, _ := newBreaker(clock, 2, time.Minute)

	failing := &failingStore{err: errBackendDown}
	store := meter.NewCircuitBreakerStore(failing, cb)

	for i := 0; i < 2; i++ {
		_, err := store.IncrementAndGet(ctx, "u1", "minute", time.Minute)
		assert.ErrorIs(t, err, errBackendDown)
	}
	_, err := store.IncrementAndGet(ctx, "u1", "minute", time.Minute)
	assert.ErrorIs(t, err, meter.ErrCircuitOpen)
	assert.True(t, meter.IsStoreUnavailable(err))
	_, _, err = store.Peek(ctx, "u1", "minute")
	assert.ErrorIs(t, err, meter.ErrCircuitOpen)
	assert.Equal(t, 2, failing.calls, "open breaker short-circuits the store")
}

func TestCircuitBreakerStore_PassesThrough(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	inner := memory.New(memory.Config{Clock: clock.Now})
	store := meter.NewCircuitBreakerStore(inner, meter.NewCircuitBreaker(meter.CircuitBreakerConfig{Clock: clock.Now}))

	c, err := store.IncrementAndGet(ctx, "u1", "minute", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Count)

	peeked, ok, err := store.Peek(ctx, "u1", "minute")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, c, peeked)
}

func TestCircuitBreakerStore_WithControllerFailClosed(t *testing.T) {
	clock := newFakeClock()
	cb, _ := newBreaker(clock, 1, time.Minute)
	ctrl, err := meter.NewController(
		meter.NewCircuitBreakerStore(&failingStore{err: errBackendDown}, cb),
		meter.Config{FailurePolicy: meter.FailClosed},
	)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d, err := ctrl.CheckAndConsume(context.Background(), "u1", meter.TierFree, clock.Now())
		require.NoError(t, err)
		assert.True(t, d.Unavailable())
	}
	assert.Equal(t, meter.StateOpen, cb.State())
}

func TestIsStoreUnavailable(t *testing.T) {
	assert.False(t, meter.IsStoreUnavailable(nil))
	assert.False(t, meter.IsStoreUnavailable(meter.ErrInvalidSubject))
	assert.False(t, meter.IsStoreUnavailable(errors.New("other")))
	assert.True(t, meter.IsStoreUnavailable(meter.ErrStoreUnavailable))
	assert.True(t, meter.IsStoreUnavailable(meter.ErrCircuitOpen))
	assert.True(t, meter.IsStoreUnavailable(context.DeadlineExceeded))
}

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gometer/pkg/meter"
)

var _ meter.CounterStore = (*Storage)(nil)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestStorage() (*Storage, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(Config{Clock: clock.Now}), clock
}

func TestStorage_IncrementAndGet(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStorage()
	start := clock.Now()

	c, err := store.IncrementAndGet(ctx, "u1", "minute", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Count)
	assert.Equal(t, start.Add(time.Minute), c.ExpiresAt)

	clock.Advance(10 * time.Second)
	c, err = store.IncrementAndGet(ctx, "u1", "minute", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Count)
	assert.Equal(t, start.Add(time.Minute), c.ExpiresAt, "expiry must not move on increment")
}

func TestStorage_ExpiryResetsCounter(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStorage()

	for i := 0; i < 5; i++ {
		_, err := store.IncrementAndGet(ctx, "u1", "minute", time.Minute)
		require.NoError(t, err)
	}

	clock.Advance(time.Minute)
	_, ok, err := store.Peek(ctx, "u1", "minute")
	require.NoError(t, err)
	assert.False(t, ok, "counter at its expiry instant is gone")

	c, err := store.IncrementAndGet(ctx, "u1", "minute", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Count)
	assert.Equal(t, clock.Now().Add(time.Minute), c.ExpiresAt)
}

func TestStorage_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStorage()

	_, err := store.IncrementAndGet(ctx, "u1", "minute", time.Minute)
	require.NoError(t, err)
	_, err = store.IncrementAndGet(ctx, "u1", "hour", time.Hour)
	require.NoError(t, err)
	c, err := store.IncrementAndGet(ctx, "u2", "minute", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, int64(1), c.Count)
	assert.Equal(t, 3, store.Len())
}

func TestStorage_PeekDoesNotCreate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStorage()

	_, ok, err := store.Peek(ctx, "ghost", "minute")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())

	_, err = store.IncrementAndGet(ctx, "u1", "minute", time.Minute)
	require.NoError(t, err)
	c, ok, err := store.Peek(ctx, "u1", "minute")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Count)

	c, _, err = store.Peek(ctx, "u1", "minute")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Count, "peek must not increment")
}

func TestStorage_InvalidTTL(t *testing.T) {
	store, _ := newTestStorage()
	_, err := store.IncrementAndGet(context.Background(), "u1", "minute", 0)
	assert.ErrorIs(t, err, meter.ErrInvalidWindow)
}

func TestStorage_CancelledContext(t *testing.T) {
	store, _ := newTestStorage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.IncrementAndGet(ctx, "u1", "minute", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	_, _, err = store.Peek(ctx, "u1", "minute")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStorage_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	store := New(Config{})

	const workers = 50
	const perWorker = 20

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := store.IncrementAndGet(ctx, "shared", "minute", time.Minute)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	c, ok, err := store.Peek(ctx, "shared", "minute")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(workers*perWorker), c.Count)
}

func TestStorage_Sweep(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStorage()

	_, err := store.IncrementAndGet(ctx, "u1", "minute", time.Minute)
	require.NoError(t, err)
	_, err = store.IncrementAndGet(ctx, "u1", "hour", time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

func TestStorage_InlineSweep(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	store := New(Config{Clock: clock.Now, SweepEvery: 2})

	_, err := store.IncrementAndGet(ctx, "old", "minute", time.Minute)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	_, err = store.IncrementAndGet(ctx, "new", "minute", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestStorage_Janitor(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	store := New(Config{Clock: clock.Now, CleanupInterval: 5 * time.Millisecond})
	defer store.Close()

	_, err := store.IncrementAndGet(ctx, "u1", "minute", time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStorage_CloseIsIdempotent(t *testing.T) {
	store := New(Config{CleanupInterval: time.Millisecond})
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	plain := New(Config{})
	require.NoError(t, plain.Close())
}

func TestStorage_Clear(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStorage()
	_, err := store.IncrementAndGet(ctx, "u1", "minute", time.Minute)
	require.NoError(t, err)

	store.Clear()
	assert.Equal(t, 0, store.Len())
}

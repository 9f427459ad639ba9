// Package redis provides a Redis implementation of meter.CounterStore.
// Increments run as a Lua script so create, increment and expiry happen in a
// single atomic step on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gometer/pkg/meter"
)

// Storage implements meter.CounterStore using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gometer:")
	KeyPrefix string

	// Clock turns the server-reported TTL into an absolute expiry.
	// Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{KeyPrefix: "gometer:"}
}

// incrementScript increments the counter and arms its expiry when the key has
// none. A fresh key always has none; an existing key without one is repaired.
// Returns {count, pttl_ms}.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", meter.ErrInvalidConfig)
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gometer:"
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Storage{client: client, config: config}, nil
}

// IncrementAndGet implements meter.CounterStore
func (s *Storage) IncrementAndGet(ctx context.Context, subject, window string,
	ttl time.Duration) (meter.Counter, error) {
	ttlMillis := ttl.Milliseconds()
	if ttlMillis <= 0 {
		return meter.Counter{}, fmt.Errorf("%w: ttl %s", meter.ErrInvalidWindow, ttl)
	}

	res, err := incrementScript.Run(ctx, s.client, []string{s.counterKey(subject, window)}, ttlMillis).Int64Slice()
	if err != nil {
		return meter.Counter{}, fmt.Errorf("%w: increment %s/%s: %w", meter.ErrStoreUnavailable, subject, window, err)
	}
	if len(res) != 2 {
		return meter.Counter{}, fmt.Errorf("%w: unexpected script reply %v", meter.ErrStoreUnavailable, res)
	}

	return meter.Counter{
		Count:     res[0],
		ExpiresAt: s.config.Clock().Add(time.Duration(res[1]) * time.Millisecond),
	}, nil
}

// Peek implements meter.CounterStore. GET and PTTL run in one MULTI so the
// count and expiry belong to the same epoch.
func (s *Storage) Peek(ctx context.Context, subject, window string) (meter.Counter, bool, error) {
	key := s.counterKey(subject, window)

	var (
		get  *redis.StringCmd
		pttl *redis.DurationCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return meter.Counter{}, false, fmt.Errorf("%w: peek %s/%s: %w", meter.ErrStoreUnavailable, subject, window, err)
	}

	count, err := get.Int64()
	if errors.Is(err, redis.Nil) {
		return meter.Counter{}, false, nil
	}
	if err != nil {
		return meter.Counter{}, false, fmt.Errorf("%w: decode %s: %w", meter.ErrStoreUnavailable, key, err)
	}

	// -1 and -2 mean no expiry and no key; neither is a live counter.
	ttl := pttl.Val()
	if ttl <= 0 {
		return meter.Counter{}, false, nil
	}

	return meter.Counter{Count: count, ExpiresAt: s.config.Clock().Add(ttl)}, true, nil
}

// counterKey hash-tags the subject so all windows of a subject share a
// cluster slot.
func (s *Storage) counterKey(subject, window string) string {
	return fmt.Sprintf("%scounter:{%s}:%s", s.config.KeyPrefix, subject, window)
}

// Ping checks the connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Storage) Close() error {
	return s.client.Close()
}

// Package postgres provides a PostgreSQL implementation of meter.CounterStore.
// Each increment is a single upsert statement, atomic under the row lock.
// The package also implements meter.CallLog and meter.CallRecorder on a
// call_log table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gometer/pkg/meter"
)

// Schema creates the tables used by Storage. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS window_counters (
	subject     TEXT        NOT NULL,
	window_name TEXT        NOT NULL,
	count       BIGINT      NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (subject, window_name)
);
CREATE INDEX IF NOT EXISTS idx_window_counters_expires_at ON window_counters (expires_at);

CREATE TABLE IF NOT EXISTS call_log (
	id          BIGSERIAL   PRIMARY KEY,
	subject     TEXT        NOT NULL,
	tier        TEXT        NOT NULL DEFAULT '',
	method      TEXT        NOT NULL DEFAULT '',
	endpoint    TEXT        NOT NULL DEFAULT '',
	status_code INTEGER     NOT NULL DEFAULT 0,
	duration_ms BIGINT      NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_call_log_subject_created_at ON call_log (subject, created_at);
`

// The CASE expressions restart an expired row in place; the database clock is
// the only clock involved.
const incrementSQL = `
INSERT INTO window_counters (subject, window_name, count, expires_at)
VALUES ($1, $2, 1, now() + $3::bigint * interval '1 millisecond')
ON CONFLICT (subject, window_name) DO UPDATE SET
	count = CASE WHEN window_counters.expires_at <= now()
		THEN 1 ELSE window_counters.count + 1 END,
	expires_at = CASE WHEN window_counters.expires_at <= now()
		THEN EXCLUDED.expires_at ELSE window_counters.expires_at END
RETURNING count, expires_at`

const peekSQL = `
SELECT count, expires_at FROM window_counters
WHERE subject = $1 AND window_name = $2 AND expires_at > now()`

// Storage implements meter.CounterStore, meter.CallLog and meter.CallRecorder
// using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
	cleanupDone chan struct{}
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate runs Schema on startup
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled   bool
	CleanupInterval  time.Duration // How often expired counters are deleted
	CallLogRetention time.Duration // Call log rows older than this are deleted; 0 keeps them

	Logger meter.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: 10 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("%w: connection string is required", meter.ErrInvalidConfig)
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 10 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = &meter.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", meter.ErrStoreUnavailable, err)
	}

	s := &Storage{pool: pool, config: config, cleanupDone: make(chan struct{})}

	if config.AutoMigrate {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled {
		cleanupCtx, cancel := context.WithCancel(context.Background())
		s.stopCleanup = cancel
		go s.startCleanup(cleanupCtx)
	} else {
		close(s.cleanupDone)
	}

	return s, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close stops background cleanup and closes the connection pool
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	<-s.cleanupDone
	if s.pool != nil {
		s.pool.Close()
	}
}

// IncrementAndGet implements meter.CounterStore
func (s *Storage) IncrementAndGet(ctx context.Context, subject, window string,
	ttl time.Duration) (meter.Counter, error) {
	ttlMillis := ttl.Milliseconds()
	if ttlMillis <= 0 {
		return meter.Counter{}, fmt.Errorf("%w: ttl %s", meter.ErrInvalidWindow, ttl)
	}

	var c meter.Counter
	err := s.pool.QueryRow(ctx, incrementSQL, subject, window, ttlMillis).Scan(&c.Count, &c.ExpiresAt)
	if err != nil {
		return meter.Counter{}, fmt.Errorf("%w: increment %s/%s: %w", meter.ErrStoreUnavailable, subject, window, err)
	}
	return c, nil
}

// Peek implements meter.CounterStore
func (s *Storage) Peek(ctx context.Context, subject, window string) (meter.Counter, bool, error) {
	var c meter.Counter
	err := s.pool.QueryRow(ctx, peekSQL, subject, window).Scan(&c.Count, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return meter.Counter{}, false, nil
	}
	if err != nil {
		return meter.Counter{}, false, fmt.Errorf("%w: peek %s/%s: %w", meter.ErrStoreUnavailable, subject, window, err)
	}
	return c, true, nil
}

// RecordCall implements meter.CallRecorder
func (s *Storage) RecordCall(ctx context.Context, record meter.CallRecord) error {
	if record.Subject == "" {
		return meter.ErrInvalidSubject
	}
	at := record.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_log (subject, tier, method, endpoint, status_code, duration_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.Subject, string(record.Tier), record.Method, record.Endpoint,
		record.StatusCode, record.Duration.Milliseconds(), at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}
	return nil
}

// CountSince implements meter.CallLog
func (s *Storage) CountSince(ctx context.Context, subject string, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM call_log WHERE subject = $1 AND created_at >= $2`,
		subject, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count calls: %w", err)
	}
	return n, nil
}

// DeleteExpired removes expired counters and, when CallLogRetention is set,
// call log rows past retention. It returns the number of counters removed.
func (s *Storage) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM window_counters WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired counters: %w", err)
	}
	if s.config.CallLogRetention > 0 {
		_, err = s.pool.Exec(ctx, `DELETE FROM call_log WHERE created_at < $1`,
			time.Now().Add(-s.config.CallLogRetention).UTC())
		if err != nil {
			return tag.RowsAffected(), fmt.Errorf("failed to trim call log: %w", err)
		}
	}
	return tag.RowsAffected(), nil
}

func (s *Storage) startCleanup(ctx context.Context) {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.DeleteExpired(ctx)
			if err != nil && ctx.Err() == nil {
				s.config.Logger.Warn("postgres cleanup failed", meter.ErrField(err))
				continue
			}
			if n > 0 {
				s.config.Logger.Debug("deleted expired counters", meter.F("count", n))
			}
		}
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

package meter

import (
	"context"
	"time"
)

// CounterStore holds fixed-window counters keyed by (subject, window name).
//
// Implementations must make IncrementAndGet a single atomic operation: when
// the counter is absent or expired it is created with count 1 and an expiry of
// now+ttl, otherwise it is incremented with its expiry untouched. A counter
// must never be observed past its expiry with a stale count.
type CounterStore interface {
	// IncrementAndGet increments the counter and returns its new state.
	IncrementAndGet(ctx context.Context, subject, window string, ttl time.Duration) (Counter, error)

	// Peek returns the counter without creating or modifying it.
	// Absent and expired counters report ok == false.
	Peek(ctx context.Context, subject, window string) (counter Counter, ok bool, err error)
}

// CallRecord describes one completed, served call.
type CallRecord struct {
	Subject    string
	Tier       Tier
	Method     string
	Endpoint   string
	StatusCode int
	Duration   time.Duration
	At         time.Time
}

// CallRecorder persists completed calls. It is the write side of CallLog.
type CallRecorder interface {
	RecordCall(ctx context.Context, record CallRecord) error
}

// CallLog counts historical calls of a subject.
type CallLog interface {
	CountSince(ctx context.Context, subject string, since time.Time) (int64, error)
}

// StartOfDayUTC truncates t to midnight UTC.
func StartOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Package firestore provides a Firestore implementation of meter.CounterStore.
// Increments run in a Firestore transaction, which the server serializes and
// the client retries on contention.
package firestore

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gometer/pkg/meter"
)

// Storage implements meter.CounterStore using Google Cloud Firestore
type Storage struct {
	client     *firestore.Client
	collection string
	config     Config
}

// Config holds Firestore storage configuration
type Config struct {
	// Collection holds one document per (subject, window).
	// Default: "gometer_counters"
	Collection string

	// MaxAttempts bounds transaction retries under contention. Default: 5
	MaxAttempts int

	// Clock decides whether a stored counter has expired. Defaults to time.Now.
	Clock func() time.Time
}

// counterDoc is the stored form of a counter. ExpiresAt can back a Firestore
// TTL policy so expired documents are eventually deleted server-side.
type counterDoc struct {
	Subject   string    `firestore:"subject"`
	Window    string    `firestore:"window"`
	Count     int64     `firestore:"count"`
	ExpiresAt time.Time `firestore:"expiresAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: firestore client is required", meter.ErrInvalidConfig)
	}
	if config.Collection == "" {
		config.Collection = "gometer_counters"
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Storage{client: client, collection: config.Collection, config: config}, nil
}

// IncrementAndGet implements meter.CounterStore
func (s *Storage) IncrementAndGet(ctx context.Context, subject, window string,
	ttl time.Duration) (meter.Counter, error) {
	if ttl <= 0 {
		return meter.Counter{}, fmt.Errorf("%w: ttl %s", meter.ErrInvalidWindow, ttl)
	}
	ref := s.docRef(subject, window)

	var counter meter.Counter
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := s.config.Clock()
		doc := counterDoc{Subject: subject, Window: window, ExpiresAt: now.Add(ttl)}

		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			var stored counterDoc
			if err := snap.DataTo(&stored); err != nil {
				return fmt.Errorf("failed to decode counter: %w", err)
			}
			if now.Before(stored.ExpiresAt) {
				doc.Count = stored.Count
				doc.ExpiresAt = stored.ExpiresAt
			}
		}

		doc.Count++
		doc.UpdatedAt = now
		counter = meter.Counter{Count: doc.Count, ExpiresAt: doc.ExpiresAt}
		return tx.Set(ref, doc)
	}, firestore.MaxAttempts(s.config.MaxAttempts))
	if err != nil {
		return meter.Counter{}, fmt.Errorf("%w: increment %s/%s: %w", meter.ErrStoreUnavailable, subject, window, err)
	}
	return counter, nil
}

// Peek implements meter.CounterStore
func (s *Storage) Peek(ctx context.Context, subject, window string) (meter.Counter, bool, error) {
	snap, err := s.docRef(subject, window).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return meter.Counter{}, false, nil
		}
		return meter.Counter{}, false, fmt.Errorf("%w: peek %s/%s: %w", meter.ErrStoreUnavailable, subject, window, err)
	}
	if !snap.Exists() {
		return meter.Counter{}, false, nil
	}

	var stored counterDoc
	if err := snap.DataTo(&stored); err != nil {
		return meter.Counter{}, false, fmt.Errorf("%w: decode counter: %w", meter.ErrStoreUnavailable, err)
	}
	if !s.config.Clock().Before(stored.ExpiresAt) {
		return meter.Counter{}, false, nil
	}
	return meter.Counter{Count: stored.Count, ExpiresAt: stored.ExpiresAt}, true, nil
}

// docRef escapes the subject since document IDs cannot contain '/'.
func (s *Storage) docRef(subject, window string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(url.PathEscape(subject) + ":" + window)
}

// Close closes the Firestore client.
func (s *Storage) Close() error {
	return s.client.Close()
}

package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gometer/pkg/meter"
)

// Config holds configuration for the usage and admission API handlers
type Config struct {
	// Reporter builds usage snapshots (required)
	Reporter *meter.Reporter

	// Controller backs the admission endpoint. If nil, PostAdmission answers 501.
	Controller *meter.Controller

	// GetIdentity resolves subject and tier from the HTTP request (required)
	// Similar to middleware/http pattern
	GetIdentity func(*http.Request) (meter.Identity, bool)

	// DefaultTier applies when the identity carries no tier. Default: free
	DefaultTier meter.Tier

	// CallLog supplies the today and month call counts. If nil, both are 0.
	CallLog meter.CallLog

	// Clock defaults to time.Now
	Clock func() time.Time

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger meter.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Reporter == nil {
		return fmt.Errorf("reporter is required")
	}
	if c.GetIdentity == nil {
		return fmt.Errorf("getIdentity is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", meter.ErrInvalidConfig, err)
	}
	if config.DefaultTier == "" {
		config.DefaultTier = meter.TierFree
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = &meter.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common identity extraction patterns

// FromHeaders returns a GetIdentity function that reads subject and tier from headers
func FromHeaders(subjectHeader, tierHeader string) func(*http.Request) (meter.Identity, bool) {
	return func(r *http.Request) (meter.Identity, bool) {
		subject := r.Header.Get(subjectHeader)
		if subject == "" {
			return meter.Identity{}, false
		}
		return meter.Identity{Subject: subject, Tier: meter.ParseTier(r.Header.Get(tierHeader))}, true
	}
}

// FromContext returns a GetIdentity function that reads a meter.Identity from
// the request context
func FromContext(key interface{}) func(*http.Request) (meter.Identity, bool) {
	return func(r *http.Request) (meter.Identity, bool) {
		id, ok := r.Context().Value(key).(meter.Identity)
		return id, ok && id.Subject != ""
	}
}

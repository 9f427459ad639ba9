// Package echo provides Echo middleware for admission control
package echo

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gometer/middleware/internal/ratelimit"
	"github.com/mihaimyh/gometer/pkg/meter"
)

// DecisionKey is the Echo context key the decision of an admitted request is stored under.
const DecisionKey = "gometer.decision"

// IdentityExtractor resolves who a request is made on behalf of.
// Return ok == false if the request is not authenticated.
type IdentityExtractor func(c echo.Context) (id meter.Identity, ok bool)

// Config holds middleware configuration
type Config struct {
	// Controller makes the admission decisions (required)
	Controller *meter.Controller

	// GetIdentity resolves subject and tier from the context (required)
	GetIdentity IdentityExtractor

	// DefaultTier applies when the identity carries no tier. Default: free
	DefaultTier meter.Tier

	// Recorder, when set, is told about every served call after the handler returns
	Recorder meter.CallRecorder

	// Clock defaults to time.Now
	Clock func() time.Time

	Logger meter.Logger

	// OnDenied is called when a window is exhausted
	// If nil, returns 429 JSON
	OnDenied func(c echo.Context, d *meter.Decision) error

	// OnUnavailable is called when the store is down and the policy is fail-closed
	// If nil, returns 503 JSON
	OnUnavailable func(c echo.Context, d *meter.Decision) error

	// OnUnauthorized is called when no identity could be resolved
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error
}

// Middleware creates an Echo middleware that admits or rejects each request
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Controller == nil {
		panic("gometer/echo: Config.Controller is required")
	}
	if cfg.GetIdentity == nil {
		panic("gometer/echo: Config.GetIdentity is required")
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = meter.TierFree
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = &meter.NoopLogger{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := cfg.GetIdentity(c)
			if !ok || id.Subject == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}
			id = ratelimit.ResolveTier(id, cfg.DefaultTier)

			req := c.Request()
			d, err := cfg.Controller.CheckAndConsume(req.Context(), id.Subject, id.Tier, cfg.Clock())
			if err != nil {
				cfg.Logger.Error("admission check failed", meter.F("subject", id.Subject), meter.ErrField(err))
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			header := c.Response().Header()
			for _, h := range ratelimit.Headers(d) {
				header.Set(h.Name, h.Value)
			}

			switch d.Outcome {
			case meter.OutcomeDenied:
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, d)
				}
				return c.JSON(ratelimit.Status(d), ratelimit.Body(d))
			case meter.OutcomeUnavailable:
				if cfg.OnUnavailable != nil {
					return cfg.OnUnavailable(c, d)
				}
				return c.JSON(ratelimit.Status(d), ratelimit.Body(d))
			}

			c.Set(DecisionKey, d)
			start := time.Now()
			herr := next(c)

			if cfg.Recorder != nil {
				status := c.Response().Status
				if herr != nil {
					var he *echo.HTTPError
					if errors.As(herr, &he) {
						status = he.Code
					} else {
						status = http.StatusInternalServerError
					}
				}
				endpoint := c.Path()
				if endpoint == "" {
					endpoint = req.URL.Path
				}
				record := meter.CallRecord{
					Subject:    id.Subject,
					Tier:       id.Tier,
					Method:     req.Method,
					Endpoint:   endpoint,
					StatusCode: status,
					Duration:   time.Since(start),
					At:         cfg.Clock(),
				}
				if err := cfg.Recorder.RecordCall(context.WithoutCancel(req.Context()), record); err != nil {
					cfg.Logger.Warn("failed to record call", meter.F("subject", id.Subject), meter.ErrField(err))
				}
			}
			return herr
		}
	}
}

// DecisionFromContext returns the admission decision of an admitted request.
func DecisionFromContext(c echo.Context) (*meter.Decision, bool) {
	d, ok := c.Get(DecisionKey).(*meter.Decision)
	return d, ok
}

// Convenience extractors

// FromContext returns an IdentityExtractor that reads subject and tier from
// Echo context values set by an auth middleware
func FromContext(subjectKey, tierKey string) IdentityExtractor {
	return func(c echo.Context) (meter.Identity, bool) {
		subject, _ := c.Get(subjectKey).(string)
		if subject == "" {
			return meter.Identity{}, false
		}
		var tier meter.Tier
		switch t := c.Get(tierKey).(type) {
		case meter.Tier:
			tier = t
		case string:
			tier = meter.ParseTier(t)
		}
		return meter.Identity{Subject: subject, Tier: tier}, true
	}
}

// FromHeaders returns an IdentityExtractor that reads subject and tier from
// headers set by a trusted upstream gateway
func FromHeaders(subjectHeader, tierHeader string) IdentityExtractor {
	return func(c echo.Context) (meter.Identity, bool) {
		h := c.Request().Header
		subject := h.Get(subjectHeader)
		if subject == "" {
			return meter.Identity{}, false
		}
		return meter.Identity{Subject: subject, Tier: meter.ParseTier(h.Get(tierHeader))}, true
	}
}

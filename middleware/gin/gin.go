// Package gin provides Gin middleware for admission control
package gin

import (
	"context"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gometer/middleware/internal/ratelimit"
	"github.com/mihaimyh/gometer/pkg/meter"
)

// DecisionKey is the Gin context key the decision of an admitted request is stored under.
const DecisionKey = "gometer.decision"

// IdentityExtractor resolves who a request is made on behalf of.
// Return ok == false if the request is not authenticated.
type IdentityExtractor func(c *gongin.Context) (id meter.Identity, ok bool)

// Config holds middleware configuration
type Config struct {
	// Controller makes the admission decisions (required)
	Controller *meter.Controller

	// GetIdentity resolves subject and tier from the context (required)
	GetIdentity IdentityExtractor

	// DefaultTier applies when the identity carries no tier. Default: free
	DefaultTier meter.Tier

	// Recorder, when set, is told about every served call after the handler chain returns
	Recorder meter.CallRecorder

	// Clock defaults to time.Now
	Clock func() time.Time

	Logger meter.Logger

	// OnDenied is called when a window is exhausted
	// If nil, returns 429 JSON
	OnDenied func(c *gongin.Context, d *meter.Decision)

	// OnUnavailable is called when the store is down and the policy is fail-closed
	// If nil, returns 503 JSON
	OnUnavailable func(c *gongin.Context, d *meter.Decision)

	// OnUnauthorized is called when no identity could be resolved
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)
}

// Middleware creates a Gin middleware that admits or rejects each request
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Controller == nil {
		panic("gometer/gin: Config.Controller is required")
	}
	if cfg.GetIdentity == nil {
		panic("gometer/gin: Config.GetIdentity is required")
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

	return func(c *gongin.Context) {
		id, ok := cfg.GetIdentity(c)
		if !ok || id.Subject == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}
		id = ratelimit.ResolveTier(id, cfg.DefaultTier)

		d, err := cfg.Controller.CheckAndConsume(c.Request.Context(), id.Subject, id.Tier, cfg.Clock())
		if err != nil {
			cfg.Logger.Error("admission check failed", meter.F("subject", id.Subject), meter.ErrField(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			return
		}

		for _, h := range ratelimit.Headers(d) {
			c.Header(h.Name, h.Value)
		}

		switch d.Outcome {
		case meter.OutcomeDenied:
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, d)
			} else {
				c.JSON(ratelimit.Status(d), gongin.H(ratelimit.Body(d)))
			}
			c.Abort()
			return
		case meter.OutcomeUnavailable:
			if cfg.OnUnavailable != nil {
				cfg.OnUnavailable(c, d)
			} else {
				c.JSON(ratelimit.Status(d), gongin.H(ratelimit.Body(d)))
			}
			c.Abort()
			return
		}

		c.Set(DecisionKey, d)
		start := time.Now()
		c.Next()

		if cfg.Recorder == nil {
			return
		}
		record := meter.CallRecord{
			Subject:    id.Subject,
			Tier:       id.Tier,
			Method:     c.Request.Method,
			Endpoint:   endpoint(c),
			StatusCode: c.Writer.Status(),
			Duration:   time.Since(start),
			At:         cfg.Clock(),
		}
		if err := cfg.Recorder.RecordCall(context.WithoutCancel(c.Request.Context()), record); err != nil {
			cfg.Logger.Warn("failed to record call", meter.F("subject", id.Subject), meter.ErrField(err))
		}
	}
}

// endpoint prefers the route template so path parameters do not split the log.
func endpoint(c *gongin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

// DecisionFromContext returns the admission decision of an admitted request.
func DecisionFromContext(c *gongin.Context) (*meter.Decision, bool) {
	v, exists := c.Get(DecisionKey)
	if !exists {
		return nil, false
	}
	d, ok := v.(*meter.Decision)
	return d, ok
}

// Convenience extractors

// FromContext returns an IdentityExtractor that reads subject and tier from
// Gin context values set by an auth middleware, e.g.
//
//	c.Set("SubjectID", subjectID)
//	c.Set("Tier", "pro")
func FromContext(subjectKey, tierKey string) IdentityExtractor {
	return func(c *gongin.Context) (meter.Identity, bool) {
		subject := c.GetString(subjectKey)
		if subject == "" {
			return meter.Identity{}, false
		}
		var tier meter.Tier
		if v, exists := c.Get(tierKey); exists {
			switch t := v.(type) {
			case meter.Tier:
				tier = t
			case string:
				tier = meter.ParseTier(t)
			}
		}
		return meter.Identity{Subject: subject, Tier: tier}, true
	}
}

// FromHeaders returns an IdentityExtractor that reads subject and tier from
// headers set by a trusted upstream gateway
func FromHeaders(subjectHeader, tierHeader string) IdentityExtractor {
	return func(c *gongin.Context) (meter.Identity, bool) {
		subject := c.GetHeader(subjectHeader)
		if subject == "" {
			return meter.Identity{}, false
		}
		return meter.Identity{Subject: subject, Tier: meter.ParseTier(c.GetHeader(tierHeader))}, true
	}
}

// FromParam returns an IdentityExtractor that reads the subject from a route
// parameter, using the default tier
func FromParam(paramName string) IdentityExtractor {
	return func(c *gongin.Context) (meter.Identity, bool) {
		subject := c.Param(paramName)
		return meter.Identity{Subject: subject}, subject != ""
	}
}

// Package fiber provides Fiber middleware for admission control
package fiber

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/mihaimyh/gometer/middleware/internal/ratelimit"
	"github.com/mihaimyh/gometer/pkg/meter"
)

// DecisionKey is the Fiber locals key the decision of an admitted request is stored under.
const DecisionKey = "gometer.decision"

// IdentityExtractor resolves who a request is made on behalf of.
// Return ok == false if the request is not authenticated.
//
// Fiber reuses request buffers; extractors must return copied strings.
type IdentityExtractor func(c *fiber.Ctx) (id meter.Identity, ok bool)

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
	OnDenied func(c *fiber.Ctx, d *meter.Decision) error

	// OnUnavailable is called when the store is down and the policy is fail-closed
	// If nil, returns 503 JSON
	OnUnavailable func(c *fiber.Ctx, d *meter.Decision) error

	// OnUnauthorized is called when no identity could be resolved
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error
}

// Middleware creates a Fiber middleware that admits or rejects each request
func Middleware(cfg Config) fiber.Handler {
	if cfg.Controller == nil {
		panic("gometer/fiber: Config.Controller is required")
	}
	if cfg.GetIdentity == nil {
		panic("gometer/fiber: Config.GetIdentity is required")
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

	return func(c *fiber.Ctx) error {
		id, ok := cfg.GetIdentity(c)
		if !ok || id.Subject == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}
		id = ratelimit.ResolveTier(id, cfg.DefaultTier)

		ctx := c.UserContext()
		d, err := cfg.Controller.CheckAndConsume(ctx, id.Subject, id.Tier, cfg.Clock())
		if err != nil {
			cfg.Logger.Error("admission check failed", meter.F("subject", id.Subject), meter.ErrField(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		for _, h := range ratelimit.Headers(d) {
			c.Set(h.Name, h.Value)
		}

		switch d.Outcome {
		case meter.OutcomeDenied:
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, d)
			}
			return c.Status(ratelimit.Status(d)).JSON(fiber.Map(ratelimit.Body(d)))
		case meter.OutcomeUnavailable:
			if cfg.OnUnavailable != nil {
				return cfg.OnUnavailable(c, d)
			}
			return c.Status(ratelimit.Status(d)).JSON(fiber.Map(ratelimit.Body(d)))
		}

		c.Locals(DecisionKey, d)
		start := time.Now()
		herr := c.Next()

		if cfg.Recorder != nil {
			status := c.Response().StatusCode()
			if herr != nil {
				status = fiber.StatusInternalServerError
				var fe *fiber.Error
				if errors.As(herr, &fe) {
					status = fe.Code
				}
			}
			record := meter.CallRecord{
				Subject:    id.Subject,
				Tier:       id.Tier,
				Method:     utils.CopyString(c.Method()),
				Endpoint:   utils.CopyString(c.Route().Path),
				StatusCode: status,
				Duration:   time.Since(start),
				At:         cfg.Clock(),
			}
			if err := cfg.Recorder.RecordCall(context.WithoutCancel(ctx), record); err != nil {
				cfg.Logger.Warn("failed to record call", meter.F("subject", id.Subject), meter.ErrField(err))
			}
		}
		return herr
	}
}

// DecisionFromContext returns the admission decision of an admitted request.
func DecisionFromContext(c *fiber.Ctx) (*meter.Decision, bool) {
	d, ok := c.Locals(DecisionKey).(*meter.Decision)
	return d, ok
}

// Convenience extractors

// FromLocals returns an IdentityExtractor that reads subject and tier from
// Fiber locals set by an auth middleware
func FromLocals(subjectKey, tierKey string) IdentityExtractor {
	return func(c *fiber.Ctx) (meter.Identity, bool) {
		subject, _ := c.Locals(subjectKey).(string)
		if subject == "" {
			return meter.Identity{}, false
		}
		var tier meter.Tier
		switch t := c.Locals(tierKey).(type) {
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
	return func(c *fiber.Ctx) (meter.Identity, bool) {
		subject := c.Get(subjectHeader)
		if subject == "" {
			return meter.Identity{}, false
		}
		return meter.Identity{
			Subject: utils.CopyString(subject),
			Tier:    meter.ParseTier(utils.CopyString(c.Get(tierHeader))),
		}, true
	}
}

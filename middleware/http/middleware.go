// Package http provides net/http middleware for admission control
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"

	"github.com/mihaimyh/gometer/middleware/internal/ratelimit"
	"github.com/mihaimyh/gometer/pkg/meter"
)

// IdentityExtractor resolves who a request is made on behalf of.
// Return ok == false if the request is not authenticated.
type IdentityExtractor func(r *http.Request) (id meter.Identity, ok bool)

// Config holds middleware configuration
type Config struct {
	// Controller makes the admission decisions (required)
	Controller *meter.Controller

	// GetIdentity resolves subject and tier from the request (required)
	GetIdentity IdentityExtractor

	// DefaultTier applies when the identity carries no tier. Default: free
	DefaultTier meter.Tier

	// Recorder, when set, is told about every served call once the handler returns
	Recorder meter.CallRecorder

	// Clock defaults to time.Now
	Clock func() time.Time

	Logger meter.Logger

	// OnDenied is called when a window is exhausted
	// If nil, returns 429 JSON
	OnDenied func(w http.ResponseWriter, r *http.Request, d *meter.Decision)

	// OnUnavailable is called when the store is down and the policy is fail-closed
	// If nil, returns 503 JSON
	OnUnavailable func(w http.ResponseWriter, r *http.Request, d *meter.Decision)

	// OnUnauthorized is called when no identity could be resolved
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)
}

type contextKey struct{}

// DecisionFromContext returns the admission decision of an admitted request.
func DecisionFromContext(ctx context.Context) (*meter.Decision, bool) {
	d, ok := ctx.Value(contextKey{}).(*meter.Decision)
	return d, ok
}

// Middleware creates an HTTP middleware that admits or rejects each request
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Controller == nil {
		panic("gometer/http: Config.Controller is required")
	}
	if config.GetIdentity == nil {
		panic("gometer/http: Config.GetIdentity is required")
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

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := config.GetIdentity(r)
			if !ok || id.Subject == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "Unauthorized"})
				}
				return
			}
			id = ratelimit.ResolveTier(id, config.DefaultTier)

			d, err := config.Controller.CheckAndConsume(r.Context(), id.Subject, id.Tier, config.Clock())
			if err != nil {
				config.Logger.Error("admission check failed", meter.F("subject", id.Subject), meter.ErrField(err))
				writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "Internal Server Error"})
				return
			}

			for _, h := range ratelimit.Headers(d) {
				w.Header().Set(h.Name, h.Value)
			}

			switch d.Outcome {
			case meter.OutcomeDenied:
				if config.OnDenied != nil {
					config.OnDenied(w, r, d)
				} else {
					writeJSON(w, ratelimit.Status(d), ratelimit.Body(d))
				}
				return
			case meter.OutcomeUnavailable:
				if config.OnUnavailable != nil {
					config.OnUnavailable(w, r, d)
				} else {
					writeJSON(w, ratelimit.Status(d), ratelimit.Body(d))
				}
				return
			}

			r = r.WithContext(context.WithValue(r.Context(), contextKey{}, d))
			if config.Recorder == nil {
				next.ServeHTTP(w, r)
				return
			}

			m := httpsnoop.CaptureMetrics(next, w, r)
			record := meter.CallRecord{
				Subject:    id.Subject,
				Tier:       id.Tier,
				Method:     r.Method,
				Endpoint:   r.URL.Path,
				StatusCode: m.Code,
				Duration:   m.Duration,
				At:         config.Clock(),
			}
			if err := config.Recorder.RecordCall(context.WithoutCancel(r.Context()), record); err != nil {
				config.Logger.Warn("failed to record call", meter.F("subject", id.Subject), meter.ErrField(err))
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware for http.HandlerFunc handlers
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// SubjectKey is the context key for the subject
	SubjectKey ContextKey = "gometer:subject"
	// TierKey is the context key for the tier
	TierKey ContextKey = "gometer:tier"
)

// FromContext returns an IdentityExtractor reading subject and tier strings
// that an authentication middleware stored in the request context
func FromContext(subjectKey, tierKey ContextKey) IdentityExtractor {
	return func(r *http.Request) (meter.Identity, bool) {
		subject, _ := r.Context().Value(subjectKey).(string)
		if subject == "" {
			return meter.Identity{}, false
		}
		var tier meter.Tier
		switch v := r.Context().Value(tierKey).(type) {
		case meter.Tier:
			tier = v
		case string:
			tier = meter.ParseTier(v)
		}
		return meter.Identity{Subject: subject, Tier: tier}, true
	}
}

// FromHeaders returns an IdentityExtractor reading subject and tier from
// headers set by a trusted upstream gateway
func FromHeaders(subjectHeader, tierHeader string) IdentityExtractor {
	return func(r *http.Request) (meter.Identity, bool) {
		subject := r.Header.Get(subjectHeader)
		if subject == "" {
			return meter.Identity{}, false
		}
		return meter.Identity{Subject: subject, Tier: meter.ParseTier(r.Header.Get(tierHeader))}, true
	}
}

// WithIdentity stores subject and tier under SubjectKey and TierKey
func WithIdentity(ctx context.Context, id meter.Identity) context.Context {
	ctx = context.WithValue(ctx, SubjectKey, id.Subject)
	return context.WithValue(ctx, TierKey, id.Tier)
}

// IdentityResolver authenticates a request and reports on whose behalf it is made.
type IdentityResolver interface {
	Resolve(r *http.Request) (meter.Identity, error)
}

// FromResolver adapts an IdentityResolver. Requests it fails to resolve are
// treated as unauthenticated.
func FromResolver(resolver IdentityResolver) IdentityExtractor {
	return func(r *http.Request) (meter.Identity, bool) {
		id, err := resolver.Resolve(r)
		if err != nil {
			return meter.Identity{}, false
		}
		return id, true
	}
}

// Package ratelimit holds the response conventions shared by the framework
// middlewares: status codes, rate limit headers and default error bodies.
package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/mihaimyh/gometer/pkg/meter"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderWindow     = "X-RateLimit-Window"
	HeaderRetryAfter = "Retry-After"
	HeaderDegraded   = "X-RateLimit-Degraded"
)

// Header is one response header.
type Header struct {
	Name  string
	Value string
}

// Headers returns the headers describing d. Degraded decisions carry only
// X-RateLimit-Degraded, and unbounded ones none, since no authoritative count
// backs them.
func Headers(d *meter.Decision) []Header {
	var headers []Header
	if d.Degraded {
		headers = append(headers, Header{HeaderDegraded, "true"})
	}
	if !d.Degraded && d.Limit != meter.Unlimited && d.Window != "" {
		headers = append(headers,
			Header{HeaderLimit, strconv.FormatInt(d.Limit, 10)},
			Header{HeaderRemaining, strconv.FormatInt(max(0, d.Remaining), 10)},
			Header{HeaderWindow, d.Window},
		)
		if !d.ExpiresAt.IsZero() {
			headers = append(headers, Header{HeaderReset, strconv.FormatInt(d.ExpiresAt.Unix(), 10)})
		}
	}
	if !d.Allowed() {
		headers = append(headers, Header{HeaderRetryAfter, strconv.Itoa(max(1, d.RetryAfterSeconds))})
	}
	return headers
}

// Status maps a decision to its HTTP status: 200 for allowed, 429 for a quota
// denial and 503 when the store was unavailable under a fail-closed policy.
func Status(d *meter.Decision) int {
	switch d.Outcome {
	case meter.OutcomeDenied:
		return http.StatusTooManyRequests
	case meter.OutcomeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

// Body is the default JSON body of a rejected call.
func Body(d *meter.Decision) map[string]interface{} {
	if d.Unavailable() {
		return map[string]interface{}{
			"error":       "Service temporarily unavailable",
			"retry_after": d.RetryAfterSeconds,
		}
	}
	return map[string]interface{}{
		"error":       "Rate limit exceeded",
		"window":      d.Window,
		"limit":       d.Limit,
		"retry_after": d.RetryAfterSeconds,
	}
}

// ResolveTier applies the default tier to identities without one.
func ResolveTier(id meter.Identity, defaultTier meter.Tier) meter.Identity {
	if id.Tier == "" {
		id.Tier = defaultTier
	}
	return id
}

package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/gometer/pkg/meter"
)

func headerMap(headers []Header) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Name] = h.Value
	}
	return m
}

func TestHeaders_Allowed(t *testing.T) {
	reset := time.Unix(1_700_000_060, 0)
	h := headerMap(Headers(&meter.Decision{
		Outcome: meter.OutcomeAllowed, Window: "minute", Limit: 10, Used: 3, Remaining: 7, ExpiresAt: reset,
	}))

	assert.Equal(t, map[string]string{
		HeaderLimit:     "10",
		HeaderRemaining: "7",
		HeaderWindow:    "minute",
		HeaderReset:     "1700000060",
	}, h)
}

func TestHeaders_Denied(t *testing.T) {
	h := headerMap(Headers(&meter.Decision{
		Outcome: meter.OutcomeDenied, Window: "minute", Limit: 10, Used: 10, RetryAfterSeconds: 59,
		ExpiresAt: time.Unix(100, 0),
	}))
	assert.Equal(t, "0", h[HeaderRemaining])
	assert.Equal(t, "59", h[HeaderRetryAfter])
}

func TestHeaders_UnavailableAndDegraded(t *testing.T) {
	h := headerMap(Headers(&meter.Decision{
		Outcome: meter.OutcomeUnavailable, Window: "minute", Limit: 10, Remaining: meter.Unlimited,
		RetryAfterSeconds: 1, Degraded: true,
	}))
	assert.Equal(t, map[string]string{HeaderRetryAfter: "1", HeaderDegraded: "true"}, h)

	h = headerMap(Headers(&meter.Decision{
		Outcome: meter.OutcomeDenied, Window: "minute", Limit: 10, RetryAfterSeconds: 30, Degraded: true,
	}))
	assert.Equal(t, map[string]string{HeaderRetryAfter: "30", HeaderDegraded: "true"}, h,
		"a denial from failover counts is marked")

	h = headerMap(Headers(&meter.Decision{Outcome: meter.OutcomeAllowed, Window: "minute", Limit: 10, Degraded: true}))
	assert.Equal(t, map[string]string{HeaderDegraded: "true"}, h)
	assert.Empty(t, Headers(&meter.Decision{Outcome: meter.OutcomeAllowed, Limit: meter.Unlimited, Remaining: meter.Unlimited}))
}

func TestStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, Status(&meter.Decision{Outcome: meter.OutcomeAllowed}))
	assert.Equal(t, http.StatusTooManyRequests, Status(&meter.Decision{Outcome: meter.OutcomeDenied}))
	assert.Equal(t, http.StatusServiceUnavailable, Status(&meter.Decision{Outcome: meter.OutcomeUnavailable}))
}

func TestBody(t *testing.T) {
	denied := Body(&meter.Decision{Outcome: meter.OutcomeDenied, Window: "hour", Limit: 100, RetryAfterSeconds: 12})
	assert.Equal(t, "Rate limit exceeded", denied["error"])
	assert.Equal(t, "hour", denied["window"])

	unavailable := Body(&meter.Decision{Outcome: meter.OutcomeUnavailable, RetryAfterSeconds: 1})
	assert.Equal(t, "Service temporarily unavailable", unavailable["error"])
}

func TestResolveTier(t *testing.T) {
	assert.Equal(t, meter.TierFree, ResolveTier(meter.Identity{Subject: "u"}, meter.TierFree).Tier)
	assert.Equal(t, meter.TierPro, ResolveTier(meter.Identity{Subject: "u", Tier: meter.TierPro}, meter.TierFree).Tier)
}

package api

import "time"

// UsageResponse represents the complete usage standing of a subject
type UsageResponse struct {
	Subject     string           `json:"subject"`
	Tier        string           `json:"tier"`
	RateLimits  []RateLimitUsage `json:"rate_limits"`
	Calls       CallsUsage       `json:"calls"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// RateLimitUsage represents one window of the subject's tier
type RateLimitUsage struct {
	Window    string     `json:"window"`
	Used      int64      `json:"used"`
	Limit     int64      `json:"limit"`               // -1 for unlimited
	Remaining int64      `json:"remaining"`           // -1 for unlimited
	ResetAt   *time.Time `json:"reset_at,omitempty"`  // Absent while no counter is live
	Unlimited bool       `json:"unlimited,omitempty"` // Set for unbounded windows
}

// CallsUsage holds historical call counts
type CallsUsage struct {
	Today int64 `json:"today"` // Since midnight UTC
	Month int64 `json:"month"` // Trailing history window
}

// AdmissionRequest asks for one admission decision
type AdmissionRequest struct {
	Subject string `json:"subject"`
	Tier    string `json:"tier,omitempty"`
}

// AdmissionResponse is the decision for an AdmissionRequest
type AdmissionResponse struct {
	Allowed           bool   `json:"allowed"`
	Outcome           string `json:"outcome"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Window            string `json:"window,omitempty"`
	Limit             int64  `json:"limit"`
	Remaining         int64  `json:"remaining"`
	Degraded          bool   `json:"degraded,omitempty"`
}

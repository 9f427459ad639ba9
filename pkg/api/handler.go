package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mihaimyh/gometer/pkg/meter"
)

const (
	maxSubjectLen   = 255
	maxRequestBytes = 4 << 10
)

var errUnauthorized = errors.New("subject not found")

// Handler provides HTTP endpoints for usage inspection and admission checks
type Handler struct {
	config Config
}

// GetUsage returns the subject's standing in every window of its tier together
// with its historical call counts. It never consumes quota.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.config.GetIdentity(r)
	if !ok {
		h.handleError(w, r, errUnauthorized, http.StatusUnauthorized)
		return
	}
	if len(id.Subject) > maxSubjectLen {
		h.handleError(w, r, fmt.Errorf("invalid subject format"), http.StatusBadRequest)
		return
	}
	if id.Tier == "" {
		id.Tier = h.config.DefaultTier
	}

	snap, err := h.config.Reporter.SnapshotFromLog(r.Context(), id.Subject, id.Tier, h.config.Clock(), h.config.CallLog)
	if err != nil {
		h.config.Logger.Error("usage snapshot failed", meter.F("subject", id.Subject), meter.ErrField(err))
		h.handleError(w, r, err, statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, usageResponse(snap))
}

// PostAdmission decides one call for a sidecar: the body names the subject and
// optionally its tier. Every decision is answered with 200; the outcome is in
// the body and Retry-After is set for rejected calls.
func (h *Handler) PostAdmission(w http.ResponseWriter, r *http.Request) {
	if h.config.Controller == nil {
		h.handleError(w, r, fmt.Errorf("admission is not enabled"), http.StatusNotImplemented)
		return
	}

	var req AdmissionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if req.Subject == "" || len(req.Subject) > maxSubjectLen {
		h.handleError(w, r, meter.ErrInvalidSubject, http.StatusBadRequest)
		return
	}
	tier := meter.ParseTier(req.Tier)
	if tier == "" {
		tier = h.config.DefaultTier
	}

	d, err := h.config.Controller.CheckAndConsume(r.Context(), req.Subject, tier, h.config.Clock())
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	if !d.Allowed() {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	}
	writeJSON(w, http.StatusOK, AdmissionResponse{
		Allowed:           d.Allowed(),
		Outcome:           string(d.Outcome),
		RetryAfterSeconds: d.RetryAfterSeconds,
		Window:            d.Window,
		Limit:             d.Limit,
		Remaining:         d.Remaining,
		Degraded:          d.Degraded,
	})
}

func usageResponse(snap *meter.UsageSnapshot) UsageResponse {
	limits := make([]RateLimitUsage, 0, len(snap.Windows))
	for _, u := range snap.Windows {
		limits = append(limits, RateLimitUsage{
			Window:    u.Name,
			Used:      u.Used,
			Limit:     u.Limit,
			Remaining: u.Remaining,
			ResetAt:   u.ResetAt,
			Unlimited: u.Unlimited,
		})
	}
	return UsageResponse{
		Subject:     snap.Subject,
		Tier:        string(snap.Tier),
		RateLimits:  limits,
		Calls:       CallsUsage{Today: snap.Calls.Today, Month: snap.Calls.Month},
		GeneratedAt: snap.GeneratedAt,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, meter.ErrInvalidSubject):
		return http.StatusBadRequest
	case meter.IsStoreUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	// Store details stay in the logs
	msg := err.Error()
	if statusCode >= http.StatusInternalServerError {
		msg = http.StatusText(statusCode)
	}
	writeJSON(w, statusCode, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

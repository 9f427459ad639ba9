package meter

import "time"

// Metrics defines the interface for tracking admission decisions and store health.
type Metrics interface {
	// RecordAdmission records one CheckAndConsume outcome. window is the
	// window named by the decision and may be empty.
	RecordAdmission(tier, window string, outcome Outcome, duration time.Duration)

	// RecordStoreOperation records the duration and status of a counter store call.
	RecordStoreOperation(operation string, duration time.Duration, err error)

	// RecordFailurePolicy records that the failure policy decided an outcome.
	RecordFailurePolicy(policy FailurePolicy)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)

	// RecordFailover records a call served by a secondary store.
	RecordFailover(operation string)

	// RecordSnapshot records the latency of a usage snapshot.
	RecordSnapshot(tier string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAdmission(string, string, Outcome, time.Duration) {}
func (n *NoopMetrics) RecordStoreOperation(string, time.Duration, error)      {}
func (n *NoopMetrics) RecordFailurePolicy(FailurePolicy)                      {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(string)                 {}
func (n *NoopMetrics) RecordFailover(string)                                  {}
func (n *NoopMetrics) RecordSnapshot(string, time.Duration)                   {}

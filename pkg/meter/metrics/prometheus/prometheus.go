// Package prommetrics implements meter.Metrics with Prometheus collectors.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gometer/pkg/meter"
)

// Metrics implements meter.Metrics using Prometheus.
type Metrics struct {
	admissionsTotal            *prometheus.CounterVec
	admissionDuration          *prometheus.HistogramVec
	storeOpsDuration           *prometheus.HistogramVec
	storeOpsErrors             *prometheus.CounterVec
	failurePolicyTotal         *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
	failoverTotal              *prometheus.CounterVec
	snapshotDuration           *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation registered on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		admissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Total number of admission decisions.",
		}, []string{"tier", "window", "outcome"}),

		admissionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_duration_seconds",
			Help:      "Latency of admission checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of counter store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operation_errors_total",
			Help:      "Total number of counter store errors.",
		}, []string{"operation"}),

		failurePolicyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failure_policy_activations_total",
			Help:      "Total number of decisions made by the failure policy.",
		}, []string{"policy"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),

		failoverTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failover_total",
			Help:      "Total number of store calls served by the secondary store.",
		}, []string{"operation"}),

		snapshotDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Latency of usage snapshots.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tier"}),
	}
}

func (m *Metrics) RecordAdmission(tier, window string, outcome meter.Outcome, duration time.Duration) {
	m.admissionsTotal.WithLabelValues(tier, window, string(outcome)).Inc()
	m.admissionDuration.WithLabelValues(string(outcome)).Observe(duration.Seconds())
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordFailurePolicy(policy meter.FailurePolicy) {
	m.failurePolicyTotal.WithLabelValues(string(policy)).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordFailover(operation string) {
	m.failoverTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordSnapshot(tier string, duration time.Duration) {
	m.snapshotDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

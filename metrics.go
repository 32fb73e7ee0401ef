package mcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the engine's observability counters. A nil *Metrics is valid and records
// nothing, so every component can take one optionally.
type Metrics struct {
	retryAttempts        prometheus.Counter
	circuitBreakerTrips  prometheus.Counter
	healthCheckFailures  prometheus.Counter
	deduplicatedMessages prometheus.Counter
	protocolErrors       prometheus.Counter
	requestDuration      *prometheus.HistogramVec
	capabilityDispatches *prometheus.CounterVec
}

// Request outcomes used as the "outcome" label.
const (
	outcomeOK           = "ok"
	outcomeError        = "error"
	outcomeTimeout      = "timeout"
	outcomeCancelled    = "cancelled"
	outcomeDisconnected = "disconnected"
	outcomeRejected     = "rejected"
)

// NewMetrics creates the metric set and registers it with reg. A nil reg creates metrics that are
// not registered anywhere, which is handy in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		retryAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "retry_attempts_total",
			Help:      "Number of operations retried by the resilient transport.",
		}),
		circuitBreakerTrips: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "circuit_breaker_trips_total",
			Help:      "Number of transitions of a circuit breaker into the open state.",
		}),
		healthCheckFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "health_check_failures_total",
			Help:      "Number of failed health-check probes.",
		}),
		deduplicatedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "deduplicated_messages_total",
			Help:      "Number of inbound messages dropped because their id was already processed.",
		}),
		protocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "protocol_errors_total",
			Help:      "Number of malformed inbound frames.",
		}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcp",
			Name:      "request_duration_seconds",
			Help:      "Latency of outbound requests from registration to resolution.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"method", "outcome"}),
		capabilityDispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "capability_dispatch_total",
			Help:      "Number of server-initiated requests handled by local capability handlers.",
		}, []string{"kind", "outcome"}),
	}
}

func (m *Metrics) retryAttempt() {
	if m == nil {
		return
	}
	m.retryAttempts.Inc()
}

func (m *Metrics) circuitBreakerTrip() {
	if m == nil {
		return
	}
	m.circuitBreakerTrips.Inc()
}

func (m *Metrics) healthCheckFailure() {
	if m == nil {
		return
	}
	m.healthCheckFailures.Inc()
}

func (m *Metrics) deduplicated() {
	if m == nil {
		return
	}
	m.deduplicatedMessages.Inc()
}

func (m *Metrics) protocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) observeRequest(method, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, outcome).Observe(latency.Seconds())
}

func (m *Metrics) capabilityDispatch(kind CapabilityKind, outcome string) {
	if m == nil {
		return
	}
	m.capabilityDispatches.WithLabelValues(kind.String(), outcome).Inc()
}

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks the peer once. It must return when ctx ends.
type ProbeFunc func(ctx context.Context) error

// HealthChecker probes a peer on a fixed interval, independently of application traffic.
// Each result is reported to the OnResult callback, which the resilient transport uses to feed
// its circuit breaker. Every time the number of consecutive failures reaches a multiple of the
// threshold the OnUnhealthy callback fires.
type HealthChecker struct {
	probe     ProbeFunc
	interval  time.Duration
	timeout   time.Duration
	threshold int

	onResult    func(err error)
	onUnhealthy func(failures int)

	mu       sync.Mutex
	failures int

	metrics *Metrics
	logger  *slog.Logger
}

// HealthOption configures a HealthChecker.
type HealthOption func(*HealthChecker)

var (
	defaultHealthInterval  = 30 * time.Second
	defaultHealthTimeout   = 5 * time.Second
	defaultHealthThreshold = 3
)

// WithHealthInterval sets the time between probes.
func WithHealthInterval(interval time.Duration) HealthOption {
	return func(h *HealthChecker) {
		h.interval = interval
	}
}

// WithHealthTimeout sets how long a single probe may take.
func WithHealthTimeout(timeout time.Duration) HealthOption {
	return func(h *HealthChecker) {
		h.timeout = timeout
	}
}

// WithHealthThreshold sets how many consecutive failures make the peer unhealthy.
func WithHealthThreshold(threshold int) HealthOption {
	return func(h *HealthChecker) {
		h.threshold = threshold
	}
}

// WithHealthResult registers a callback receiving every probe outcome.
func WithHealthResult(fn func(err error)) HealthOption {
	return func(h *HealthChecker) {
		h.onResult = fn
	}
}

// WithHealthUnhealthy registers a callback invoked when the failure threshold is reached.
func WithHealthUnhealthy(fn func(failures int)) HealthOption {
	return func(h *HealthChecker) {
		h.onUnhealthy = fn
	}
}

// WithHealthMetrics sets the metrics that count failed probes.
func WithHealthMetrics(metrics *Metrics) HealthOption {
	return func(h *HealthChecker) {
		h.metrics = metrics
	}
}

// WithHealthLogger sets the logger for the checker.
func WithHealthLogger(logger *slog.Logger) HealthOption {
	return func(h *HealthChecker) {
		h.logger = logger
	}
}

// NewHealthChecker creates a checker running probe.
func NewHealthChecker(probe ProbeFunc, options ...HealthOption) *HealthChecker {
	h := &HealthChecker{
		probe:  probe,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(h)
	}
	if h.interval <= 0 {
		h.interval = defaultHealthInterval
	}
	if h.timeout <= 0 {
		h.timeout = defaultHealthTimeout
	}
	if h.threshold <= 0 {
		h.threshold = defaultHealthThreshold
	}
	return h
}

// Run probes on every tick until ctx ends, and returns ctx's error.
func (h *HealthChecker) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = h.Check(ctx)
		}
	}
}

// Check runs a single probe bounded by the checker's timeout and records its outcome.
func (h *HealthChecker) Check(ctx context.Context) error {
	pCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.probe(pCtx)
	cancel()

	// Shutting down is not a failed probe.
	if err != nil && ctx.Err() != nil {
		return err
	}

	h.mu.Lock()
	if err == nil {
		h.failures = 0
	} else {
		h.failures++
	}
	failures := h.failures
	h.mu.Unlock()

	if h.onResult != nil {
		h.onResult(err)
	}
	if err == nil {
		return nil
	}

	h.metrics.healthCheckFailure()
	h.logger.Warn("health check failed",
		slog.Int("consecutiveFailures", failures),
		slog.String("err", err.Error()))
	if failures%h.threshold == 0 && h.onUnhealthy != nil {
		h.onUnhealthy(failures)
	}
	return fmt.Errorf("health check: %w", err)
}

// Healthy reports whether fewer than threshold consecutive probes have failed.
func (h *HealthChecker) Healthy() bool {
	return h.ConsecutiveFailures() < h.threshold
}

// ConsecutiveFailures returns the number of probes that failed since the last success.
func (h *HealthChecker) ConsecutiveFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.failures
}

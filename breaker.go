package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

// CircuitBreaker states.
const (
	// StateClosed lets every operation through and counts consecutive failures.
	StateClosed BreakerState = iota
	// StateOpen rejects every operation with ErrCircuitOpen until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets exactly one probe operation through.
	StateHalfOpen
)

// CircuitBreaker fails fast while a downstream endpoint is unhealthy.
//
// In StateClosed, FailureThreshold consecutive failures open the circuit. In StateOpen every
// call to Allow returns ErrCircuitOpen until Cooldown has passed since the circuit opened;
// the first Allow after that moves to StateHalfOpen and admits a single probe. A successful
// probe closes the circuit and resets the failure count, a failed probe opens it again and
// restarts the cooldown.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool

	threshold     int
	cooldown      time.Duration
	now           func() time.Time
	onStateChange func(from, to BreakerState)

	metrics *Metrics
	logger  *slog.Logger
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

var (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// WithBreakerThreshold sets how many consecutive failures open the circuit.
func WithBreakerThreshold(threshold int) BreakerOption {
	return func(b *CircuitBreaker) {
		b.threshold = threshold
	}
}

// WithBreakerCooldown sets how long the circuit stays open before a probe is allowed.
func WithBreakerCooldown(cooldown time.Duration) BreakerOption {
	return func(b *CircuitBreaker) {
		b.cooldown = cooldown
	}
}

// WithBreakerClock replaces time.Now, for tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) {
		b.now = now
	}
}

// WithBreakerStateChange registers a callback invoked after every state transition. It is
// called without the breaker's lock held.
func WithBreakerStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(b *CircuitBreaker) {
		b.onStateChange = fn
	}
}

// WithBreakerMetrics sets the metrics that count trips.
func WithBreakerMetrics(metrics *Metrics) BreakerOption {
	return func(b *CircuitBreaker) {
		b.metrics = metrics
	}
}

// WithBreakerLogger sets the logger for the breaker.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(b *CircuitBreaker) {
		b.logger = logger
	}
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(options ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	if b.threshold <= 0 {
		b.threshold = defaultBreakerThreshold
	}
	if b.cooldown <= 0 {
		b.cooldown = defaultBreakerCooldown
	}
	return b
}

// Allow reports whether an operation may proceed. A nil return in StateHalfOpen means the
// caller holds the single probe slot and must report the outcome with RecordSuccess or
// RecordFailure.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	from := b.state
	var err error
	switch b.state {
	case StateClosed:
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			err = ErrCircuitOpen
			break
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
	case StateHalfOpen:
		if b.probeInFlight {
			err = ErrCircuitOpen
			break
		}
		b.probeInFlight = true
	}
	to := b.state
	b.mu.Unlock()

	b.transitioned(from, to)
	return err
}

// RecordSuccess reports a successful operation. It closes a half-open circuit and resets the
// failure count of a closed one. An open circuit only closes through a probe.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.state = StateClosed
		b.failures = 0
		b.probeInFlight = false
	case StateOpen:
	}
	to := b.state
	b.mu.Unlock()

	b.transitioned(from, to)
}

// RecordFailure reports a failed operation.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.failures++
		b.state = StateOpen
		b.openedAt = b.now()
		b.probeInFlight = false
	case StateOpen:
	}
	to := b.state
	b.mu.Unlock()

	b.transitioned(from, to)
}

// Observe reports the outcome of a check that did not go through Allow, such as a background
// health probe. It only counts while the circuit is closed: a half-open circuit is decided by
// its probe alone, and an open one by its cooldown.
func (b *CircuitBreaker) Observe(err error) {
	b.mu.Lock()
	from := b.state
	if b.state == StateClosed {
		if err == nil {
			b.failures = 0
		} else {
			b.failures++
			if b.failures >= b.threshold {
				b.state = StateOpen
				b.openedAt = b.now()
			}
		}
	}
	to := b.state
	b.mu.Unlock()

	b.transitioned(from, to)
}

// Execute runs fn if the breaker allows it and records the outcome. A fn that fails because
// ctx was cancelled by the caller says nothing about the endpoint, so it releases a half-open
// probe slot without counting as a failure.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		b.releaseProbe()
	default:
		b.RecordFailure()
	}
	return err
}

// State returns the current state. An open circuit whose cooldown has passed still reports
// StateOpen until the next Allow.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Failures returns the number of consecutive failures recorded.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.failures
}

// Reset forces the breaker back to StateClosed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.probeInFlight = false
	b.mu.Unlock()

	b.transitioned(from, StateClosed)
}

func (b *CircuitBreaker) releaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
}

func (b *CircuitBreaker) transitioned(from, to BreakerState) {
	if from == to {
		return
	}
	if to == StateOpen {
		b.metrics.circuitBreakerTrip()
		b.logger.Warn("circuit breaker opened", slog.String("from", from.String()))
	} else {
		b.logger.Info("circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

package mcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ResilientTransport wraps a ClientTransport with retries, a circuit breaker, inbound
// deduplication and an optional background health check. It is itself a ClientTransport, so a
// Client uses it like any other transport.
//
// Sessions it returns survive the loss of the underlying connection: a failed send reconnects
// before its next attempt, and the message iterator reconnects when the underlying session ends.
// Only when the retry policy gives up does the iterator end, which the owner sees as a
// disconnect.
type ResilientTransport struct {
	base        ClientTransport
	retry       RetryPolicy
	breaker     *CircuitBreaker
	breakerOpts []BreakerOption

	dedupSize int
	dedupTTL  time.Duration

	healthEnabled   bool
	healthInterval  time.Duration
	healthTimeout   time.Duration
	healthThreshold int

	metrics *Metrics
	logger  *slog.Logger
}

// ResilientOption configures a ResilientTransport.
type ResilientOption func(*ResilientTransport)

type resilientSession struct {
	t      *ResilientTransport
	id     string
	dedup  *DedupCache
	probes *PendingTable
	health *HealthChecker

	// dialMu serializes reconnects; mu guards the fields below and is never held during I/O.
	dialMu     sync.Mutex
	mu         sync.Mutex
	current    Session
	generation uint64
	closed     bool

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

const healthProbePrefix = "health-"

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(policy RetryPolicy) ResilientOption {
	return func(t *ResilientTransport) {
		t.retry = policy
	}
}

// WithCircuitBreaker sets the breaker guarding the endpoint. Sessions of the same transport
// share it.
func WithCircuitBreaker(breaker *CircuitBreaker) ResilientOption {
	return func(t *ResilientTransport) {
		t.breaker = breaker
	}
}

// WithHealthCheck enables ping probes every interval, each bounded by timeout. After threshold
// consecutive failures the session reconnects.
func WithHealthCheck(interval, timeout time.Duration, threshold int) ResilientOption {
	return func(t *ResilientTransport) {
		t.healthEnabled = true
		t.healthInterval = interval
		t.healthTimeout = timeout
		t.healthThreshold = threshold
	}
}

// WithBreakerOptions configures the breaker the transport creates when WithCircuitBreaker is
// not given.
func WithBreakerOptions(options ...BreakerOption) ResilientOption {
	return func(t *ResilientTransport) {
		t.breakerOpts = append(t.breakerOpts, options...)
	}
}

// WithResilientDedup sizes the per-session cache of inbound request ids.
func WithResilientDedup(size int, ttl time.Duration) ResilientOption {
	return func(t *ResilientTransport) {
		t.dedupSize = size
		t.dedupTTL = ttl
	}
}

// WithResilientMetrics sets the metrics shared by the transport's components.
func WithResilientMetrics(metrics *Metrics) ResilientOption {
	return func(t *ResilientTransport) {
		t.metrics = metrics
	}
}

// WithResilientLogger sets the logger for the transport.
func WithResilientLogger(logger *slog.Logger) ResilientOption {
	return func(t *ResilientTransport) {
		t.logger = logger
	}
}

// NewResilientTransport wraps base.
func NewResilientTransport(base ClientTransport, options ...ResilientOption) *ResilientTransport {
	t := &ResilientTransport{
		base:   base,
		retry:  DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	if t.breaker == nil {
		t.breaker = NewCircuitBreaker(slices.Concat(
			[]BreakerOption{WithBreakerMetrics(t.metrics), WithBreakerLogger(t.logger)},
			t.breakerOpts)...)
	}

	userOnRetry := t.retry.OnRetry
	t.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		t.metrics.retryAttempt()
		t.logger.Warn("retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("err", err.Error()))
		if userOnRetry != nil {
			userOnRetry(attempt, err, delay)
		}
	}
	return t
}

// Breaker returns the circuit breaker guarding the endpoint.
func (t *ResilientTransport) Breaker() *CircuitBreaker {
	return t.breaker
}

// StartSession connects the base transport, retrying per the policy.
func (t *ResilientTransport) StartSession(ctx context.Context) (Session, error) {
	sCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, gCtx := errgroup.WithContext(sCtx)

	s := &resilientSession{
		t:  t,
		id: uuid.New().String(),
		dedup: NewDedupCache(t.dedupSize, t.dedupTTL,
			WithDedupMetrics(t.metrics),
			WithDedupLogger(t.logger)),
		probes: NewPendingTable(WithPendingLogger(t.logger)),
		ctx:    sCtx,
		cancel: cancel,
		group:  group,
	}

	err := t.retry.Do(ctx, func(ctx context.Context) error {
		_, _, err := s.ensure(ctx)
		return err
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	if t.healthEnabled {
		s.health = NewHealthChecker(s.probe,
			WithHealthInterval(t.healthInterval),
			WithHealthTimeout(t.healthTimeout),
			WithHealthThreshold(t.healthThreshold),
			WithHealthResult(s.healthResult),
			WithHealthUnhealthy(s.unhealthy),
			WithHealthMetrics(t.metrics),
			WithHealthLogger(t.logger))
		group.Go(func() error {
			return s.health.Run(gCtx)
		})
	}
	return s, nil
}

func (s *resilientSession) ID() string {
	return s.id
}

// Send retries connection-level failures, reconnecting before each new attempt.
func (s *resilientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	return s.t.retry.Do(ctx, func(ctx context.Context) error {
		sess, gen, err := s.ensure(ctx)
		if err != nil {
			return err
		}
		err = s.t.breaker.Execute(ctx, func(ctx context.Context) error {
			return sess.Send(ctx, msg)
		})
		if err != nil && s.t.retry.retryable(err) {
			s.invalidate(gen)
		}
		return err
	})
}

// Messages yields messages across reconnects. Duplicate requests and health-probe responses are
// consumed here and never reach the caller.
func (s *resilientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		reconnect := s.t.retry
		reconnect.Condition = func(err error) bool {
			return errors.Is(err, ErrCircuitOpen) || s.t.retry.retryable(err)
		}

		for {
			var sess Session
			var gen uint64
			err := reconnect.Do(s.ctx, func(ctx context.Context) error {
				var err error
				sess, gen, err = s.ensure(ctx)
				return err
			})
			if err != nil {
				if s.ctx.Err() == nil {
					s.t.logger.Error("giving up reconnecting", slog.String("err", err.Error()))
				}
				return
			}

			for msg := range sess.Messages() {
				if s.consumeProbe(msg) {
					continue
				}
				if msg.IsRequest() && s.dedup.Seen(msg.ID) {
					continue
				}
				if !yield(msg) {
					return
				}
			}

			if s.ctx.Err() != nil {
				return
			}
			s.t.logger.Warn("connection lost, reconnecting", slog.String("session", s.id))
			s.invalidate(gen)
		}
	}
}

func (s *resilientSession) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cur := s.current
		s.current = nil
		s.mu.Unlock()

		s.cancel()
		if cur != nil {
			cur.Stop()
		}
		_ = s.group.Wait()
		s.probes.Close(ErrDisconnected)
	})
}

// ensure returns the live base session, connecting a new one through the breaker if needed.
func (s *resilientSession) ensure(ctx context.Context) (Session, uint64, error) {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	cur, gen, closed := s.current, s.generation, s.closed
	s.mu.Unlock()
	if closed {
		return nil, 0, ErrDisconnected
	}
	if cur != nil {
		return cur, gen, nil
	}

	var sess Session
	err := s.t.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		sess, err = s.t.base.StartSession(ctx)
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.Stop()
		return nil, 0, ErrDisconnected
	}
	s.generation++
	s.current = sess
	gen = s.generation
	s.mu.Unlock()

	s.t.logger.Info("connected", slog.String("session", s.id), slog.Uint64("generation", gen))
	return sess, gen, nil
}

// invalidate drops the base session of generation gen, so the next operation reconnects. A stale
// generation is ignored, which keeps two failing senders from tearing down a fresh connection.
func (s *resilientSession) invalidate(gen uint64) {
	s.mu.Lock()
	if s.generation != gen || s.current == nil {
		s.mu.Unlock()
		return
	}
	old := s.current
	s.current = nil
	s.mu.Unlock()

	old.Stop()
}

func (s *resilientSession) probe(ctx context.Context) error {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}

	id := StringID(healthProbePrefix + uuid.New().String())
	waiter, err := s.probes.Register(id, MethodPing, s.t.healthTimeout)
	if err != nil {
		return err
	}
	msg, err := newRequest(id, MethodPing, nil)
	if err != nil {
		s.probes.Fail(id, err)
		return err
	}
	if err := sess.Send(ctx, msg); err != nil {
		s.probes.Fail(id, err)
		return err
	}

	_, err = waiter.Wait(ctx)
	// Any answer, even an error object, proves the peer is reachable.
	var jErr JSONRPCError
	if errors.As(err, &jErr) {
		return nil
	}
	return err
}

func (s *resilientSession) consumeProbe(msg JSONRPCMessage) bool {
	if !msg.IsResponse() || msg.ID.IsNumber() || !strings.HasPrefix(msg.ID.String(), healthProbePrefix) {
		return false
	}
	s.probes.Resolve(msg.ID, msg)
	return true
}

func (s *resilientSession) healthResult(err error) {
	s.t.breaker.Observe(err)
}

func (s *resilientSession) unhealthy(failures int) {
	s.t.logger.Warn("peer unhealthy, forcing reconnect", slog.Int("consecutiveFailures", failures))

	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	s.invalidate(gen)
}

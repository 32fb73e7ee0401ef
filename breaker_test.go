package mcp_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/resilient-mcp"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func TestCircuitBreakerTransitions(t *testing.T) {
	clock := newFakeClock()

	var transitions []string
	breaker := mcp.NewCircuitBreaker(
		mcp.WithBreakerThreshold(3),
		mcp.WithBreakerCooldown(10*time.Second),
		mcp.WithBreakerClock(clock.Now),
		mcp.WithBreakerStateChange(func(from, to mcp.BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}))

	require.NoError(t, breaker.Allow())
	assert.Equal(t, mcp.StateClosed, breaker.State())

	for range 2 {
		breaker.RecordFailure()
	}
	assert.Equal(t, mcp.StateClosed, breaker.State())
	assert.Equal(t, 2, breaker.Failures())

	breaker.RecordFailure()
	assert.Equal(t, mcp.StateOpen, breaker.State())
	require.ErrorIs(t, breaker.Allow(), mcp.ErrCircuitOpen)

	// Still cooling down.
	clock.Advance(9 * time.Second)
	require.ErrorIs(t, breaker.Allow(), mcp.ErrCircuitOpen)

	// The first caller after the cooldown gets the probe, everyone else is rejected.
	clock.Advance(time.Second)
	require.NoError(t, breaker.Allow())
	assert.Equal(t, mcp.StateHalfOpen, breaker.State())
	require.ErrorIs(t, breaker.Allow(), mcp.ErrCircuitOpen)

	breaker.RecordSuccess()
	assert.Equal(t, mcp.StateClosed, breaker.State())
	assert.Zero(t, breaker.Failures())

	assert.Equal(t, []string{
		"closed->open",
		"open->half-open",
		"half-open->closed",
	}, transitions)
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	breaker := mcp.NewCircuitBreaker(
		mcp.WithBreakerThreshold(1),
		mcp.WithBreakerCooldown(time.Second),
		mcp.WithBreakerClock(clock.Now))

	breaker.RecordFailure()
	require.Equal(t, mcp.StateOpen, breaker.State())

	clock.Advance(time.Second)
	require.NoError(t, breaker.Allow())
	breaker.RecordFailure()
	assert.Equal(t, mcp.StateOpen, breaker.State())

	// A new cooldown starts from the failed probe.
	clock.Advance(500 * time.Millisecond)
	require.ErrorIs(t, breaker.Allow(), mcp.ErrCircuitOpen)
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	breaker := mcp.NewCircuitBreaker(mcp.WithBreakerThreshold(3))

	breaker.RecordFailure()
	breaker.RecordFailure()
	breaker.RecordSuccess()
	breaker.RecordFailure()
	breaker.RecordFailure()

	assert.Equal(t, mcp.StateClosed, breaker.State())
}

func TestCircuitBreakerExecute(t *testing.T) {
	clock := newFakeClock()
	breaker := mcp.NewCircuitBreaker(
		mcp.WithBreakerThreshold(2),
		mcp.WithBreakerCooldown(time.Second),
		mcp.WithBreakerClock(clock.Now))
	errBoom := errors.New("boom")

	calls := 0
	fail := func(context.Context) error {
		calls++
		return errBoom
	}

	require.ErrorIs(t, breaker.Execute(context.Background(), fail), errBoom)
	require.ErrorIs(t, breaker.Execute(context.Background(), fail), errBoom)
	require.ErrorIs(t, breaker.Execute(context.Background(), fail), mcp.ErrCircuitOpen)
	assert.Equal(t, 2, calls, "an open circuit must not run the operation")

	clock.Advance(time.Second)
	require.NoError(t, breaker.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, mcp.StateClosed, breaker.State())
}

func TestCircuitBreakerExecuteCancelledProbe(t *testing.T) {
	clock := newFakeClock()
	breaker := mcp.NewCircuitBreaker(
		mcp.WithBreakerThreshold(1),
		mcp.WithBreakerCooldown(time.Second),
		mcp.WithBreakerClock(clock.Now))

	breaker.RecordFailure()
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := breaker.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)

	// The probe slot was given back, so another caller may probe.
	assert.Equal(t, mcp.StateHalfOpen, breaker.State())
	require.NoError(t, breaker.Allow())
}

func TestCircuitBreakerReset(t *testing.T) {
	breaker := mcp.NewCircuitBreaker(mcp.WithBreakerThreshold(1))
	breaker.RecordFailure()
	require.Equal(t, mcp.StateOpen, breaker.State())

	breaker.Reset()
	assert.Equal(t, mcp.StateClosed, breaker.State())
	require.NoError(t, breaker.Allow())
}

func TestCircuitBreakerObserve(t *testing.T) {
	clock := newFakeClock()
	breaker := mcp.NewCircuitBreaker(
		mcp.WithBreakerThreshold(2),
		mcp.WithBreakerCooldown(time.Second),
		mcp.WithBreakerClock(clock.Now))

	// Closed: observations count like any other outcome.
	breaker.Observe(errors.New("no pong"))
	assert.Equal(t, 1, breaker.Failures())
	breaker.Observe(nil)
	assert.Zero(t, breaker.Failures())
	breaker.Observe(errors.New("no pong"))
	breaker.Observe(errors.New("no pong"))
	require.Equal(t, mcp.StateOpen, breaker.State())

	// Open: a successful check does not close the circuit early.
	breaker.Observe(nil)
	assert.Equal(t, mcp.StateOpen, breaker.State())

	// Half-open: only the probe holding the slot decides.
	clock.Advance(time.Second)
	require.NoError(t, breaker.Allow())
	breaker.Observe(nil)
	assert.Equal(t, mcp.StateHalfOpen, breaker.State())
	breaker.Observe(errors.New("no pong"))
	assert.Equal(t, mcp.StateHalfOpen, breaker.State())
	require.ErrorIs(t, breaker.Allow(), mcp.ErrCircuitOpen)

	breaker.RecordSuccess()
	assert.Equal(t, mcp.StateClosed, breaker.State())
}

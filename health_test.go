package mcp_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/resilient-mcp"
)

func TestHealthCheckerCheck(t *testing.T) {
	errDown := errors.New("down")
	var fail atomic.Bool

	var mu sync.Mutex
	var results []error
	var unhealthy []int

	checker := mcp.NewHealthChecker(func(context.Context) error {
		if fail.Load() {
			return errDown
		}
		return nil
	},
		mcp.WithHealthThreshold(2),
		mcp.WithHealthResult(func(err error) {
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		}),
		mcp.WithHealthUnhealthy(func(failures int) {
			mu.Lock()
			unhealthy = append(unhealthy, failures)
			mu.Unlock()
		}))

	ctx := context.Background()
	require.NoError(t, checker.Check(ctx))
	assert.True(t, checker.Healthy())

	fail.Store(true)
	require.ErrorIs(t, checker.Check(ctx), errDown)
	assert.True(t, checker.Healthy())
	require.ErrorIs(t, checker.Check(ctx), errDown)
	assert.False(t, checker.Healthy())
	require.ErrorIs(t, checker.Check(ctx), errDown)
	require.ErrorIs(t, checker.Check(ctx), errDown)
	assert.Equal(t, 4, checker.ConsecutiveFailures())

	fail.Store(false)
	require.NoError(t, checker.Check(ctx))
	assert.Zero(t, checker.ConsecutiveFailures())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, results, 6)
	assert.Equal(t, []int{2, 4}, unhealthy)
}

func TestHealthCheckerProbeTimeout(t *testing.T) {
	checker := mcp.NewHealthChecker(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, mcp.WithHealthTimeout(10*time.Millisecond))

	err := checker.Check(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, checker.ConsecutiveFailures())
}

func TestHealthCheckerShutdownIsNotAFailure(t *testing.T) {
	checker := mcp.NewHealthChecker(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, checker.Check(ctx))
	assert.Zero(t, checker.ConsecutiveFailures())
}

func TestHealthCheckerRun(t *testing.T) {
	var probes atomic.Int32
	checker := mcp.NewHealthChecker(func(context.Context) error {
		probes.Add(1)
		return nil
	}, mcp.WithHealthInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- checker.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return probes.Load() >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

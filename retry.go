package mcp

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryCondition decides whether a failed operation may be attempted again.
type RetryCondition func(err error) bool

// RetryPolicy computes exponential backoff delays and decides which failures are retried.
//
// The delay before retry n (starting at 0) is min(BaseDelay * Multiplier^n, MaxDelay), spread by
// a random factor in [1-Jitter, 1+Jitter] so reconnecting clients do not stampede together.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is a fraction between 0 and 1.
	Jitter float64

	// Condition defaults to DefaultRetryCondition.
	Condition RetryCondition
	// OnRetry, if set, is called before sleeping for the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

var (
	defaultRetryMaxAttempts = 5
	defaultRetryBaseDelay   = 100 * time.Millisecond
	defaultRetryMaxDelay    = 10 * time.Second
	defaultRetryMultiplier  = 2.0
	defaultRetryJitter      = 0.2
)

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultRetryMaxAttempts,
		BaseDelay:   defaultRetryBaseDelay,
		MaxDelay:    defaultRetryMaxDelay,
		Multiplier:  defaultRetryMultiplier,
		Jitter:      defaultRetryJitter,
		Condition:   DefaultRetryCondition,
	}
}

// Delay returns the backoff before the retry following the given zero-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		j := math.Min(p.Jitter, 1)
		d *= 1 - j + 2*j*rand.Float64()
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether err, returned by the given zero-based attempt, deserves another
// attempt.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt+1 >= p.maxAttempts() {
		return false
	}
	cond := p.Condition
	if cond == nil {
		cond = DefaultRetryCondition
	}
	return cond(err)
}

// Do runs op until it succeeds, returns an error the policy does not retry, runs out of
// attempts, or ctx ends. Errors that are not retried are returned as is; running out of attempts
// wraps the last error.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	maxAttempts := p.maxAttempts()
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err, attempt) {
			if attempt+1 >= maxAttempts && attempt > 0 && p.retryable(err) {
				return fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, err)
			}
			return err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Condition == nil {
		return DefaultRetryCondition(err)
	}
	return p.Condition(err)
}

// Package retry wraps dependency calls with bounded exponential backoff and
// jitter. The executor never mutates entity state; terminal handling belongs
// to the worker.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"

	"audiobook-orchestrator/internal/faults"
)

// Policy specifies the retry budget for one operation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	// Retryable decides which failures are worth another attempt. Nil means
	// DefaultRetryable.
	Retryable func(error) bool

	// sleep is injectable for tests; nil uses a context-aware timer.
	sleep func(ctx context.Context, d time.Duration) error
}

// WithSleep returns a copy of the policy with a custom sleep function.
func (p Policy) WithSleep(fn func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = fn
	return p
}

// DefaultRetryable retries timeouts, connection failures, and 5xx-class
// dependency errors. Client faults (4xx-equivalent) and empty-content
// failures are never retried.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, faults.ErrNoContent) {
		return false
	}
	if faults.IsClientFault(err) {
		return false
	}
	if faults.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var depErr *faults.DependencyError
	if errors.As(err, &depErr) {
		return depErr.StatusCode == 0 || depErr.StatusCode >= 500
	}
	return false
}

// Do runs op up to policy.MaxAttempts times. Delay for attempt n (0-indexed)
// is min(base*factor^n, cap) plus uniform jitter up to 10% of the computed
// delay, so concurrently-failing jobs do not retry in lockstep. An open
// breaker surfaces immediately without consuming an attempt.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) (any, error)) (any, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Factor <= 0 {
		policy.Factor = 2
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	sleep := policy.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, Delay(policy, attempt-1)); err != nil {
				return nil, err
			}
		}
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, faults.ErrDependencyUnavailable) || errors.Is(err, faults.ErrDeferJob) {
			return nil, err
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// Delay computes the backoff for the given 0-indexed attempt, jitter included.
func Delay(policy Policy, attempt int) time.Duration {
	base := float64(policy.BaseDelay) * math.Pow(policy.Factor, float64(attempt))
	d := time.Duration(base)
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

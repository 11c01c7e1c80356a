// Package resilience provides the retry/timeout harness and circuit breaker
// every outbound LLM and tool call runs through.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/crewforge/crewforge/core"
)

// BackoffKind selects the delay schedule between attempts.
type BackoffKind string

const (
	BackoffConstant    BackoffKind = "constant"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
	BackoffFibonacci   BackoffKind = "fibonacci"
)

// Options configures one Run invocation.
type Options struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Backoff       BackoffKind
	BackoffFactor float64
	Jitter        bool
	JitterFactor  float64 // in [0, 1]
	// Timeout bounds each individual attempt. Zero disables it.
	Timeout time.Duration
	// OperationName labels timeout errors for diagnostics.
	OperationName string
	// Retryable decides whether an error is worth another attempt. Nil
	// falls back to core.IsRetryable semantics, except that when every
	// error should be retried use AlwaysRetry.
	Retryable func(err error, attempt int) bool
}

// AlwaysRetry retries every error until attempts are exhausted.
func AlwaysRetry(error, int) bool { return true }

// DefaultOptions mirrors the config defaults.
func DefaultOptions() *Options {
	return &Options{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Backoff:       BackoffExponential,
		BackoffFactor: 2.0,
		Jitter:        true,
		JitterFactor:  0.25,
	}
}

// ExhaustedError is the terminal error after the last failed attempt.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// delaySchedule yields the back-off delay before attempt n+1 after attempt
// n (1-indexed) failed. The constant and exponential kinds ride on the
// backoff library; linear is closed-form and fibonacci advances a running
// pair of terms on each call.
type delaySchedule interface {
	next(attempt int) time.Duration
}

type backoffAdapter struct{ bo backoff.BackOff }

func (a backoffAdapter) next(int) time.Duration { return a.bo.NextBackOff() }

type linearSchedule struct{ d0 time.Duration }

func (s linearSchedule) next(attempt int) time.Duration {
	return time.Duration(int64(s.d0) * int64(attempt))
}

type fibonacciSchedule struct {
	d0   time.Duration
	a, b int64
}

func (s *fibonacciSchedule) next(int) time.Duration {
	d := time.Duration(int64(s.d0) * s.a)
	s.a, s.b = s.b, s.a+s.b
	return d
}

func newSchedule(opts *Options) delaySchedule {
	switch opts.Backoff {
	case BackoffConstant:
		return backoffAdapter{bo: backoff.NewConstantBackOff(opts.InitialDelay)}
	case BackoffLinear:
		return linearSchedule{d0: opts.InitialDelay}
	case BackoffFibonacci:
		return &fibonacciSchedule{d0: opts.InitialDelay, a: 1, b: 1}
	default:
		// The backoff library initializes its interval lazily on the first
		// NextBackOff call; jitter is applied by this harness, not the
		// library, so randomization stays off.
		return backoffAdapter{bo: &backoff.ExponentialBackOff{
			InitialInterval:     opts.InitialDelay,
			RandomizationFactor: 0,
			Multiplier:          opts.BackoffFactor,
			MaxInterval:         opts.MaxDelay,
		}}
	}
}

// Run executes op with retry, per-attempt timeout, and back-off. The
// context cancels both in-flight attempts and pending back-off sleeps.
func Run(ctx context.Context, opts *Options, op func(ctx context.Context) error) error {
	if opts == nil {
		opts = DefaultOptions()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	factor := opts.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}
	resolved := *opts
	resolved.BackoffFactor = factor
	if resolved.InitialDelay <= 0 {
		resolved.InitialDelay = 100 * time.Millisecond
	}
	if resolved.MaxDelay <= 0 {
		resolved.MaxDelay = 30 * time.Second
	}
	retryable := resolved.Retryable
	if retryable == nil {
		retryable = func(err error, _ int) bool { return core.IsRetryable(err) }
	}
	schedule := newSchedule(&resolved)

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				// Cancelled before the first invocation: op never ran.
				return core.NewFrameworkError("resilience.Run", core.KindTimeout, err)
			}
			return &ExhaustedError{Attempts: attempts, LastErr: lastErr}
		}

		err := runAttempt(ctx, &resolved, op)
		attempts = attempt
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == maxAttempts || !retryable(err, attempt) {
			break
		}

		delay := clampDelay(schedule.next(attempt), &resolved)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &ExhaustedError{Attempts: attempts, LastErr: lastErr}
		case <-timer.C:
		}
	}
	return &ExhaustedError{Attempts: attempts, LastErr: lastErr}
}

// runAttempt applies the per-attempt timeout. The timeout signal merges
// with the external cancel: either one aborts the attempt.
func runAttempt(ctx context.Context, opts *Options, op func(ctx context.Context) error) error {
	if opts.Timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(attemptCtx) }()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return core.NewFrameworkError("resilience.timeout", core.KindTimeout,
				fmt.Errorf("%s exceeded timeout of %v: %w", opts.OperationName, opts.Timeout, core.ErrTimeout)).
				WithID(opts.OperationName)
		}
		return attemptCtx.Err()
	}
}

// clampDelay applies jitter then clamps to [initialDelay, maxDelay].
func clampDelay(delay time.Duration, opts *Options) time.Duration {
	if opts.Jitter && opts.JitterFactor > 0 {
		j := opts.JitterFactor
		if j > 1 {
			j = 1
		}
		factor := 1 + (rand.Float64()*2-1)*j
		delay = time.Duration(float64(delay) * factor)
	}
	if delay < opts.InitialDelay {
		delay = opts.InitialDelay
	}
	if delay > opts.MaxDelay {
		delay = opts.MaxDelay
	}
	return delay
}

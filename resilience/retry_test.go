package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crewforge/crewforge/core"
)

func TestRunSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Run(context.Background(), &Options{MaxAttempts: 3, Retryable: AlwaysRetry}, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRunExponentialBackoffDelays(t *testing.T) {
	var timestamps []time.Time
	stub := errors.New("stub failure")
	err := Run(context.Background(), &Options{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      time.Second,
		Backoff:       BackoffExponential,
		BackoffFactor: 2,
		Jitter:        false,
		Retryable:     AlwaysRetry,
	}, func(ctx context.Context) error {
		timestamps = append(timestamps, time.Now())
		return stub
	})

	if len(timestamps) != 3 {
		t.Fatalf("expected exactly 3 invocations, got %d", len(timestamps))
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %T %v", err, err)
	}
	if exhausted.Attempts != 3 || !errors.Is(exhausted, stub) {
		t.Fatalf("terminal error = %+v, want attempts 3 wrapping stub", exhausted)
	}

	gap1 := timestamps[1].Sub(timestamps[0])
	gap2 := timestamps[2].Sub(timestamps[1])
	if gap1 < 10*time.Millisecond || gap1 > 18*time.Millisecond {
		t.Fatalf("first delay %v, want ~10ms", gap1)
	}
	if gap2 < 20*time.Millisecond || gap2 > 35*time.Millisecond {
		t.Fatalf("second delay %v, want ~20ms", gap2)
	}
}

func TestRunLinearAndFibonacciSchedules(t *testing.T) {
	lin := linearSchedule{d0: 10 * time.Millisecond}
	for n, want := range map[int]time.Duration{1: 10 * time.Millisecond, 2: 20 * time.Millisecond, 3: 30 * time.Millisecond} {
		if got := lin.next(n); got != want {
			t.Fatalf("linear(%d) = %v, want %v", n, got, want)
		}
	}

	fib := &fibonacciSchedule{d0: 10 * time.Millisecond, a: 1, b: 1}
	wants := []time.Duration{10, 10, 20, 30, 50}
	for i, w := range wants {
		if got := fib.next(i + 1); got != w*time.Millisecond {
			t.Fatalf("fib #%d = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
}

func TestRunMaxAttemptsOneInvokesOnce(t *testing.T) {
	calls := 0
	err := Run(context.Background(), &Options{MaxAttempts: 1, Retryable: AlwaysRetry}, func(ctx context.Context) error {
		calls++
		return errors.New("nope")
	})
	if calls != 1 {
		t.Fatalf("maxAttempts=1 must invoke exactly once, got %d", calls)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 1 {
		t.Fatalf("unexpected terminal error %v", err)
	}
}

func TestRunCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Run(ctx, DefaultOptions(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Fatalf("cancel before first attempt must skip invocation, got %d calls", calls)
	}
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRunCancelAbortsBackoffSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Run(ctx, &Options{
		MaxAttempts:  2,
		InitialDelay: 5 * time.Second,
		MaxDelay:     5 * time.Second,
		Backoff:      BackoffConstant,
		Retryable:    AlwaysRetry,
	}, func(ctx context.Context) error {
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancellation did not abort the back-off sleep (took %v)", elapsed)
	}
}

func TestRunPerAttemptTimeout(t *testing.T) {
	err := Run(context.Background(), &Options{
		MaxAttempts:   1,
		Timeout:       20 * time.Millisecond,
		OperationName: "slow-op",
	}, func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if !errors.Is(exhausted.LastErr, core.ErrTimeout) {
		t.Fatalf("timeout should surface core.ErrTimeout, got %v", exhausted.LastErr)
	}
}

func TestRunNonRetryableStopsEarly(t *testing.T) {
	calls := 0
	fatal := core.NewFrameworkError("op", core.KindValidation, errors.New("bad input"))
	err := Run(context.Background(), &Options{MaxAttempts: 5, InitialDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return fatal
	})
	if calls != 1 {
		t.Fatalf("validation errors are not retryable, expected 1 call got %d", calls)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 1 {
		t.Fatalf("unexpected terminal error %v", err)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		RecoveryTimeout:  20 * time.Millisecond,
		SuccessThreshold: 1,
	})
	ctx := context.Background()
	fail := func() error { return errors.New("down") }
	ok := func() error { return nil }

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if err := cb.Execute(ctx, ok); !errors.Is(err, core.ErrRequestFailed) {
		t.Fatalf("open circuit should reject, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("half-open probe should pass through, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", cb.State())
	}
}

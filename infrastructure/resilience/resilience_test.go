package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []string
	cb := New(Config{
		MaxFailures: 3,
		Timeout:     time.Minute,
		HalfOpenMax: 1,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	boom := errors.New("redis down")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: err = %v, want boom", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %v after 3 failures, want open", cb.State())
	}
	if err := cb.Execute(ctx, func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker returned %v, want ErrCircuitOpen", err)
	}
	if len(transitions) == 0 || transitions[0] != "closed->open" {
		t.Errorf("transitions = %v, want closed->open first", transitions)
	}
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	cb := New(DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("Execute() = %v on success path", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestRetryCountsAttempts(t *testing.T) {
	attempts := 0
	boom := errors.New("conflict")
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}, func() error {
		attempts++
		return boom
	})

	if !errors.Is(err, boom) {
		t.Fatalf("Retry() = %v, want boom", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	attempts := 0
	fatal := errors.New("invalid state")
	err := Retry(context.Background(), DefaultRetryConfig(), func() error {
		attempts++
		return backoff.Permanent(fatal)
	})

	if !errors.Is(err, fatal) {
		t.Fatalf("Retry() = %v, want fatal", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a permanent error", attempts)
	}
}

func TestRetrySucceedsMidway(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
	}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry() = %v, want nil once fn succeeds", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

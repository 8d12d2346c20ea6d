package clock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestScheduler_FiresInOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := NewFixed(base)
	s := NewScheduler(fc, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	var mu sync.Mutex
	var fired []string
	done := make(chan struct{}, 3)

	register := func(key string, after time.Duration) {
		s.Register(base.Add(after), key, func(_ context.Context, k string) {
			mu.Lock()
			fired = append(fired, k)
			mu.Unlock()
			done <- struct{}{}
		})
	}

	register("c", 30*time.Millisecond)
	register("a", 10*time.Millisecond)
	register("b", 20*time.Millisecond)

	fc.Advance(10 * time.Millisecond)
	<-done
	fc.Advance(10 * time.Millisecond)
	<-done
	fc.Advance(10 * time.Millisecond)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 3 {
		t.Fatalf("fired = %v, want 3 entries", fired)
	}
	if fired[0] != "a" || fired[1] != "b" || fired[2] != "c" {
		t.Errorf("fired order = %v, want [a b c]", fired)
	}
}

func TestScheduler_ReRegisterCancelsPrior(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := NewFixed(base)
	s := NewScheduler(fc, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	var mu sync.Mutex
	var count int
	done := make(chan struct{}, 2)

	s.Register(base.Add(10*time.Millisecond), "tx_1", func(_ context.Context, _ string) {
		mu.Lock()
		count++
		mu.Unlock()
		done <- struct{}{}
	})
	// Re-register same key to a later deadline; the first must not fire.
	s.Register(base.Add(50*time.Millisecond), "tx_1", func(_ context.Context, _ string) {
		mu.Lock()
		count++
		mu.Unlock()
		done <- struct{}{}
	})

	fc.Advance(60 * time.Millisecond)
	<-done

	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count = %d, want 1 (only the re-registered timer should fire)", count)
	}
}

func TestScheduler_Cancel(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := NewFixed(base)
	s := NewScheduler(fc, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	fired := make(chan struct{}, 1)
	s.Register(base.Add(10*time.Millisecond), "tx_2", func(_ context.Context, _ string) {
		fired <- struct{}{}
	})
	s.Cancel("tx_2")

	if s.Pending("tx_2") {
		t.Errorf("Pending(tx_2) = true after Cancel, want false")
	}

	fc.Advance(20 * time.Millisecond)
	select {
	case <-fired:
		t.Errorf("cancelled timer fired")
	case <-time.After(40 * time.Millisecond):
	}
}

func TestScheduler_StoppedRejectsRegister(t *testing.T) {
	fc := NewFixed(time.Now())
	s := NewScheduler(fc, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	s.Stop()
	cancel()

	if err := s.Register(time.Now(), "x", func(context.Context, string) {}); err != ErrSchedulerStopped {
		t.Errorf("Register after Stop = %v, want ErrSchedulerStopped", err)
	}
}

package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDrainCountsInFlight(t *testing.T) {
	gs := NewGracefulShutdown()

	if !gs.Add() {
		t.Fatal("Add() refused before shutdown")
	}
	if !gs.Add() {
		t.Fatal("second Add() refused")
	}
	if gs.InFlight() != 2 {
		t.Errorf("InFlight() = %d, want 2", gs.InFlight())
	}

	gs.Done()
	gs.Done()
	if gs.InFlight() != 0 {
		t.Errorf("InFlight() = %d after Done, want 0", gs.InFlight())
	}
}

func TestDrainRefusesAfterShutdown(t *testing.T) {
	gs := NewGracefulShutdown()
	gs.Shutdown()

	if gs.Add() {
		t.Error("Add() admitted a request after Shutdown")
	}
	if !gs.IsShuttingDown() {
		t.Error("IsShuttingDown() = false after Shutdown")
	}

	// A second Shutdown must not panic on the closed channel.
	gs.Shutdown()
}

func TestShutdownChClosesOnce(t *testing.T) {
	gs := NewGracefulShutdown()

	select {
	case <-gs.ShutdownCh():
		t.Fatal("ShutdownCh closed before Shutdown")
	default:
	}

	gs.Shutdown()

	select {
	case <-gs.ShutdownCh():
	case <-time.After(time.Second):
		t.Fatal("ShutdownCh not closed after Shutdown")
	}
}

func TestWaitBlocksUntilDrained(t *testing.T) {
	gs := NewGracefulShutdown()
	gs.Add()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- gs.Wait(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Wait returned %v while a request was in flight", err)
	default:
	}

	gs.Done()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait() = %v after drain", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the last Done")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	gs := NewGracefulShutdown()
	gs.Add() // never released

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := gs.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want deadline exceeded", err)
	}

	if err := gs.WaitWithTimeout(50 * time.Millisecond); err == nil {
		t.Error("WaitWithTimeout() = nil with a stuck request")
	}
}

func TestConcurrentAddDone(t *testing.T) {
	gs := NewGracefulShutdown()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if gs.Add() {
				time.Sleep(time.Millisecond)
				gs.Done()
			}
		}()
	}
	wg.Wait()

	if gs.InFlight() != 0 {
		t.Errorf("InFlight() = %d after all workers finished", gs.InFlight())
	}
}

func TestHookOrdering(t *testing.T) {
	h := NewHooks()
	var order []string

	h.OnPreStartNamed("open-store", func(ctx context.Context) error {
		order = append(order, "pre-1")
		return nil
	})
	h.OnPreStart(func(ctx context.Context) error {
		order = append(order, "pre-2")
		return nil
	})
	h.OnPostStopNamed("close-store", func(ctx context.Context) error {
		order = append(order, "post-stop-1")
		return nil
	})
	h.OnPostStopNamed("stop-cron", func(ctx context.Context) error {
		order = append(order, "post-stop-2")
		return nil
	})

	ctx := context.Background()
	if err := h.RunPreStart(ctx); err != nil {
		t.Fatalf("RunPreStart: %v", err)
	}
	if err := h.RunPostStop(ctx); err != nil {
		t.Fatalf("RunPostStop: %v", err)
	}

	want := []string{"pre-1", "pre-2", "post-stop-2", "post-stop-1"}
	if len(order) != len(want) {
		t.Fatalf("ran %d hooks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q (post-stop must run in reverse)", i, order[i], want[i])
		}
	}
}

func TestHookErrorStopsPhase(t *testing.T) {
	h := NewHooks()
	boom := errors.New("boom")
	var ranSecond bool

	h.OnPreStartNamed("first", func(ctx context.Context) error { return boom })
	h.OnPreStart(func(ctx context.Context) error {
		ranSecond = true
		return nil
	})

	err := h.RunPreStart(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("RunPreStart() = %v, want wrapped boom", err)
	}
	if !strings.Contains(err.Error(), `"first"`) {
		t.Errorf("error %q does not name the failing hook", err)
	}
	if ranSecond {
		t.Error("second hook ran after the first failed")
	}
}

func TestNilHookIgnored(t *testing.T) {
	h := NewHooks()
	h.OnPreStart(nil)
	h.OnPostStop(nil)

	if err := h.RunPreStart(context.Background()); err != nil {
		t.Errorf("RunPreStart() = %v with only nil hooks", err)
	}
	if err := h.RunPostStop(context.Background()); err != nil {
		t.Errorf("RunPostStop() = %v with only nil hooks", err)
	}
}

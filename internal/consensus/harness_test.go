package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/consensus-ledger/internal/clock"
	"github.com/R3E-Network/consensus-ledger/internal/eventbus"
	"github.com/R3E-Network/consensus-ledger/internal/storage"
	"github.com/R3E-Network/consensus-ledger/pkg/config"
	"github.com/R3E-Network/consensus-ledger/pkg/logger"
)

// testConfig returns a ConsensusConfig with the default timing windows;
// tests cross them by advancing a fixed clock rather than by waiting.
func testConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		TInitial:        24 * time.Hour,
		TReceive:        48 * time.Hour,
		WDispute:        72 * time.Hour,
		TEvidence:       48 * time.Hour,
		VAuto:           500,
		TrustHistoryCap: 1024,
		EventQueueCap:   256,
		ConflictRetries: 5,
		FreezeGrace:     2 * time.Hour,
	}
}

// harness bundles a started Coordinator over in-memory stores and a fixed
// clock, so each test can advance time deterministically instead of
// sleeping for the happy path, and poll only for the async event-bus hops
// (trust and compensation engines) that genuinely run on their own
// goroutine.
type harness struct {
	clk    *clock.Fixed
	stores *storage.Stores
	bus    *eventbus.Bus
	sched  *clock.Scheduler
	coord  *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	stores := storage.NewMemoryStores()
	log := logger.NewDefault("consensus_test")
	bus := eventbus.New(log)
	sched := clock.NewScheduler(clk, time.Millisecond)
	coord := New(stores, bus, sched, clk, testConfig(), log)
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Coordinator.Start() error = %v", err)
	}
	t.Cleanup(coord.Stop)
	return &harness{clk: clk, stores: stores, bus: bus, sched: sched, coord: coord}
}

// waitForCondition polls cond until it returns true or a short deadline
// elapses, for assertions on work completed asynchronously by an event-bus
// subscriber.
func waitForCondition(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

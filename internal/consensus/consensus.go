// Package consensus implements the two-party consensus engine's inner
// components: the transaction state machine, the dispute engine, the
// compensation engine, the trust engine, the emergency stop controller,
// and the coordinator façade that wires them together the way
// infrastructure/transaction.Transaction's saga steps wire a multi-entity
// write into one commit.
//
// Each engine is pure decision logic wrapped around a persistence step:
// read the current entity, compute the next state, save with optimistic
// concurrency, and only then touch the scheduler or event bus. Conflicts are
// retried transparently by internal/retry; every other error kind aborts
// the attempt and is returned to the caller unchanged.
package consensus

import (
	"github.com/R3E-Network/consensus-ledger/internal/clock"
	"github.com/R3E-Network/consensus-ledger/internal/eventbus"
	"github.com/R3E-Network/consensus-ledger/internal/storage"
	"github.com/R3E-Network/consensus-ledger/pkg/config"
	"github.com/R3E-Network/consensus-ledger/pkg/logger"
)

// initialTimeoutKey, receiveTimeoutKey and evidenceTimeoutKey name the
// scheduler entries the timer wheel guarantees at most one pending
// registration for, per transaction or dispute.
func initialTimeoutKey(txID string) string { return "tx:initial:" + txID }
func receiveTimeoutKey(txID string) string { return "tx:receive:" + txID }
func evidenceTimeoutKey(disputeID string) string { return "dispute:evidence:" + disputeID }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// deps bundles the collaborators every engine in this package is built
// from, so constructors stay one line each.
type deps struct {
	stores *storage.Stores
	bus    *eventbus.Bus
	sched  *clock.Scheduler
	clk    clock.Clock
	cfg    config.ConsensusConfig
	log    *logger.Logger
}

package consensus

import (
	"context"
	"time"

	svcerrors "github.com/R3E-Network/consensus-ledger/infrastructure/errors"
	"github.com/R3E-Network/consensus-ledger/internal/clock"
	"github.com/R3E-Network/consensus-ledger/internal/domain"
	"github.com/R3E-Network/consensus-ledger/internal/eventbus"
	"github.com/R3E-Network/consensus-ledger/internal/policy"
	"github.com/R3E-Network/consensus-ledger/internal/storage"
	"github.com/R3E-Network/consensus-ledger/pkg/config"
	"github.com/R3E-Network/consensus-ledger/pkg/logger"
)

// Coordinator is the single external entry point wiring the
// transaction state machine, dispute engine, compensation engine, trust
// engine, emergency stop controller, and policy gateway into one façade.
// Every exported method here is the operation a caller (HTTP handler, RPC
// stub, batch job) invokes; the internal engines never talk to each other
// except through the event bus or the explicit references wired in New.
type Coordinator struct {
	stores *storage.Stores
	bus    *eventbus.Bus
	sched  *clock.Scheduler
	clk    clock.Clock
	cfg    config.ConsensusConfig
	gw     *policy.Gateway
	log    *logger.Logger

	TxMachine *TxMachine
	Disputes  *DisputeEngine
	Comp      *CompensationEngine
	Trust     *TrustEngine
	Emergency *EmergencyStopController
}

// New builds the full engine graph over stores with constructor injection:
// leaf engines first (trust depends on no other engine), then the engines that call
// into them. The policy gateway
// reads the trust store directly on every check; use NewWithTierCache to
// front it with a cache.
func New(stores *storage.Stores, bus *eventbus.Bus, sched *clock.Scheduler, clk clock.Clock, cfg config.ConsensusConfig, log *logger.Logger) *Coordinator {
	return newCoordinator(stores, bus, sched, clk, cfg, nil, log)
}

// NewWithTierCache builds the same engine graph as New, but fronts the
// policy gateway's trust lookups with cache — the in-process
// TTL cache by default, or the Redis-backed implementation for multi-
// instance deployments.
func NewWithTierCache(stores *storage.Stores, bus *eventbus.Bus, sched *clock.Scheduler, clk clock.Clock, cfg config.ConsensusConfig, cache policy.TierCache, log *logger.Logger) *Coordinator {
	return newCoordinator(stores, bus, sched, clk, cfg, cache, log)
}

func newCoordinator(stores *storage.Stores, bus *eventbus.Bus, sched *clock.Scheduler, clk clock.Clock, cfg config.ConsensusConfig, cache policy.TierCache, log *logger.Logger) *Coordinator {
	trust := NewTrustEngine(stores, bus, clk, cfg, log)
	var gw *policy.Gateway
	if cache != nil {
		gw = policy.NewWithCache(trust, policy.Config{VAuto: cfg.VAuto}, cache)
	} else {
		gw = policy.New(trust, policy.Config{VAuto: cfg.VAuto})
	}
	txm := NewTxMachine(stores, bus, sched, clk, cfg, gw, log)
	comp := NewCompensationEngine(stores, bus, sched, clk, cfg, txm, gw, log)
	disputes := NewDisputeEngine(stores, bus, sched, clk, cfg, txm, comp, gw, log)
	emergency := NewEmergencyStopController(stores, bus, clk, cfg, txm, gw, log)

	return &Coordinator{
		stores:    stores,
		bus:       bus,
		sched:     sched,
		clk:       clk,
		cfg:       cfg,
		gw:        gw,
		log:       log,
		TxMachine: txm,
		Disputes:  disputes,
		Comp:      comp,
		Trust:     trust,
		Emergency: emergency,
	}
}

// Start restores any checkpointed trust records the store is missing,
// subscribes the trust and compensation engines, starts the deadline
// scheduler, and re-arms every pending timer from persisted state — the
// recovery path a restart relies on.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.Trust.RestoreAll(ctx); err != nil {
		return err
	}
	if err := c.Trust.Start(ctx); err != nil {
		return err
	}
	if err := c.Comp.Start(ctx); err != nil {
		return err
	}
	if err := c.rehydrate(ctx); err != nil {
		return err
	}
	c.sched.Start(ctx)
	return nil
}

// Stop tears down the scheduler and bus subscriptions.
func (c *Coordinator) Stop() {
	c.sched.Stop()
	c.bus.Stop()
}

// rehydrate re-registers scheduler timers for every non-terminal
// transaction and open dispute, so a process restart loses no deadline.
func (c *Coordinator) rehydrate(ctx context.Context) error {
	txs, err := c.stores.Transactions.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if tx.Frozen || tx.TimeoutAt.IsZero() {
			continue
		}
		switch tx.State {
		case domain.TxInitiated:
			c.TxMachine.armInitialTimeout(tx.ID, tx.TimeoutAt)
		case domain.TxSenderConfirmed:
			c.TxMachine.armReceiveTimeout(tx.ID, tx.TimeoutAt)
		}
	}

	disputes, err := c.stores.Disputes.ListOpenWithEvidenceDueBefore(ctx, c.clk.Now().Add(100*365*24*time.Hour))
	if err != nil {
		return err
	}
	for _, d := range disputes {
		dd := d
		c.sched.Register(dd.EvidenceDue, evidenceTimeoutKey(dd.ID), func(cctx context.Context, _ string) {
			c.Disputes.fireEvidenceTimeout(cctx, dd.ID)
		})
	}
	return nil
}

// CreateTransaction opens a new transfer between two distinct participants.
func (c *Coordinator) CreateTransaction(ctx context.Context, principalID string, in CreateTransactionInput) (*domain.Transaction, error) {
	return c.TxMachine.Create(ctx, principalID, in)
}

// CreateBatch creates several transactions in one call, gated on the
// batch_operations_allowed benefit. Items that fail to create are reported
// per index but do not roll back items that already succeeded.
type BatchItemResult struct {
	Index int
	Tx    *domain.Transaction
	Err   error
}

func (c *Coordinator) CreateBatch(ctx context.Context, principalID string, items []CreateTransactionInput) ([]BatchItemResult, error) {
	if err := c.gw.CanCreateBatch(ctx, principalID); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, svcerrors.MissingParameter("items")
	}

	results := make([]BatchItemResult, len(items))
	for i, in := range items {
		tx, err := c.TxMachine.Create(ctx, principalID, in)
		results[i] = BatchItemResult{Index: i, Tx: tx, Err: err}
	}
	return results, nil
}

// ConfirmSent records the sender's shipping attestation.
func (c *Coordinator) ConfirmSent(ctx context.Context, txID, principal string, evidence *domain.Evidence) error {
	return c.TxMachine.ConfirmSent(ctx, txID, principal, evidence)
}

// ConfirmReceived records the receiver's acceptance, validating the transfer.
func (c *Coordinator) ConfirmReceived(ctx context.Context, txID, principal, condition string) error {
	return c.TxMachine.ConfirmReceived(ctx, txID, principal, condition)
}

// GetTransaction returns a single transaction by id.
func (c *Coordinator) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	return c.stores.Transactions.Get(ctx, txID)
}

// ListTransactions returns every transaction the participant is a party to.
func (c *Coordinator) ListTransactions(ctx context.Context, principal string) ([]*domain.Transaction, error) {
	return c.stores.Transactions.ListByParticipant(ctx, principal)
}

// OpenDispute raises a dispute on a transaction by one of its parties.
func (c *Coordinator) OpenDispute(ctx context.Context, txID, principal string, dtype domain.DisputeType, reason string) (*domain.Dispute, error) {
	return c.Disputes.OpenDispute(ctx, txID, principal, dtype, reason)
}

// AddEvidence appends an evidence entry to an open dispute.
func (c *Coordinator) AddEvidence(ctx context.Context, disputeID, principal string, kind domain.EvidenceKind, description string, fileRefs []string) (string, error) {
	return c.Disputes.AddEvidence(ctx, disputeID, principal, kind, description, fileRefs)
}

// ResolveDispute applies an arbitrator's write-once decision.
func (c *Coordinator) ResolveDispute(ctx context.Context, disputeID string, arbitrator policy.Principal, decision domain.ResolutionDecision, requiredAction domain.RequiredAction, compensationAmount float64, notes string) error {
	return c.Disputes.Resolve(ctx, disputeID, arbitrator, decision, requiredAction, compensationAmount, notes)
}

// GetDispute returns a single dispute by id.
func (c *Coordinator) GetDispute(ctx context.Context, disputeID string) (*domain.Dispute, error) {
	return c.stores.Disputes.Get(ctx, disputeID)
}

// ApproveCompensation releases a pending compensation follow-up.
func (c *Coordinator) ApproveCompensation(ctx context.Context, parentTxID string, approver policy.Principal) error {
	return c.Comp.Approve(ctx, parentTxID, approver)
}

// RejectCompensation declines a pending compensation and closes the parent.
func (c *Coordinator) RejectCompensation(ctx context.Context, parentTxID string, rejecter policy.Principal, reason string) error {
	return c.Comp.Reject(ctx, parentTxID, rejecter, reason)
}

// GetTrust returns a participant's current trust record.
func (c *Coordinator) GetTrust(ctx context.Context, participantID string) (*domain.ParticipantTrust, error) {
	return c.Trust.Get(ctx, participantID)
}

// GetTrustHistory returns the participant's recorded score deltas.
func (c *Coordinator) GetTrustHistory(ctx context.Context, participantID string) ([]domain.TrustDelta, error) {
	return c.Trust.History(ctx, participantID)
}

// Leaderboard returns the top n participants by score.
func (c *Coordinator) Leaderboard(ctx context.Context, n int) ([]*domain.ParticipantTrust, error) {
	return c.Trust.Leaderboard(ctx, n)
}

// TriggerEmergencyStop freezes the in-scope live transactions.
func (c *Coordinator) TriggerEmergencyStop(ctx context.Context, principal policy.Principal, reason string, scope []string) (*domain.EmergencyStop, error) {
	return c.Emergency.Trigger(ctx, principal, reason, scope)
}

// ResumeEmergencyStop unfreezes a stop's transactions and closes it.
func (c *Coordinator) ResumeEmergencyStop(ctx context.Context, principal policy.Principal, stopID string) error {
	return c.Emergency.Resume(ctx, principal, stopID)
}

// GetEmergencyStatus returns an emergency stop record by id.
func (c *Coordinator) GetEmergencyStatus(ctx context.Context, stopID string) (*domain.EmergencyStop, error) {
	return c.Emergency.Status(ctx, stopID)
}

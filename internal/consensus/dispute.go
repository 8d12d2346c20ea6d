package consensus

import (
	"context"

	svcerrors "github.com/R3E-Network/consensus-ledger/infrastructure/errors"
	"github.com/R3E-Network/consensus-ledger/internal/clock"
	"github.com/R3E-Network/consensus-ledger/internal/domain"
	"github.com/R3E-Network/consensus-ledger/internal/eventbus"
	"github.com/R3E-Network/consensus-ledger/internal/policy"
	"github.com/R3E-Network/consensus-ledger/internal/retry"
	"github.com/R3E-Network/consensus-ledger/internal/storage"
	"github.com/R3E-Network/consensus-ledger/pkg/config"
	"github.com/R3E-Network/consensus-ledger/pkg/logger"
)

// DisputeEngine owns the dispute lifecycle: evidence accumulation and
// arbitration. Resolution calls back into the transaction state machine and,
// when a remedy is required, hands off to the compensation engine — all
// inside the same unit of work so a dispute never resolves without its
// transaction following suit.
type DisputeEngine struct {
	deps
	txm  *TxMachine
	comp *CompensationEngine
	gw   *policy.Gateway
}

// NewDisputeEngine builds a DisputeEngine over stores, coordinating with txm
// for state transitions and comp for remedy follow-up.
func NewDisputeEngine(stores *storage.Stores, bus *eventbus.Bus, sched *clock.Scheduler, clk clock.Clock, cfg config.ConsensusConfig, txm *TxMachine, comp *CompensationEngine, gw *policy.Gateway, log *logger.Logger) *DisputeEngine {
	return &DisputeEngine{deps: deps{stores: stores, bus: bus, sched: sched, clk: clk, cfg: cfg, log: log}, txm: txm, comp: comp, gw: gw}
}

// OpenDispute validates the dispute guard via TxMachine, creates the
// Dispute record, and commits both in one unit of work.
func (e *DisputeEngine) OpenDispute(ctx context.Context, txID, principal string, dtype domain.DisputeType, reason string) (*domain.Dispute, error) {
	var result *domain.Dispute
	err := retry.OnConflict(ctx, e.cfg.ConflictRetries, func() error {
		tx, err := e.stores.Transactions.Get(ctx, txID)
		if err != nil {
			return err
		}
		beforeTx := tx.Clone()

		now := e.clk.Now()
		d := &domain.Dispute{
			ID:            domain.NewID("disp"),
			TransactionID: txID,
			Initiator:     principal,
			Type:          dtype,
			Status:        domain.DisputeOpen,
			Reason:        reason,
			OpenedAt:      now,
			EvidenceDue:   now.Add(e.cfg.TEvidence),
		}
		if principal == tx.Receiver {
			d.Respondent = tx.Sender
		} else {
			d.Respondent = tx.Receiver
		}

		if err := e.txm.TransitionToDisputed(tx, principal, d.ID); err != nil {
			return err
		}

		uow := storage.NewUnitOfWork(e.stores)
		uow.SaveTransaction(tx, beforeTx.Version, beforeTx)
		uow.SaveDispute(d, 0, nil)
		if err := uow.Commit(ctx); err != nil {
			return err
		}

		e.sched.Cancel(initialTimeoutKey(txID))
		e.sched.Cancel(receiveTimeoutKey(txID))
		e.sched.Register(d.EvidenceDue, evidenceTimeoutKey(d.ID), func(cctx context.Context, _ string) {
			e.fireEvidenceTimeout(cctx, d.ID)
		})

		e.bus.Publish(eventbus.TopicDisputeOpened, domain.DisputeOpenedEvent{DisputeID: d.ID, TransactionID: txID, Initiator: principal})
		result = d
		return nil
	})
	return result, err
}

// AddEvidence appends an append-only evidence entry. Only the two dispute
// parties may append — the arbitrator is not pre-assigned in this data
// model, so arbitration-time evidence review happens through
// ResolveDispute's notes instead.
func (e *DisputeEngine) AddEvidence(ctx context.Context, disputeID, principal string, kind domain.EvidenceKind, description string, fileRefs []string) (string, error) {
	var entryID string
	err := retry.OnConflict(ctx, e.cfg.ConflictRetries, func() error {
		d, err := e.stores.Disputes.Get(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status == domain.DisputeResolved {
			return svcerrors.InvalidState("dispute is already resolved")
		}
		if principal != d.Initiator && principal != d.Respondent {
			return svcerrors.Forbidden("only a party to the dispute may submit evidence")
		}

		before := d.Clone()
		now := e.clk.Now()
		entryID = domain.NewEvidenceID(now)
		d.Evidence = append(d.Evidence, domain.EvidenceEntry{
			ID: entryID, SubmittedBy: principal, Timestamp: now, Kind: kind, Description: description, FileRefs: fileRefs,
		})
		if d.Status == domain.DisputeOpen {
			d.Status = domain.DisputeInvestigating
		}
		if err := e.stores.Disputes.Save(ctx, d, before.Version); err != nil {
			return err
		}
		e.bus.Publish(eventbus.TopicDisputeEvidenceAdded, domain.DisputeEvidenceAddedEvent{
			DisputeID: d.ID, TransactionID: d.TransactionID, EntryID: entryID, SubmittedBy: principal,
		})
		return nil
	})
	return entryID, err
}

// Resolve is the arbitrator's write-once decision. It maps the decision
// onto the transaction state and, when the decision
// favors the receiver with a non-NONE required action, hands off to the
// compensation engine to gate or create the follow-up transfer.
func (e *DisputeEngine) Resolve(ctx context.Context, disputeID string, arbitrator policy.Principal, decision domain.ResolutionDecision, requiredAction domain.RequiredAction, compensationAmount float64, notes string) error {
	var (
		tx *domain.Transaction
		d  *domain.Dispute
	)
	err := retry.OnConflict(ctx, e.cfg.ConflictRetries, func() error {
		var err error
		d, err = e.stores.Disputes.Get(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Resolution != nil {
			return svcerrors.InvalidState("dispute resolution is write-once")
		}
		tx, err = e.stores.Transactions.Get(ctx, d.TransactionID)
		if err != nil {
			return err
		}
		if tx.State != domain.TxDisputed {
			return svcerrors.InvalidState("transaction is not in a disputed state")
		}
		if err := e.gw.CanResolveDispute(arbitrator, tx); err != nil {
			return err
		}
		if decision == domain.DecisionInFavorReceiver && requiredAction != domain.ActionNone && !domain.ActionAllowed(d.Type, requiredAction) {
			return svcerrors.InvalidInput("requiredAction", "not a permitted remedy for this dispute type")
		}

		beforeD := d.Clone()
		beforeTx := tx.Clone()
		now := e.clk.Now()

		d.Resolution = &domain.Resolution{
			Decision: decision, RequiredAction: requiredAction, CompensationAmount: compensationAmount,
			ResolvedBy: arbitrator.ID, ResolvedAt: now, Notes: notes,
		}
		if decision == domain.DecisionEscalate {
			d.Status = domain.DisputeEscalated
		} else {
			d.Status = domain.DisputeResolved
		}
		if decision == domain.DecisionInFavorReceiver && requiredAction == domain.ActionNone {
			d.Resolution.ActionCompleted = true
		}
		if decision == domain.DecisionSplit || decision == domain.DecisionNoFault {
			d.Resolution.ActionCompleted = true
		}

		e.txm.ApplyDisputeResolution(tx, decision, requiredAction, now)

		uow := storage.NewUnitOfWork(e.stores)
		uow.SaveDispute(d, beforeD.Version, beforeD)
		uow.SaveTransaction(tx, beforeTx.Version, beforeTx)
		return uow.Commit(ctx)
	})
	if err != nil {
		return err
	}

	e.bus.Publish(eventbus.TopicDisputeResolved, domain.DisputeResolvedEvent{
		DisputeID: d.ID, TransactionID: tx.ID, Decision: decision, Initiator: d.Initiator, Sender: tx.Sender, Receiver: tx.Receiver,
	})
	if decision == domain.DecisionEscalate {
		e.bus.Publish(eventbus.TopicDisputeEscalated, domain.DisputeEscalatedEvent{DisputeID: d.ID, TransactionID: tx.ID})
		return nil
	}
	if decision == domain.DecisionInFavorReceiver && requiredAction != domain.ActionNone {
		return e.comp.CreateOrGate(ctx, tx, d, requiredAction, compensationAmount)
	}
	return nil
}

// fireEvidenceTimeout auto-escalates a dispute whose initiator supplied no
// evidence before the evidence window elapsed. Idempotent: a dispute already past
// OPEN/INVESTIGATING, or with initiator evidence on file, is left alone.
// Only the dispute record moves to ESCALATED; the parent transaction stays
// DISPUTED until an arbitrator resolves it (the escalation is a routing
// signal to arbitration, not a transaction-level state on its own).
func (e *DisputeEngine) fireEvidenceTimeout(ctx context.Context, disputeID string) {
	err := retry.OnConflict(ctx, e.cfg.ConflictRetries, func() error {
		d, err := e.stores.Disputes.Get(ctx, disputeID)
		if err != nil {
			if svcerrors.Is(err, svcerrors.ErrCodeNotFound) {
				return nil
			}
			return err
		}
		if d.Status != domain.DisputeOpen && d.Status != domain.DisputeInvestigating {
			return nil
		}
		for _, ev := range d.Evidence {
			if ev.SubmittedBy == d.Initiator {
				return nil
			}
		}
		before := d.Clone()
		d.Status = domain.DisputeEscalated
		if err := e.stores.Disputes.Save(ctx, d, before.Version); err != nil {
			return err
		}
		e.bus.Publish(eventbus.TopicDisputeEscalated, domain.DisputeEscalatedEvent{DisputeID: d.ID, TransactionID: d.TransactionID})
		return nil
	})
	if err != nil {
		e.log.WithField("dispute_id", disputeID).WithError(err).Error("evidence timeout escalation failed")
	}
}

package consensus

import (
	"context"
	"time"

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

// TxMachine holds the canonical transaction state transitions, guards, and
// invariants. Every transition is a versioned read-modify-write wrapped by
// retry.OnConflict, so concurrent contenders on the same transaction either
// succeed exactly once per attempt or no-op.
type TxMachine struct {
	deps
	gw *policy.Gateway
}

// NewTxMachine builds a TxMachine over stores, publishing to bus and
// scheduling deadlines on sched, gated by gw's tier-benefit lookups.
func NewTxMachine(stores *storage.Stores, bus *eventbus.Bus, sched *clock.Scheduler, clk clock.Clock, cfg config.ConsensusConfig, gw *policy.Gateway, log *logger.Logger) *TxMachine {
	return &TxMachine{deps: deps{stores: stores, bus: bus, sched: sched, clk: clk, cfg: cfg, log: log}, gw: gw}
}

// CreateTransactionInput is the payload for Create.
type CreateTransactionInput struct {
	Sender, Receiver string
	ItemID           string
	ItemType         domain.ItemType
	Quantity         float64
	Value            float64
	Metadata         map[string]string
}

// Create validates and persists a new transaction, entering the happy-path
// INITIATED state or, for two PLATINUM parties trading at or under the
// auto-approval ceiling, skipping straight to VALIDATED with AutoApproved
// set.
func (m *TxMachine) Create(ctx context.Context, principalID string, in CreateTransactionInput) (*domain.Transaction, error) {
	if err := validateCreate(principalID, in); err != nil {
		return nil, err
	}

	active, err := m.stores.EmergencyStops.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, es := range active {
		if len(es.Scope) == 0 {
			return nil, svcerrors.Stopped(es.ID)
		}
	}

	now := m.clk.Now()
	tx := &domain.Transaction{
		ID:       domain.NewID("tx"),
		Sender:   in.Sender,
		Receiver: in.Receiver,
		ItemID:   in.ItemID,
		ItemType: in.ItemType,
		Quantity: in.Quantity,
		Value:    in.Value,
		Metadata: in.Metadata,
		Created:  now,
	}

	if m.gw.AutoApprovalEligible(ctx, in.Sender, in.Receiver, in.Value) {
		tx.State = domain.TxValidated
		tx.SenderConfirmedAt = now
		tx.ReceiverConfirmedAt = now
		tx.TerminalAt = now
		tx.AutoApproved = true
		if err := m.stores.Transactions.Save(ctx, tx, 0); err != nil {
			return nil, err
		}
		m.bus.Publish(eventbus.TopicTransactionValidated, domain.TransactionValidatedEvent{
			TxID: tx.ID, Sender: tx.Sender, Receiver: tx.Receiver, Value: tx.Value, AutoApproved: true,
		})
		return tx, nil
	}

	tx.State = domain.TxInitiated
	tx.TimeoutAt = now.Add(m.initialWindow(ctx, in.Sender))
	if err := m.stores.Transactions.Save(ctx, tx, 0); err != nil {
		return nil, err
	}
	m.armInitialTimeout(tx.ID, tx.TimeoutAt)
	m.bus.Publish(eventbus.TopicTransactionCreated, tx.Clone())
	return tx, nil
}

func validateCreate(principalID string, in CreateTransactionInput) error {
	if in.Sender == "" {
		return svcerrors.MissingParameter("sender")
	}
	if in.Receiver == "" {
		return svcerrors.MissingParameter("receiver")
	}
	if in.Sender == in.Receiver {
		return svcerrors.InvalidInput("receiver", "sender and receiver must be distinct")
	}
	if in.Quantity <= 0 {
		return svcerrors.OutOfRange("quantity", 0, nil)
	}
	if in.Value < 0 {
		return svcerrors.OutOfRange("value", 0, nil)
	}
	if principalID != in.Sender {
		return svcerrors.Forbidden("only the sender may initiate a transaction")
	}
	return nil
}

// ConfirmSent implements the senderConfirm guard.
func (m *TxMachine) ConfirmSent(ctx context.Context, txID, principal string, evidence *domain.Evidence) error {
	return retry.OnConflict(ctx, m.cfg.ConflictRetries, func() error {
		tx, err := m.stores.Transactions.Get(ctx, txID)
		if err != nil {
			return err
		}
		if tx.State != domain.TxInitiated {
			return svcerrors.InvalidState("transaction is not awaiting sender confirmation")
		}
		if tx.Frozen {
			return svcerrors.Stopped(tx.EmergencyStopID)
		}
		if principal != tx.Sender {
			return svcerrors.Forbidden("only the sender may confirm shipment")
		}

		before := tx.Clone()
		tx.SenderConfirmedAt = m.clk.Now()
		tx.SenderEvidence = evidence
		tx.State = domain.TxSenderConfirmed
		tx.TimeoutAt = tx.SenderConfirmedAt.Add(m.receiveWindow(ctx, tx))
		if err := m.stores.Transactions.Save(ctx, tx, before.Version); err != nil {
			return err
		}

		m.sched.Cancel(initialTimeoutKey(tx.ID))
		m.armReceiveTimeout(tx.ID, tx.TimeoutAt)
		m.bus.Publish(eventbus.TopicTransactionConfirmed, tx.Clone())
		return nil
	})
}

// ConfirmReceived implements the receiverConfirm guard; on success the
// transaction reaches VALIDATED, a terminal state.
func (m *TxMachine) ConfirmReceived(ctx context.Context, txID, principal, condition string) error {
	return retry.OnConflict(ctx, m.cfg.ConflictRetries, func() error {
		tx, err := m.stores.Transactions.Get(ctx, txID)
		if err != nil {
			return err
		}
		if tx.State != domain.TxSenderConfirmed {
			return svcerrors.InvalidState("transaction is not awaiting receiver confirmation")
		}
		if tx.Frozen {
			return svcerrors.Stopped(tx.EmergencyStopID)
		}
		if principal != tx.Receiver {
			return svcerrors.Forbidden("only the receiver may confirm receipt")
		}

		before := tx.Clone()
		now := m.clk.Now()
		tx.ReceiverConfirmedAt = now
		tx.ReceiverEvidence = &domain.Evidence{Text: condition}
		tx.State = domain.TxValidated
		tx.TerminalAt = now
		if err := m.stores.Transactions.Save(ctx, tx, before.Version); err != nil {
			return err
		}

		m.sched.Cancel(receiveTimeoutKey(tx.ID))
		m.bus.Publish(eventbus.TopicTransactionValidated, domain.TransactionValidatedEvent{
			TxID: tx.ID, Sender: tx.Sender, Receiver: tx.Receiver, Value: tx.Value, AutoApproved: false,
		})
		return nil
	})
}

// TransitionToDisputed mutates tx in place, validating the dispute guard,
// but does not persist: the dispute engine's OpenDispute commits this
// alongside the new Dispute record in one unit of work, keeping the
// at-most-one-active-dispute rule and the Dispute-Transaction linkage
// atomic.
func (m *TxMachine) TransitionToDisputed(tx *domain.Transaction, principal, disputeID string) error {
	if tx.DisputeID != "" {
		return svcerrors.InvalidState("transaction already has an active dispute")
	}
	if !tx.IsParty(principal) {
		return svcerrors.Forbidden("only a party to the transaction may open a dispute")
	}
	if !m.disputeEligible(tx) {
		return svcerrors.InvalidState("transaction is not eligible for dispute in its current state")
	}
	tx.State = domain.TxDisputed
	tx.DisputeID = disputeID
	return nil
}

// disputeEligible: VALIDATED remains disputable within the grace window of
// its terminal timestamp; every other eligible state admits a
// dispute unconditionally.
func (m *TxMachine) disputeEligible(tx *domain.Transaction) bool {
	switch tx.State {
	case domain.TxInitiated, domain.TxSenderConfirmed, domain.TxTimeout:
		return true
	case domain.TxValidated:
		if tx.TerminalAt.IsZero() {
			return false
		}
		return !m.clk.Now().After(tx.TerminalAt.Add(m.cfg.WDispute))
	default:
		return false
	}
}

// ApplyDisputeResolution mutates tx per a dispute resolution's decision,
// leaving persistence to the caller's unit of work (the dispute engine,
// which commits the Dispute and Transaction together).
func (m *TxMachine) ApplyDisputeResolution(tx *domain.Transaction, decision domain.ResolutionDecision, requiredAction domain.RequiredAction, now time.Time) {
	switch decision {
	case domain.DecisionInFavorSender:
		tx.State = domain.TxValidated
		tx.TerminalAt = now
	case domain.DecisionInFavorReceiver:
		if requiredAction == domain.ActionNone {
			tx.State = domain.TxCancelled
			tx.TerminalAt = now
		} else {
			tx.State = domain.TxCompensating
		}
	case domain.DecisionSplit, domain.DecisionNoFault:
		tx.State = domain.TxResolved
		tx.TerminalAt = now
	case domain.DecisionEscalate:
		tx.State = domain.TxEscalated
	}
}

// Freeze toggles frozen on a non-terminal transaction and cancels its
// active timer; resume re-arms with a grace extension via Unfreeze.
func (m *TxMachine) Freeze(ctx context.Context, txID, stopID string) error {
	return retry.OnConflict(ctx, m.cfg.ConflictRetries, func() error {
		tx, err := m.stores.Transactions.Get(ctx, txID)
		if err != nil {
			return err
		}
		if tx.State.Terminal() || tx.Frozen {
			return nil
		}
		before := tx.Clone()
		tx.Frozen = true
		tx.EmergencyStopID = stopID
		if err := m.stores.Transactions.Save(ctx, tx, before.Version); err != nil {
			return err
		}
		switch tx.State {
		case domain.TxInitiated:
			m.sched.Cancel(initialTimeoutKey(tx.ID))
		case domain.TxSenderConfirmed:
			m.sched.Cancel(receiveTimeoutKey(tx.ID))
		}
		return nil
	})
}

// Unfreeze un-quiesces a transaction and extends its deadline by
// both the freeze duration and the configured grace period before
// re-arming the timer.
func (m *TxMachine) Unfreeze(ctx context.Context, txID string, freezeDuration, grace time.Duration) error {
	return retry.OnConflict(ctx, m.cfg.ConflictRetries, func() error {
		tx, err := m.stores.Transactions.Get(ctx, txID)
		if err != nil {
			return err
		}
		if !tx.Frozen {
			return nil
		}
		before := tx.Clone()
		tx.Frozen = false
		tx.EmergencyStopID = ""
		if !tx.TimeoutAt.IsZero() {
			tx.TimeoutAt = tx.TimeoutAt.Add(freezeDuration).Add(grace)
		}
		if err := m.stores.Transactions.Save(ctx, tx, before.Version); err != nil {
			return err
		}
		switch tx.State {
		case domain.TxInitiated:
			m.armInitialTimeout(tx.ID, tx.TimeoutAt)
		case domain.TxSenderConfirmed:
			m.armReceiveTimeout(tx.ID, tx.TimeoutAt)
		}
		return nil
	})
}

func (m *TxMachine) initialWindow(ctx context.Context, sender string) time.Duration {
	if m.gw.ReducedHoldTime(ctx, sender) {
		return m.cfg.TInitial / 2
	}
	return m.cfg.TInitial
}

func (m *TxMachine) receiveWindow(ctx context.Context, tx *domain.Transaction) time.Duration {
	if m.gw.ReducedHoldTime(ctx, tx.Receiver) {
		return m.cfg.TReceive / 2
	}
	return m.cfg.TReceive
}

func (m *TxMachine) armInitialTimeout(txID string, deadline time.Time) {
	m.sched.Register(deadline, initialTimeoutKey(txID), func(cctx context.Context, _ string) {
		m.fireTimeoutInitial(cctx, txID)
	})
}

func (m *TxMachine) armReceiveTimeout(txID string, deadline time.Time) {
	m.sched.Register(deadline, receiveTimeoutKey(txID), func(cctx context.Context, _ string) {
		m.fireTimeoutReceive(cctx, txID)
	})
}

// fireTimeoutInitial moves an unconfirmed transaction to TIMEOUT. It is
// idempotent: if the transaction already progressed past INITIATED by the
// time the callback runs, or is frozen, it no-ops.
func (m *TxMachine) fireTimeoutInitial(ctx context.Context, txID string) {
	err := retry.OnConflict(ctx, m.cfg.ConflictRetries, func() error {
		tx, err := m.stores.Transactions.Get(ctx, txID)
		if err != nil {
			if svcerrors.Is(err, svcerrors.ErrCodeNotFound) {
				return nil
			}
			return err
		}
		if tx.State != domain.TxInitiated || tx.Frozen {
			return nil
		}
		before := tx.Clone()
		tx.State = domain.TxTimeout
		tx.TerminalAt = m.clk.Now()
		if err := m.stores.Transactions.Save(ctx, tx, before.Version); err != nil {
			return err
		}
		m.bus.Publish(eventbus.TopicTransactionTimeout, domain.TransactionTimeoutEvent{TxID: tx.ID, AttributedParty: tx.Sender})
		return nil
	})
	if err != nil {
		m.log.WithField("tx_id", txID).WithError(err).Error("timeout_initial failed")
	}
}

// fireTimeoutReceive times out a sender-confirmed transaction, attributed
// to the receiver.
func (m *TxMachine) fireTimeoutReceive(ctx context.Context, txID string) {
	err := retry.OnConflict(ctx, m.cfg.ConflictRetries, func() error {
		tx, err := m.stores.Transactions.Get(ctx, txID)
		if err != nil {
			if svcerrors.Is(err, svcerrors.ErrCodeNotFound) {
				return nil
			}
			return err
		}
		if tx.State != domain.TxSenderConfirmed || tx.Frozen {
			return nil
		}
		before := tx.Clone()
		tx.State = domain.TxTimeout
		tx.TerminalAt = m.clk.Now()
		if err := m.stores.Transactions.Save(ctx, tx, before.Version); err != nil {
			return err
		}
		m.bus.Publish(eventbus.TopicTransactionTimeout, domain.TransactionTimeoutEvent{TxID: tx.ID, AttributedParty: tx.Receiver})
		return nil
	})
	if err != nil {
		m.log.WithField("tx_id", txID).WithError(err).Error("timeout_receive failed")
	}
}

package consensus

import (
	"context"
	"fmt"

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

// CompensationEngine turns a dispute's required action into a
// follow-up transaction the two parties two-check like any other, and
// closes the parent out once that follow-up validates.
type CompensationEngine struct {
	deps
	txm *TxMachine
	gw  *policy.Gateway
}

// NewCompensationEngine builds a CompensationEngine over stores, arming
// follow-up transaction timeouts via txm.
func NewCompensationEngine(stores *storage.Stores, bus *eventbus.Bus, sched *clock.Scheduler, clk clock.Clock, cfg config.ConsensusConfig, txm *TxMachine, gw *policy.Gateway, log *logger.Logger) *CompensationEngine {
	return &CompensationEngine{deps: deps{stores: stores, bus: bus, sched: sched, clk: clk, cfg: cfg, log: log}, txm: txm, gw: gw}
}

// Start subscribes to transaction.validated to detect a follow-up
// transaction closing out: when the follow-up reaches VALIDATED, the
// parent transitions COMPENSATING -> RESOLVED.
func (c *CompensationEngine) Start(ctx context.Context) error {
	return c.bus.Subscribe(ctx, eventbus.Subscription{
		ID:       "compensation-engine",
		Topics:   []eventbus.Topic{eventbus.TopicTransactionValidated},
		Handler:  c.onTransactionValidated,
		Mode:     eventbus.QueueBounded,
		Capacity: c.cfg.EventQueueCap,
	})
}

// CreateOrGate is invoked right after a dispute resolves in favor of the
// receiver with a non-NONE required action. When compensationAmount is
// positive it records a PENDING_APPROVAL compensation and waits for
// ApproveCompensation/RejectCompensation; otherwise it creates the
// follow-up transaction immediately.
func (c *CompensationEngine) CreateOrGate(ctx context.Context, parentTx *domain.Transaction, d *domain.Dispute, action domain.RequiredAction, amount float64) error {
	comp := &domain.Compensation{
		ID:         domain.NewID("comp"),
		ParentTxID: parentTx.ID,
		Kind:       domain.RequiredActionToKind(action),
		Status:     domain.CompensationPendingApproval,
	}
	if err := c.stores.Compensations.Save(ctx, comp, 0); err != nil {
		return err
	}
	c.bus.Publish(eventbus.TopicCompensationCreated, comp.Clone())

	if amount <= 0 {
		return c.approveAndCreateFollowUp(ctx, comp.ID, "")
	}
	return nil
}

// Approve implements ApproveCompensation: a manager/admin principal who is
// not a party to the parent transaction authorizes the follow-up transfer.
func (c *CompensationEngine) Approve(ctx context.Context, parentTxID string, approver policy.Principal) error {
	tx, err := c.stores.Transactions.Get(ctx, parentTxID)
	if err != nil {
		return err
	}
	if err := c.gw.CanApproveCompensation(approver, tx); err != nil {
		return err
	}
	comp, err := c.stores.Compensations.GetByParentTx(ctx, parentTxID)
	if err != nil {
		return err
	}
	if comp.Status != domain.CompensationPendingApproval {
		return svcerrors.InvalidState("compensation is not pending approval")
	}
	return c.approveAndCreateFollowUp(ctx, comp.ID, approver.ID)
}

// Reject implements RejectCompensation: the parent transaction closes as
// RESOLVED with actionCompleted=false, and no follow-up is ever created.
func (c *CompensationEngine) Reject(ctx context.Context, parentTxID string, rejecter policy.Principal, reason string) error {
	tx, err := c.stores.Transactions.Get(ctx, parentTxID)
	if err != nil {
		return err
	}
	if err := c.gw.CanApproveCompensation(rejecter, tx); err != nil {
		return err
	}
	comp, err := c.stores.Compensations.GetByParentTx(ctx, parentTxID)
	if err != nil {
		return err
	}
	if comp.Status != domain.CompensationPendingApproval {
		return svcerrors.InvalidState("compensation is not pending approval")
	}

	return retry.OnConflict(ctx, c.cfg.ConflictRetries, func() error {
		comp, err := c.stores.Compensations.GetByParentTx(ctx, parentTxID)
		if err != nil {
			return err
		}
		if comp.Status != domain.CompensationPendingApproval {
			return nil
		}
		parentTx, err := c.stores.Transactions.Get(ctx, parentTxID)
		if err != nil {
			return err
		}
		d, err := c.stores.Disputes.Get(ctx, parentTx.DisputeID)
		if err != nil {
			return err
		}

		beforeComp := comp.Clone()
		beforeTx := parentTx.Clone()
		beforeD := d.Clone()

		comp.Status = domain.CompensationRejected
		parentTx.State = domain.TxResolved
		parentTx.TerminalAt = c.clk.Now()
		if d.Resolution != nil {
			d.Resolution.ActionCompleted = false
			d.Resolution.Notes = fmt.Sprintf("%s; compensation rejected: %s", d.Resolution.Notes, reason)
		}

		uow := storage.NewUnitOfWork(c.stores)
		uow.SaveCompensation(comp, beforeComp.Version, beforeComp)
		uow.SaveTransaction(parentTx, beforeTx.Version, beforeTx)
		uow.SaveDispute(d, beforeD.Version, beforeD)
		if err := uow.Commit(ctx); err != nil {
			return err
		}
		c.bus.Publish(eventbus.TopicCompensationRejected, comp.Clone())
		return nil
	})
}

// approveAndCreateFollowUp creates the remedial transaction and marks the
// compensation IN_PROGRESS. RETURN reverses sender/receiver; RESEND,
// REPLACE, and RESEND_PARTIAL retain the original direction.
func (c *CompensationEngine) approveAndCreateFollowUp(ctx context.Context, compID, approverID string) error {
	return retry.OnConflict(ctx, c.cfg.ConflictRetries, func() error {
		comp, err := c.stores.Compensations.Get(ctx, compID)
		if err != nil {
			return err
		}
		if comp.Status != domain.CompensationPendingApproval {
			return nil
		}
		parentTx, err := c.stores.Transactions.Get(ctx, comp.ParentTxID)
		if err != nil {
			return err
		}

		sender, receiver := parentTx.Sender, parentTx.Receiver
		if comp.Kind == domain.CompensationReturn {
			sender, receiver = receiver, sender
		}

		now := c.clk.Now()
		followUp := &domain.Transaction{
			ID:         domain.NewID("tx"),
			Sender:     sender,
			Receiver:   receiver,
			ItemID:     parentTx.ItemID,
			ItemType:   parentTx.ItemType,
			Quantity:   quantityForKind(comp.Kind, parentTx.Quantity),
			Value:      parentTx.Value,
			Metadata:   parentTx.Metadata,
			State:      domain.TxInitiated,
			Created:    now,
			TimeoutAt:  now.Add(c.cfg.TInitial),
			ParentTxID: parentTx.ID,
		}

		beforeComp := comp.Clone()
		comp.Status = domain.CompensationInProgress
		comp.FollowUpTxID = followUp.ID
		comp.Approver = approverID

		// The follow-up insert goes last: a brand-new entity has no
		// before-snapshot to compensate with, so nothing that can fail may
		// come after it.
		uow := storage.NewUnitOfWork(c.stores)
		uow.SaveCompensation(comp, beforeComp.Version, beforeComp)
		uow.SaveTransaction(followUp, 0, nil)
		if err := uow.Commit(ctx); err != nil {
			return err
		}

		c.txm.armInitialTimeout(followUp.ID, followUp.TimeoutAt)
		c.bus.Publish(eventbus.TopicCompensationApproved, comp.Clone())
		return nil
	})
}

// quantityForKind derives the follow-up's quantity from its remedial kind.
// RESEND_PARTIAL ships half the original quantity; every other kind ships
// the full amount.
func quantityForKind(kind domain.CompensationKind, parentQty float64) float64 {
	if kind == domain.CompensationResendPartial {
		return parentQty / 2
	}
	return parentQty
}

// onTransactionValidated closes out a parent transaction once its
// compensation follow-up validates. At-fault attribution follows the
// dispute's decision: IN_FAVOR_RECEIVER means the sender owed the remedy.
func (c *CompensationEngine) onTransactionValidated(ctx context.Context, evt eventbus.Event) error {
	e, ok := evt.Payload.(domain.TransactionValidatedEvent)
	if !ok {
		return nil
	}
	followUp, err := c.stores.Transactions.Get(ctx, e.TxID)
	if err != nil {
		return err
	}
	if followUp.ParentTxID == "" {
		return nil
	}
	comp, err := c.stores.Compensations.GetByParentTx(ctx, followUp.ParentTxID)
	if err != nil {
		if svcerrors.Is(err, svcerrors.ErrCodeNotFound) {
			return nil
		}
		return err
	}
	if comp.FollowUpTxID != followUp.ID || comp.Status == domain.CompensationCompleted {
		return nil
	}

	var parentTx *domain.Transaction
	var dispute *domain.Dispute
	err = retry.OnConflict(ctx, c.cfg.ConflictRetries, func() error {
		comp, err := c.stores.Compensations.GetByParentTx(ctx, followUp.ParentTxID)
		if err != nil {
			return err
		}
		if comp.Status == domain.CompensationCompleted {
			return nil
		}
		parentTx, err = c.stores.Transactions.Get(ctx, comp.ParentTxID)
		if err != nil {
			return err
		}
		if parentTx.State != domain.TxCompensating {
			return nil
		}
		dispute, err = c.stores.Disputes.Get(ctx, parentTx.DisputeID)
		if err != nil {
			return err
		}

		beforeComp := comp.Clone()
		beforeTx := parentTx.Clone()
		beforeD := dispute.Clone()

		now := c.clk.Now()
		comp.Status = domain.CompensationCompleted
		parentTx.State = domain.TxResolved
		parentTx.TerminalAt = now
		if dispute.Resolution != nil {
			dispute.Resolution.ActionCompleted = true
			dispute.Resolution.FollowUpTxID = followUp.ID
		}

		uow := storage.NewUnitOfWork(c.stores)
		uow.SaveCompensation(comp, beforeComp.Version, beforeComp)
		uow.SaveTransaction(parentTx, beforeTx.Version, beforeTx)
		uow.SaveDispute(dispute, beforeD.Version, beforeD)
		return uow.Commit(ctx)
	})
	if err != nil || parentTx == nil || dispute == nil {
		return err
	}

	atFault := parentTx.Sender
	if dispute.Resolution != nil && dispute.Resolution.Decision == domain.DecisionInFavorSender {
		atFault = parentTx.Receiver
	}
	c.bus.Publish(eventbus.TopicCompensationCompleted, domain.CompensationCompletedEvent{ParentTxID: parentTx.ID, AtFaultParty: atFault})
	return nil
}

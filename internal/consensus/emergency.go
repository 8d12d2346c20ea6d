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

// EmergencyStopController handles operator-triggered freeze/resume of live
// transactions, scoped to a set of ids or to every non-terminal transaction.
type EmergencyStopController struct {
	deps
	txm *TxMachine
	gw  *policy.Gateway
}

// NewEmergencyStopController builds an EmergencyStopController over stores,
// delegating the actual per-transaction freeze/unfreeze to txm.
func NewEmergencyStopController(stores *storage.Stores, bus *eventbus.Bus, clk clock.Clock, cfg config.ConsensusConfig, txm *TxMachine, gw *policy.Gateway, log *logger.Logger) *EmergencyStopController {
	return &EmergencyStopController{deps: deps{stores: stores, bus: bus, clk: clk, cfg: cfg, log: log}, txm: txm, gw: gw}
}

// Trigger creates an emergency stop. scope nil/empty freezes
// every live transaction; a non-empty scope freezes only those ids.
func (c *EmergencyStopController) Trigger(ctx context.Context, principal policy.Principal, reason string, scope []string) (*domain.EmergencyStop, error) {
	if err := c.gw.CanTriggerEmergencyStop(principal); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, svcerrors.MissingParameter("reason")
	}

	es := &domain.EmergencyStop{
		ID:          domain.NewID("estop"),
		TriggeredBy: principal.ID,
		Reason:      reason,
		Scope:       scope,
		StartedAt:   c.clk.Now(),
		Status:      domain.StopActive,
	}
	if err := c.stores.EmergencyStops.Save(ctx, es, 0); err != nil {
		return nil, err
	}

	var txs []*domain.Transaction
	var err error
	if len(scope) == 0 {
		txs, err = c.stores.Transactions.ListNonTerminal(ctx)
	} else {
		for _, id := range scope {
			tx, gerr := c.stores.Transactions.Get(ctx, id)
			if gerr != nil {
				if svcerrors.Is(gerr, svcerrors.ErrCodeNotFound) {
					continue
				}
				return nil, gerr
			}
			txs = append(txs, tx)
		}
	}
	if err != nil {
		return nil, err
	}

	for _, tx := range txs {
		if tx.State.Terminal() {
			continue
		}
		if ferr := c.txm.Freeze(ctx, tx.ID, es.ID); ferr != nil {
			c.log.WithField("tx_id", tx.ID).WithError(ferr).Error("freeze failed during emergency stop")
		}
	}

	c.bus.Publish(eventbus.TopicEmergencyStopTriggered, es.Clone())
	return es, nil
}

// Resume implements ResumeEmergencyStop: it unfreezes every transaction
// still scoped to es, extending each one's deadline by the elapsed freeze
// duration plus the configured grace period.
func (c *EmergencyStopController) Resume(ctx context.Context, principal policy.Principal, stopID string) error {
	if err := c.gw.CanResumeEmergencyStop(principal); err != nil {
		return err
	}

	var es *domain.EmergencyStop
	err := retry.OnConflict(ctx, c.cfg.ConflictRetries, func() error {
		var err error
		es, err = c.stores.EmergencyStops.Get(ctx, stopID)
		if err != nil {
			return err
		}
		if es.Status == domain.StopResumed {
			return nil
		}
		before := es.Clone()
		es.Status = domain.StopResumed
		es.ResumedAt = c.clk.Now()
		return c.stores.EmergencyStops.Save(ctx, es, before.Version)
	})
	if err != nil {
		return err
	}

	freezeDuration := es.ResumedAt.Sub(es.StartedAt)
	if freezeDuration < 0 {
		freezeDuration = 0
	}

	frozen, lerr := c.stores.Transactions.ListNonTerminal(ctx)
	if lerr != nil {
		return lerr
	}
	for _, tx := range frozen {
		if !tx.Frozen || tx.EmergencyStopID != es.ID {
			continue
		}
		if uerr := c.txm.Unfreeze(ctx, tx.ID, freezeDuration, c.cfg.FreezeGrace); uerr != nil {
			c.log.WithField("tx_id", tx.ID).WithError(uerr).Error("unfreeze failed during emergency resume")
		}
	}

	c.bus.Publish(eventbus.TopicEmergencyStopResumed, es.Clone())
	return nil
}

// Status implements GetEmergencyStatus.
func (c *EmergencyStopController) Status(ctx context.Context, stopID string) (*domain.EmergencyStop, error) {
	return c.stores.EmergencyStops.Get(ctx, stopID)
}

// ListActive returns every emergency stop still in force.
func (c *EmergencyStopController) ListActive(ctx context.Context) ([]*domain.EmergencyStop, error) {
	return c.stores.EmergencyStops.ListActive(ctx)
}

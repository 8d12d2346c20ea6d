package storage

import (
	"context"

	"github.com/R3E-Network/consensus-ledger/infrastructure/transaction"
	"github.com/R3E-Network/consensus-ledger/internal/domain"
)

// UnitOfWork groups the entity saves a single coordinator operation makes
// (e.g. resolving a dispute touches both the Dispute and the parent
// Transaction) into one atomic-looking commit, following the saga shape of
// infrastructure/transaction.Transaction: each save is a Step, and a
// best-effort compensating save restores the prior snapshot if a later step
// in the same unit fails.
type UnitOfWork struct {
	stores *Stores
	tx     *transaction.Transaction
}

// NewUnitOfWork starts a unit of work against stores.
func NewUnitOfWork(stores *Stores) *UnitOfWork {
	return &UnitOfWork{stores: stores, tx: transaction.NewTransaction()}
}

// SaveTransaction stages a Transaction save. before is the pre-mutation
// snapshot used to compensate if a later step fails; pass nil for a brand
// new entity.
func (u *UnitOfWork) SaveTransaction(t *domain.Transaction, expectedVersion int64, before *domain.Transaction) {
	u.tx.AddStep("save:transaction:"+t.ID,
		func(ctx context.Context) error {
			return u.stores.Transactions.Save(ctx, t, expectedVersion)
		},
		func(ctx context.Context) error {
			if before == nil {
				return nil
			}
			// The forward step bumped the stored version past the snapshot's;
			// restoring the old contents writes a fresh version on top.
			return u.stores.Transactions.Save(ctx, before.Clone(), before.Version+1)
		},
	)
}

// SaveDispute stages a Dispute save, with the same before-snapshot
// compensation contract as SaveTransaction.
func (u *UnitOfWork) SaveDispute(d *domain.Dispute, expectedVersion int64, before *domain.Dispute) {
	u.tx.AddStep("save:dispute:"+d.ID,
		func(ctx context.Context) error {
			return u.stores.Disputes.Save(ctx, d, expectedVersion)
		},
		func(ctx context.Context) error {
			if before == nil {
				return nil
			}
			return u.stores.Disputes.Save(ctx, before.Clone(), before.Version+1)
		},
	)
}

// SaveTrust stages a ParticipantTrust save.
func (u *UnitOfWork) SaveTrust(pt *domain.ParticipantTrust, expectedVersion int64, before *domain.ParticipantTrust) {
	u.tx.AddStep("save:trust:"+pt.ParticipantID,
		func(ctx context.Context) error {
			return u.stores.Trust.Save(ctx, pt, expectedVersion)
		},
		func(ctx context.Context) error {
			if before == nil {
				return nil
			}
			return u.stores.Trust.Save(ctx, before.Clone(), before.Version+1)
		},
	)
}

// SaveEmergencyStop stages an EmergencyStop save.
func (u *UnitOfWork) SaveEmergencyStop(es *domain.EmergencyStop, expectedVersion int64, before *domain.EmergencyStop) {
	u.tx.AddStep("save:emergencyStop:"+es.ID,
		func(ctx context.Context) error {
			return u.stores.EmergencyStops.Save(ctx, es, expectedVersion)
		},
		func(ctx context.Context) error {
			if before == nil {
				return nil
			}
			return u.stores.EmergencyStops.Save(ctx, before.Clone(), before.Version+1)
		},
	)
}

// SaveCompensation stages a Compensation save.
func (u *UnitOfWork) SaveCompensation(c *domain.Compensation, expectedVersion int64, before *domain.Compensation) {
	u.tx.AddStep("save:compensation:"+c.ID,
		func(ctx context.Context) error {
			return u.stores.Compensations.Save(ctx, c, expectedVersion)
		},
		func(ctx context.Context) error {
			if before == nil {
				return nil
			}
			return u.stores.Compensations.Save(ctx, before.Clone(), before.Version+1)
		},
	)
}

// Commit executes every staged save in order, compensating already-applied
// steps if a later one fails.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	return u.tx.Execute(ctx)
}

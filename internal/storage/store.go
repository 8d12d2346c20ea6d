// Package storage defines the persistence port: storage-engine-agnostic
// interfaces for the five entity families the engines operate on, each
// guarded by optimistic concurrency on the entity's Version field. Callers
// that lose a race get back an errors.Conflict and are expected to reload
// and retry.
package storage

import (
	"context"
	"time"

	"github.com/R3E-Network/consensus-ledger/internal/domain"
)

// TransactionStore persists domain.Transaction values and answers the range
// queries the timeout scanner and trust/leaderboard views need.
type TransactionStore interface {
	Get(ctx context.Context, id string) (*domain.Transaction, error)
	// Save inserts or updates tx. expectedVersion must match the currently
	// stored version (0 for a new entity); a mismatch returns
	// errors.Conflict and leaves the store unchanged.
	Save(ctx context.Context, tx *domain.Transaction, expectedVersion int64) error
	ListByParticipant(ctx context.Context, principal string) ([]*domain.Transaction, error)
	// ListDueByTimeoutBefore returns non-terminal transactions whose
	// TimeoutAt is at or before cutoff. Scheduler rehydrate uses
	// ListNonTerminal instead; only tests call this today.
	ListDueByTimeoutBefore(ctx context.Context, cutoff time.Time) ([]*domain.Transaction, error)
	// ListNonTerminal returns every transaction not yet in a terminal
	// state, for emergency-stop scope=all fan-out and scheduler rehydrate.
	ListNonTerminal(ctx context.Context) ([]*domain.Transaction, error)
}

// DisputeStore persists domain.Dispute values.
type DisputeStore interface {
	Get(ctx context.Context, id string) (*domain.Dispute, error)
	GetByTransaction(ctx context.Context, txID string) (*domain.Dispute, error)
	Save(ctx context.Context, d *domain.Dispute, expectedVersion int64) error
	ListOpenWithEvidenceDueBefore(ctx context.Context, cutoff time.Time) ([]*domain.Dispute, error)
}

// TrustStore persists domain.ParticipantTrust values.
type TrustStore interface {
	Get(ctx context.Context, participantID string) (*domain.ParticipantTrust, error)
	Save(ctx context.Context, pt *domain.ParticipantTrust, expectedVersion int64) error
	// Leaderboard returns the top N participants ordered by Score
	// descending, ties broken by ParticipantID for determinism.
	Leaderboard(ctx context.Context, n int) ([]*domain.ParticipantTrust, error)
}

// EmergencyStopStore persists domain.EmergencyStop values.
type EmergencyStopStore interface {
	Get(ctx context.Context, id string) (*domain.EmergencyStop, error)
	Save(ctx context.Context, es *domain.EmergencyStop, expectedVersion int64) error
	ListActive(ctx context.Context) ([]*domain.EmergencyStop, error)
}

// CompensationStore persists domain.Compensation values.
type CompensationStore interface {
	Get(ctx context.Context, id string) (*domain.Compensation, error)
	GetByParentTx(ctx context.Context, parentTxID string) (*domain.Compensation, error)
	Save(ctx context.Context, c *domain.Compensation, expectedVersion int64) error
}

// Stores bundles one of each store so engines can be constructed from a
// single argument, the way the coordinator wires them up.
type Stores struct {
	Transactions   TransactionStore
	Disputes       DisputeStore
	Trust          TrustStore
	EmergencyStops EmergencyStopStore
	Compensations  CompensationStore
}

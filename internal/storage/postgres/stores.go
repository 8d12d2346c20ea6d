package postgres

import (
	"database/sql"

	"github.com/R3E-Network/consensus-ledger/infrastructure/metrics"
	"github.com/R3E-Network/consensus-ledger/internal/storage"
)

// NewStores bundles one Postgres-backed implementation of each store,
// mirroring storage.NewMemoryStores's shape so cmd/appserver can switch
// backends by constructing a different *storage.Stores value.
func NewStores(db *sql.DB, m *metrics.Metrics) *storage.Stores {
	return &storage.Stores{
		Transactions:   NewTransactionStore(db, m),
		Disputes:       NewDisputeStore(db, m),
		Trust:          NewTrustStore(db, m),
		EmergencyStops: NewEmergencyStopStore(db, m),
		Compensations:  NewCompensationStore(db, m),
	}
}

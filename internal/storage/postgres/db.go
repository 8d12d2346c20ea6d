// Package postgres implements the persistence port (internal/storage's
// TransactionStore, DisputeStore, TrustStore, EmergencyStopStore and
// CompensationStore interfaces) against PostgreSQL: hand-written
// parameterized SQL against database/sql, no ORM or query builder, JSON
// columns for free-form data, small scan helpers per entity.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	svcerrors "github.com/R3E-Network/consensus-ledger/infrastructure/errors"
	"github.com/R3E-Network/consensus-ledger/infrastructure/metrics"
	"github.com/R3E-Network/consensus-ledger/internal/storage/postgres/migrations"
)

// uniqueViolationCode is Postgres error code 23505, raised when an INSERT races
// another writer creating the same entity (expectedVersion == 0 on both
// sides). It maps to the same errors.Conflict the version-mismatch path on
// UPDATE returns, so callers never need to distinguish the two.
const uniqueViolationCode = "23505"

func insertOrConflict(err error, conflictMsg, internalMsg string) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolationCode {
		return svcerrors.Conflict(conflictMsg)
	}
	return svcerrors.Internal(internalMsg, err)
}

// Open establishes the connection pool and, if migrate is true, applies the
// embedded schema. It mirrors pkg/config.DatabaseConfig's pool-sizing fields.
func Open(ctx context.Context, dsn string, maxOpenConns, maxIdleConns, connMaxLifetimeSeconds int, migrate bool) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, svcerrors.Internal("open database connection", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}
	if connMaxLifetimeSeconds > 0 {
		db.SetConnMaxLifetime(time.Duration(connMaxLifetimeSeconds) * time.Second)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, svcerrors.Internal("ping database", err)
	}
	if migrate {
		if err := migrations.Apply(ctx, db); err != nil {
			return nil, svcerrors.Internal("apply migrations", err)
		}
	}
	return db, nil
}

// rowExecutor is satisfied by *sql.DB and *sql.Tx alike; every store method
// below is written against it so a future unit-of-work could swap in a
// transaction without touching call sites.
type rowExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// observe wraps a query with the database metrics the metrics package
// already declares but never populated: query count by outcome and latency.
func observe(m *metrics.Metrics, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RecordDatabaseQuery("consensus-ledger", operation, status, time.Since(start))
}

// conflictOrInternal maps a zero-RowsAffected conditional update to
// errors.Conflict, matching the in-memory store's version-mismatch
// behavior, and anything else to errors.Internal.
func conflictOrInternal(res sql.Result, err error, conflictMsg, internalMsg string) error {
	if err != nil {
		return svcerrors.Internal(internalMsg, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return svcerrors.Internal(internalMsg, err)
	}
	if n == 0 {
		return svcerrors.Conflict(conflictMsg)
	}
	return nil
}

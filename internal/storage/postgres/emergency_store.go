package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	svcerrors "github.com/R3E-Network/consensus-ledger/infrastructure/errors"
	"github.com/R3E-Network/consensus-ledger/infrastructure/metrics"
	"github.com/R3E-Network/consensus-ledger/internal/domain"
	"github.com/R3E-Network/consensus-ledger/internal/storage"
)

// EmergencyStopStore implements storage.EmergencyStopStore against PostgreSQL.
type EmergencyStopStore struct {
	db      rowExecutor
	metrics *metrics.Metrics
}

// NewEmergencyStopStore returns a Postgres-backed storage.EmergencyStopStore.
func NewEmergencyStopStore(db *sql.DB, m *metrics.Metrics) *EmergencyStopStore {
	return &EmergencyStopStore{db: db, metrics: m}
}

var _ storage.EmergencyStopStore = (*EmergencyStopStore)(nil)

const emergencyColumns = `id, triggered_by, reason, scope, started_at, resumed_at, status, version`

func (s *EmergencyStopStore) Get(ctx context.Context, id string) (*domain.EmergencyStop, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, `SELECT `+emergencyColumns+` FROM emergency_stops WHERE id = $1`, id)
	es, err := scanEmergencyStop(row)
	observe(s.metrics, "emergency.get", start, err)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("emergencyStop", id)
	}
	if err != nil {
		return nil, svcerrors.Internal("scan emergency stop", err)
	}
	return es, nil
}

func (s *EmergencyStopStore) Save(ctx context.Context, es *domain.EmergencyStop, expectedVersion int64) error {
	start := time.Now()
	scopeJSON, err := json.Marshal(es.Scope)
	if err != nil {
		return svcerrors.Internal("marshal scope", err)
	}
	newVersion := expectedVersion + 1

	if expectedVersion == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO emergency_stops (`+emergencyColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, es.ID, es.TriggeredBy, es.Reason, scopeJSON, es.StartedAt, nullTime(es.ResumedAt), es.Status.String(), newVersion)
		observe(s.metrics, "emergency.insert", start, err)
		if err := insertOrConflict(err, "emergency stop already exists", "insert emergency stop"); err != nil {
			return err
		}
		es.Version = newVersion
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE emergency_stops SET
			triggered_by = $2, reason = $3, scope = $4, started_at = $5, resumed_at = $6,
			status = $7, version = $8
		WHERE id = $1 AND version = $9
	`, es.ID, es.TriggeredBy, es.Reason, scopeJSON, es.StartedAt, nullTime(es.ResumedAt), es.Status.String(), newVersion, expectedVersion)
	observe(s.metrics, "emergency.update", start, err)
	if err := conflictOrInternal(res, err, "emergency stop version mismatch", "update emergency stop"); err != nil {
		return err
	}
	es.Version = newVersion
	return nil
}

func (s *EmergencyStopStore) ListActive(ctx context.Context) ([]*domain.EmergencyStop, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `SELECT `+emergencyColumns+` FROM emergency_stops WHERE status = 'ACTIVE' ORDER BY started_at ASC`)
	observe(s.metrics, "emergency.listActive", start, err)
	if err != nil {
		return nil, svcerrors.Internal("list active emergency stops", err)
	}
	defer rows.Close()

	var out []*domain.EmergencyStop
	for rows.Next() {
		es, err := scanEmergencyStop(rows)
		if err != nil {
			return nil, svcerrors.Internal("scan emergency stop row", err)
		}
		out = append(out, es)
	}
	if err := rows.Err(); err != nil {
		return nil, svcerrors.Internal("iterate emergency stop rows", err)
	}
	return out, nil
}

func scanEmergencyStop(row rowLike) (*domain.EmergencyStop, error) {
	var (
		es         domain.EmergencyStop
		status     string
		scopeJSON  []byte
		resumedAt  sql.NullTime
	)
	if err := row.Scan(&es.ID, &es.TriggeredBy, &es.Reason, &scopeJSON, &es.StartedAt, &resumedAt, &status, &es.Version); err != nil {
		return nil, err
	}
	es.Status = parseStopStatus(status)
	es.ResumedAt = fromNullTime(resumedAt)
	if len(scopeJSON) > 0 {
		if err := json.Unmarshal(scopeJSON, &es.Scope); err != nil {
			return nil, err
		}
	}
	return &es, nil
}

func parseStopStatus(s string) domain.StopStatus {
	if s == "RESUMED" {
		return domain.StopResumed
	}
	return domain.StopActive
}

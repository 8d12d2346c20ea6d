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

// DisputeStore implements storage.DisputeStore against PostgreSQL.
type DisputeStore struct {
	db      rowExecutor
	metrics *metrics.Metrics
}

// NewDisputeStore returns a Postgres-backed storage.DisputeStore.
func NewDisputeStore(db *sql.DB, m *metrics.Metrics) *DisputeStore {
	return &DisputeStore{db: db, metrics: m}
}

var _ storage.DisputeStore = (*DisputeStore)(nil)

const disputeColumns = `id, transaction_id, initiator, respondent, type, status, reason, evidence, resolution, opened_at, evidence_due, version`

func (s *DisputeStore) Get(ctx context.Context, id string) (*domain.Dispute, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	observe(s.metrics, "dispute.get", start, err)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("dispute", id)
	}
	if err != nil {
		return nil, svcerrors.Internal("scan dispute", err)
	}
	return d, nil
}

func (s *DisputeStore) GetByTransaction(ctx context.Context, txID string) (*domain.Dispute, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE transaction_id = $1`, txID)
	d, err := scanDispute(row)
	observe(s.metrics, "dispute.getByTransaction", start, err)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("dispute", txID)
	}
	if err != nil {
		return nil, svcerrors.Internal("scan dispute", err)
	}
	return d, nil
}

func (s *DisputeStore) Save(ctx context.Context, d *domain.Dispute, expectedVersion int64) error {
	start := time.Now()
	evidenceJSON, err := json.Marshal(d.Evidence)
	if err != nil {
		return svcerrors.Internal("marshal evidence", err)
	}
	var resolutionJSON []byte
	if d.Resolution != nil {
		resolutionJSON, err = json.Marshal(d.Resolution)
		if err != nil {
			return svcerrors.Internal("marshal resolution", err)
		}
	}
	newVersion := expectedVersion + 1

	if expectedVersion == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO disputes (`+disputeColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, d.ID, d.TransactionID, d.Initiator, d.Respondent, d.Type.String(), d.Status.String(), d.Reason,
			evidenceJSON, resolutionJSON, d.OpenedAt, nullTime(d.EvidenceDue), newVersion)
		observe(s.metrics, "dispute.insert", start, err)
		if err := insertOrConflict(err, "dispute already exists", "insert dispute"); err != nil {
			return err
		}
		d.Version = newVersion
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET
			transaction_id = $2, initiator = $3, respondent = $4, type = $5, status = $6,
			reason = $7, evidence = $8, resolution = $9, opened_at = $10, evidence_due = $11,
			version = $12
		WHERE id = $1 AND version = $13
	`, d.ID, d.TransactionID, d.Initiator, d.Respondent, d.Type.String(), d.Status.String(),
		d.Reason, evidenceJSON, resolutionJSON, d.OpenedAt, nullTime(d.EvidenceDue), newVersion, expectedVersion)
	observe(s.metrics, "dispute.update", start, err)
	if err := conflictOrInternal(res, err, "dispute version mismatch", "update dispute"); err != nil {
		return err
	}
	d.Version = newVersion
	return nil
}

func (s *DisputeStore) ListOpenWithEvidenceDueBefore(ctx context.Context, cutoff time.Time) ([]*domain.Dispute, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status IN ('OPEN', 'INVESTIGATING') AND evidence_due IS NOT NULL AND evidence_due <= $1
		ORDER BY evidence_due ASC
	`, cutoff)
	observe(s.metrics, "dispute.listOpenWithEvidenceDue", start, err)
	if err != nil {
		return nil, svcerrors.Internal("list disputes due", err)
	}
	defer rows.Close()

	var out []*domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, svcerrors.Internal("scan dispute row", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, svcerrors.Internal("iterate dispute rows", err)
	}
	return out, nil
}

func scanDispute(row rowLike) (*domain.Dispute, error) {
	var (
		d                          domain.Dispute
		typ, status                string
		evidenceJSON, resolutionJSON []byte
		evidenceDue                sql.NullTime
	)
	if err := row.Scan(
		&d.ID, &d.TransactionID, &d.Initiator, &d.Respondent, &typ, &status, &d.Reason,
		&evidenceJSON, &resolutionJSON, &d.OpenedAt, &evidenceDue, &d.Version,
	); err != nil {
		return nil, err
	}
	d.Type = parseDisputeType(typ)
	d.Status = parseDisputeStatus(status)
	d.EvidenceDue = fromNullTime(evidenceDue)

	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, &d.Evidence); err != nil {
			return nil, err
		}
	}
	if len(resolutionJSON) > 0 && string(resolutionJSON) != "null" {
		var r domain.Resolution
		if err := json.Unmarshal(resolutionJSON, &r); err != nil {
			return nil, err
		}
		d.Resolution = &r
	}
	return &d, nil
}

func parseDisputeType(s string) domain.DisputeType {
	switch s {
	case "NOT_RECEIVED":
		return domain.DisputeNotReceived
	case "WRONG_ITEM":
		return domain.DisputeWrongItem
	case "DAMAGED":
		return domain.DisputeDamaged
	case "QUANTITY_MISMATCH":
		return domain.DisputeQuantityMismatch
	case "QUALITY_ISSUE":
		return domain.DisputeQualityIssue
	case "NOT_SENT":
		return domain.DisputeNotSent
	case "TIMEOUT":
		return domain.DisputeTimeoutAppeal
	default:
		return domain.DisputeNotReceived
	}
}

func parseDisputeStatus(s string) domain.DisputeStatus {
	switch s {
	case "OPEN":
		return domain.DisputeOpen
	case "INVESTIGATING":
		return domain.DisputeInvestigating
	case "RESOLVED":
		return domain.DisputeResolved
	case "ESCALATED":
		return domain.DisputeEscalated
	default:
		return domain.DisputeOpen
	}
}

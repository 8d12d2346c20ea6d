package postgres

import (
	"context"
	"database/sql"
	"time"

	svcerrors "github.com/R3E-Network/consensus-ledger/infrastructure/errors"
	"github.com/R3E-Network/consensus-ledger/infrastructure/metrics"
	"github.com/R3E-Network/consensus-ledger/internal/domain"
	"github.com/R3E-Network/consensus-ledger/internal/storage"
)

// CompensationStore implements storage.CompensationStore against PostgreSQL.
type CompensationStore struct {
	db      rowExecutor
	metrics *metrics.Metrics
}

// NewCompensationStore returns a Postgres-backed storage.CompensationStore.
func NewCompensationStore(db *sql.DB, m *metrics.Metrics) *CompensationStore {
	return &CompensationStore{db: db, metrics: m}
}

var _ storage.CompensationStore = (*CompensationStore)(nil)

const compensationColumns = `id, parent_tx_id, kind, status, follow_up_tx_id, approver, version`

func (s *CompensationStore) Get(ctx context.Context, id string) (*domain.Compensation, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, `SELECT `+compensationColumns+` FROM compensations WHERE id = $1`, id)
	c, err := scanCompensation(row)
	observe(s.metrics, "compensation.get", start, err)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("compensation", id)
	}
	if err != nil {
		return nil, svcerrors.Internal("scan compensation", err)
	}
	return c, nil
}

func (s *CompensationStore) GetByParentTx(ctx context.Context, parentTxID string) (*domain.Compensation, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, `SELECT `+compensationColumns+` FROM compensations WHERE parent_tx_id = $1`, parentTxID)
	c, err := scanCompensation(row)
	observe(s.metrics, "compensation.getByParentTx", start, err)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("compensation", parentTxID)
	}
	if err != nil {
		return nil, svcerrors.Internal("scan compensation", err)
	}
	return c, nil
}

func (s *CompensationStore) Save(ctx context.Context, c *domain.Compensation, expectedVersion int64) error {
	start := time.Now()
	newVersion := expectedVersion + 1

	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO compensations (`+compensationColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, c.ID, c.ParentTxID, c.Kind.String(), c.Status.String(), nullString(c.FollowUpTxID), nullString(c.Approver), newVersion)
		observe(s.metrics, "compensation.insert", start, err)
		if err := insertOrConflict(err, "compensation already exists", "insert compensation"); err != nil {
			return err
		}
		c.Version = newVersion
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE compensations SET
			parent_tx_id = $2, kind = $3, status = $4, follow_up_tx_id = $5, approver = $6, version = $7
		WHERE id = $1 AND version = $8
	`, c.ID, c.ParentTxID, c.Kind.String(), c.Status.String(), nullString(c.FollowUpTxID), nullString(c.Approver), newVersion, expectedVersion)
	observe(s.metrics, "compensation.update", start, err)
	if err := conflictOrInternal(res, err, "compensation version mismatch", "update compensation"); err != nil {
		return err
	}
	c.Version = newVersion
	return nil
}

func scanCompensation(row rowLike) (*domain.Compensation, error) {
	var (
		c                     domain.Compensation
		kind, status          string
		followUpTxID, approver sql.NullString
	)
	if err := row.Scan(&c.ID, &c.ParentTxID, &kind, &status, &followUpTxID, &approver, &c.Version); err != nil {
		return nil, err
	}
	c.Kind = parseCompensationKind(kind)
	c.Status = parseCompensationStatus(status)
	c.FollowUpTxID = fromNullString(followUpTxID)
	c.Approver = fromNullString(approver)
	return &c, nil
}

func parseCompensationKind(s string) domain.CompensationKind {
	switch s {
	case "RETURN":
		return domain.CompensationReturn
	case "RESEND":
		return domain.CompensationResend
	case "REPLACE":
		return domain.CompensationReplace
	case "RESEND_PARTIAL":
		return domain.CompensationResendPartial
	default:
		return domain.CompensationResend
	}
}

func parseCompensationStatus(s string) domain.CompensationStatus {
	switch s {
	case "PENDING_APPROVAL":
		return domain.CompensationPendingApproval
	case "APPROVED":
		return domain.CompensationApproved
	case "REJECTED":
		return domain.CompensationRejected
	case "IN_PROGRESS":
		return domain.CompensationInProgress
	case "COMPLETED":
		return domain.CompensationCompleted
	default:
		return domain.CompensationPendingApproval
	}
}

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

// TrustStore implements storage.TrustStore against PostgreSQL.
type TrustStore struct {
	db      rowExecutor
	metrics *metrics.Metrics
}

// NewTrustStore returns a Postgres-backed storage.TrustStore.
func NewTrustStore(db *sql.DB, m *metrics.Metrics) *TrustStore {
	return &TrustStore{db: db, metrics: m}
}

var _ storage.TrustStore = (*TrustStore)(nil)

const trustColumns = `participant_id, score, tier, total_transactions, dispute_count, disputes_lost, timeout_count, updated_at, history, version`

func (s *TrustStore) Get(ctx context.Context, participantID string) (*domain.ParticipantTrust, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, `SELECT `+trustColumns+` FROM trust_records WHERE participant_id = $1`, participantID)
	pt, err := scanTrust(row)
	observe(s.metrics, "trust.get", start, err)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("participantTrust", participantID)
	}
	if err != nil {
		return nil, svcerrors.Internal("scan trust record", err)
	}
	return pt, nil
}

func (s *TrustStore) Save(ctx context.Context, pt *domain.ParticipantTrust, expectedVersion int64) error {
	start := time.Now()
	historyJSON, err := json.Marshal(pt.History)
	if err != nil {
		return svcerrors.Internal("marshal trust history", err)
	}
	newVersion := expectedVersion + 1

	if expectedVersion == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO trust_records (`+trustColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, pt.ParticipantID, pt.Score, pt.Tier.String(), pt.TotalTransactions, pt.DisputeCount,
			pt.DisputesLost, pt.TimeoutCount, pt.UpdatedAt, historyJSON, newVersion)
		observe(s.metrics, "trust.insert", start, err)
		if err := insertOrConflict(err, "trust record already exists", "insert trust record"); err != nil {
			return err
		}
		pt.Version = newVersion
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE trust_records SET
			score = $2, tier = $3, total_transactions = $4, dispute_count = $5,
			disputes_lost = $6, timeout_count = $7, updated_at = $8, history = $9, version = $10
		WHERE participant_id = $1 AND version = $11
	`, pt.ParticipantID, pt.Score, pt.Tier.String(), pt.TotalTransactions, pt.DisputeCount,
		pt.DisputesLost, pt.TimeoutCount, pt.UpdatedAt, historyJSON, newVersion, expectedVersion)
	observe(s.metrics, "trust.update", start, err)
	if err := conflictOrInternal(res, err, "trust record version mismatch", "update trust record"); err != nil {
		return err
	}
	pt.Version = newVersion
	return nil
}

func (s *TrustStore) Leaderboard(ctx context.Context, n int) ([]*domain.ParticipantTrust, error) {
	start := time.Now()
	query := `SELECT ` + trustColumns + ` FROM trust_records ORDER BY score DESC, participant_id ASC`
	var rows *sql.Rows
	var err error
	if n > 0 {
		rows, err = s.db.QueryContext(ctx, query+` LIMIT $1`, n)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	observe(s.metrics, "trust.leaderboard", start, err)
	if err != nil {
		return nil, svcerrors.Internal("query leaderboard", err)
	}
	defer rows.Close()

	var out []*domain.ParticipantTrust
	for rows.Next() {
		pt, err := scanTrust(rows)
		if err != nil {
			return nil, svcerrors.Internal("scan trust row", err)
		}
		out = append(out, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, svcerrors.Internal("iterate trust rows", err)
	}
	return out, nil
}

func scanTrust(row rowLike) (*domain.ParticipantTrust, error) {
	var (
		pt          domain.ParticipantTrust
		tier        string
		historyJSON []byte
	)
	if err := row.Scan(
		&pt.ParticipantID, &pt.Score, &tier, &pt.TotalTransactions, &pt.DisputeCount,
		&pt.DisputesLost, &pt.TimeoutCount, &pt.UpdatedAt, &historyJSON, &pt.Version,
	); err != nil {
		return nil, err
	}
	pt.Tier = parseTier(tier)
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &pt.History); err != nil {
			return nil, err
		}
	}
	return &pt, nil
}

func parseTier(s string) domain.Tier {
	switch s {
	case "NEW":
		return domain.TierNew
	case "BRONZE":
		return domain.TierBronze
	case "SILVER":
		return domain.TierSilver
	case "GOLD":
		return domain.TierGold
	case "PLATINUM":
		return domain.TierPlatinum
	default:
		return domain.TierNew
	}
}

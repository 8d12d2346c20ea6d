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

// TransactionStore implements storage.TransactionStore against PostgreSQL.
type TransactionStore struct {
	db      rowExecutor
	metrics *metrics.Metrics
}

// NewTransactionStore returns a Postgres-backed storage.TransactionStore.
func NewTransactionStore(db *sql.DB, m *metrics.Metrics) *TransactionStore {
	return &TransactionStore{db: db, metrics: m}
}

var _ storage.TransactionStore = (*TransactionStore)(nil)

func (s *TransactionStore) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sender, receiver, item_id, item_type, quantity, value, metadata, state,
		       created_at, sender_confirmed_at, receiver_confirmed_at, terminal_at, timeout_at,
		       sender_evidence, receiver_evidence, dispute_id, parent_tx_id, frozen,
		       emergency_stop_id, auto_approved, version
		FROM transactions WHERE id = $1
	`, id)
	tx, err := scanTransaction(row)
	observe(s.metrics, "transaction.get", start, err)
	if err == sql.ErrNoRows {
		return nil, svcerrors.NotFound("transaction", id)
	}
	if err != nil {
		return nil, svcerrors.Internal("scan transaction", err)
	}
	return tx, nil
}

func (s *TransactionStore) Save(ctx context.Context, tx *domain.Transaction, expectedVersion int64) error {
	start := time.Now()
	metaJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return svcerrors.Internal("marshal metadata", err)
	}
	senderEvJSON, err := json.Marshal(tx.SenderEvidence)
	if err != nil {
		return svcerrors.Internal("marshal sender evidence", err)
	}
	receiverEvJSON, err := json.Marshal(tx.ReceiverEvidence)
	if err != nil {
		return svcerrors.Internal("marshal receiver evidence", err)
	}
	newVersion := expectedVersion + 1

	if expectedVersion == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO transactions (
				id, sender, receiver, item_id, item_type, quantity, value, metadata, state,
				created_at, sender_confirmed_at, receiver_confirmed_at, terminal_at, timeout_at,
				sender_evidence, receiver_evidence, dispute_id, parent_tx_id, frozen,
				emergency_stop_id, auto_approved, version
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,$8,$9,
				$10,$11,$12,$13,$14,
				$15,$16,$17,$18,$19,
				$20,$21,$22
			)
		`, tx.ID, tx.Sender, tx.Receiver, tx.ItemID, string(tx.ItemType), tx.Quantity, tx.Value, metaJSON, tx.State.String(),
			tx.Created, nullTime(tx.SenderConfirmedAt), nullTime(tx.ReceiverConfirmedAt), nullTime(tx.TerminalAt), nullTime(tx.TimeoutAt),
			senderEvJSON, receiverEvJSON, nullString(tx.DisputeID), nullString(tx.ParentTxID), tx.Frozen,
			nullString(tx.EmergencyStopID), tx.AutoApproved, newVersion)
		observe(s.metrics, "transaction.insert", start, err)
		if err := insertOrConflict(err, "transaction already exists", "insert transaction"); err != nil {
			return err
		}
		tx.Version = newVersion
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET
			sender = $2, receiver = $3, item_id = $4, item_type = $5, quantity = $6, value = $7,
			metadata = $8, state = $9, sender_confirmed_at = $10, receiver_confirmed_at = $11,
			terminal_at = $12, timeout_at = $13, sender_evidence = $14, receiver_evidence = $15,
			dispute_id = $16, parent_tx_id = $17, frozen = $18, emergency_stop_id = $19,
			auto_approved = $20, version = $21
		WHERE id = $1 AND version = $22
	`, tx.ID, tx.Sender, tx.Receiver, tx.ItemID, string(tx.ItemType), tx.Quantity, tx.Value,
		metaJSON, tx.State.String(), nullTime(tx.SenderConfirmedAt), nullTime(tx.ReceiverConfirmedAt),
		nullTime(tx.TerminalAt), nullTime(tx.TimeoutAt), senderEvJSON, receiverEvJSON,
		nullString(tx.DisputeID), nullString(tx.ParentTxID), tx.Frozen, nullString(tx.EmergencyStopID),
		tx.AutoApproved, newVersion, expectedVersion)
	observe(s.metrics, "transaction.update", start, err)
	if err := conflictOrInternal(res, err, "transaction version mismatch", "update transaction"); err != nil {
		return err
	}
	tx.Version = newVersion
	return nil
}

func (s *TransactionStore) ListByParticipant(ctx context.Context, principal string) ([]*domain.Transaction, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, receiver, item_id, item_type, quantity, value, metadata, state,
		       created_at, sender_confirmed_at, receiver_confirmed_at, terminal_at, timeout_at,
		       sender_evidence, receiver_evidence, dispute_id, parent_tx_id, frozen,
		       emergency_stop_id, auto_approved, version
		FROM transactions WHERE sender = $1 OR receiver = $1 ORDER BY created_at ASC
	`, principal)
	observe(s.metrics, "transaction.listByParticipant", start, err)
	if err != nil {
		return nil, svcerrors.Internal("list transactions by participant", err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}

func (s *TransactionStore) ListDueByTimeoutBefore(ctx context.Context, cutoff time.Time) ([]*domain.Transaction, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, receiver, item_id, item_type, quantity, value, metadata, state,
		       created_at, sender_confirmed_at, receiver_confirmed_at, terminal_at, timeout_at,
		       sender_evidence, receiver_evidence, dispute_id, parent_tx_id, frozen,
		       emergency_stop_id, auto_approved, version
		FROM transactions
		WHERE timeout_at IS NOT NULL AND timeout_at <= $1
		  AND state NOT IN ('VALIDATED', 'CANCELLED', 'RESOLVED')
		ORDER BY timeout_at ASC
	`, cutoff)
	observe(s.metrics, "transaction.listDueByTimeout", start, err)
	if err != nil {
		return nil, svcerrors.Internal("list due transactions", err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}

func (s *TransactionStore) ListNonTerminal(ctx context.Context) ([]*domain.Transaction, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, receiver, item_id, item_type, quantity, value, metadata, state,
		       created_at, sender_confirmed_at, receiver_confirmed_at, terminal_at, timeout_at,
		       sender_evidence, receiver_evidence, dispute_id, parent_tx_id, frozen,
		       emergency_stop_id, auto_approved, version
		FROM transactions
		WHERE state NOT IN ('VALIDATED', 'CANCELLED', 'RESOLVED')
		ORDER BY created_at ASC
	`)
	observe(s.metrics, "transaction.listNonTerminal", start, err)
	if err != nil {
		return nil, svcerrors.Internal("list non-terminal transactions", err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}

type rowLike interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowLike) (*domain.Transaction, error) {
	var (
		tx                                                   domain.Transaction
		itemType, state                                      string
		senderConfirmedAt, receiverConfirmedAt                sql.NullTime
		terminalAt, timeoutAt                                 sql.NullTime
		metaJSON, senderEvJSON, receiverEvJSON                []byte
		disputeID, parentTxID, emergencyStopID                sql.NullString
	)
	if err := row.Scan(
		&tx.ID, &tx.Sender, &tx.Receiver, &tx.ItemID, &itemType, &tx.Quantity, &tx.Value, &metaJSON, &state,
		&tx.Created, &senderConfirmedAt, &receiverConfirmedAt, &terminalAt, &timeoutAt,
		&senderEvJSON, &receiverEvJSON, &disputeID, &parentTxID, &tx.Frozen,
		&emergencyStopID, &tx.AutoApproved, &tx.Version,
	); err != nil {
		return nil, err
	}

	tx.ItemType = domain.ItemType(itemType)
	tx.State = parseTxState(state)
	tx.SenderConfirmedAt = fromNullTime(senderConfirmedAt)
	tx.ReceiverConfirmedAt = fromNullTime(receiverConfirmedAt)
	tx.TerminalAt = fromNullTime(terminalAt)
	tx.TimeoutAt = fromNullTime(timeoutAt)
	tx.DisputeID = fromNullString(disputeID)
	tx.ParentTxID = fromNullString(parentTxID)
	tx.EmergencyStopID = fromNullString(emergencyStopID)

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &tx.Metadata); err != nil {
			return nil, err
		}
	}
	if len(senderEvJSON) > 0 && string(senderEvJSON) != "null" {
		var ev domain.Evidence
		if err := json.Unmarshal(senderEvJSON, &ev); err != nil {
			return nil, err
		}
		tx.SenderEvidence = &ev
	}
	if len(receiverEvJSON) > 0 && string(receiverEvJSON) != "null" {
		var ev domain.Evidence
		if err := json.Unmarshal(receiverEvJSON, &ev); err != nil {
			return nil, err
		}
		tx.ReceiverEvidence = &ev
	}
	return &tx, nil
}

func scanTransactionRows(rows *sql.Rows) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, svcerrors.Internal("scan transaction row", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, svcerrors.Internal("iterate transaction rows", err)
	}
	return out, nil
}

func parseTxState(s string) domain.TxState {
	switch s {
	case "INITIATED":
		return domain.TxInitiated
	case "SENDER_CONFIRMED":
		return domain.TxSenderConfirmed
	case "RECEIVER_CONFIRMED":
		return domain.TxReceiverConfirmed
	case "VALIDATED":
		return domain.TxValidated
	case "DISPUTED":
		return domain.TxDisputed
	case "TIMEOUT":
		return domain.TxTimeout
	case "CANCELLED":
		return domain.TxCancelled
	case "RESOLVED":
		return domain.TxResolved
	case "ESCALATED":
		return domain.TxEscalated
	case "COMPENSATING":
		return domain.TxCompensating
	default:
		return domain.TxInitiated
	}
}

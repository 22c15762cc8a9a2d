package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wakala/payments/internal/domain"
)

type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

func (r *TransactionRepo) Create(tx *domain.PaymentTransaction) error {
	_, err := r.db.Exec(
		`INSERT INTO payment_transactions
		(id, reference, gateway_type, amount, payer_phone, status,
		 external_reference, attempt_count, status_message, created_at,
		 last_status_change_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		tx.ID, tx.Reference, string(tx.GatewayType), tx.Amount, tx.PayerPhone,
		string(tx.Status), nullableString(tx.ExternalReference), tx.AttemptCount,
		nullableString(tx.StatusMessage), fmtTime(tx.CreatedAt),
		fmtTime(tx.LastStatusChangeAt),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *TransactionRepo) GetByID(id string) (*domain.PaymentTransaction, error) {
	row := r.db.QueryRow("SELECT * FROM payment_transactions WHERE id = ?", id)
	return scanTransaction(row)
}

func (r *TransactionRepo) GetByReference(ref string) (*domain.PaymentTransaction, error) {
	row := r.db.QueryRow("SELECT * FROM payment_transactions WHERE reference = ?", ref)
	return scanTransaction(row)
}

func (r *TransactionRepo) GetByExternalReference(ref string) (*domain.PaymentTransaction, error) {
	row := r.db.QueryRow("SELECT * FROM payment_transactions WHERE external_reference = ?", ref)
	return scanTransaction(row)
}

// CompareAndSetStatus moves a transaction from expected to next atomically
// and appends a history row. Returns false without error when the current
// status no longer matches expected — the caller lost the race and should
// reload to observe what was applied.
func (r *TransactionRepo) CompareAndSetStatus(id string, expected, next domain.Status, message string) (bool, error) {
	now := time.Now().UTC()

	sqlTx, err := r.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.Exec(
		`UPDATE payment_transactions
		 SET status = ?, status_message = ?, last_status_change_at = ?
		 WHERE id = ? AND status = ?`,
		string(next), nullableString(message), fmtTime(now),
		id, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("cas status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}

	_, err = sqlTx.Exec(
		`INSERT INTO transaction_status_history
		 (transaction_id, from_status, to_status, message, changed_at)
		 VALUES (?,?,?,?,?)`,
		id, string(expected), string(next), nullableString(message),
		fmtTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("append history: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// SetExternalReference records the gateway-assigned reference. Write-once:
// a second call with a different value is ignored.
func (r *TransactionRepo) SetExternalReference(id, ref string) error {
	_, err := r.db.Exec(
		`UPDATE payment_transactions SET external_reference = ?
		 WHERE id = ? AND external_reference IS NULL`,
		ref, id,
	)
	if err != nil {
		return fmt.Errorf("set external reference: %w", err)
	}
	return nil
}

func (r *TransactionRepo) IncrementAttempt(id string) error {
	_, err := r.db.Exec(
		"UPDATE payment_transactions SET attempt_count = attempt_count + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("increment attempt: %w", err)
	}
	return nil
}

// ResetAttempts zeroes the retry budget. Only the dead-letter "retried"
// resolution calls this.
func (r *TransactionRepo) ResetAttempts(id string) error {
	_, err := r.db.Exec(
		"UPDATE payment_transactions SET attempt_count = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	return nil
}

// ListSubmittedBefore returns submitted transactions whose last status change
// predates the cutoff, i.e. candidates for expiry.
func (r *TransactionRepo) ListSubmittedBefore(cutoff time.Time) ([]domain.PaymentTransaction, error) {
	rows, err := r.db.Query(
		`SELECT * FROM payment_transactions
		 WHERE status = ? AND last_status_change_at < ?
		 ORDER BY last_status_change_at`,
		string(domain.StatusSubmitted), fmtTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var txns []domain.PaymentTransaction
	for rows.Next() {
		tx, err := scanTransactionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		txns = append(txns, *tx)
	}
	return txns, rows.Err()
}

func (r *TransactionRepo) History(id string) ([]domain.StatusChange, error) {
	rows, err := r.db.Query(
		`SELECT transaction_id, from_status, to_status, message, changed_at
		 FROM transaction_status_history WHERE transaction_id = ? ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var changes []domain.StatusChange
	for rows.Next() {
		var c domain.StatusChange
		var from, to, changedAt string
		var msg sql.NullString
		if err := rows.Scan(&c.TransactionID, &from, &to, &msg, &changedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		c.From = domain.Status(from)
		c.To = domain.Status(to)
		c.Message = msg.String
		c.ChangedAt, _ = parseTime(changedAt)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// --- helpers ---

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransactionFrom(s rowScanner) (*domain.PaymentTransaction, error) {
	var tx domain.PaymentTransaction
	var gw, status, createdAt, lastChangeAt string
	var extRef, statusMsg sql.NullString

	err := s.Scan(
		&tx.ID, &tx.Reference, &gw, &tx.Amount, &tx.PayerPhone, &status,
		&extRef, &tx.AttemptCount, &statusMsg, &createdAt, &lastChangeAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	tx.GatewayType = domain.GatewayType(gw)
	tx.Status = domain.Status(status)
	tx.ExternalReference = extRef.String
	tx.StatusMessage = statusMsg.String
	tx.CreatedAt, _ = parseTime(createdAt)
	tx.LastStatusChangeAt, _ = parseTime(lastChangeAt)

	return &tx, nil
}

func scanTransaction(row *sql.Row) (*domain.PaymentTransaction, error) {
	return scanTransactionFrom(row)
}

func scanTransactionRows(rows *sql.Rows) (*domain.PaymentTransaction, error) {
	return scanTransactionFrom(rows)
}

package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wakala/payments/internal/domain"
)

type RetryRepo struct {
	db *sql.DB
}

func NewRetryRepo(db *sql.DB) *RetryRepo {
	return &RetryRepo{db: db}
}

// ReplacePending schedules a retry, replacing any still-pending row for the
// same transaction so that at most one pending retry exists per transaction.
func (r *RetryRepo) ReplacePending(transactionID string, attemptNumber int, scheduledAt time.Time) (*domain.ScheduledRetry, error) {
	sqlTx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.Exec(
		"DELETE FROM scheduled_retries WHERE transaction_id = ? AND claimed_at IS NULL",
		transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("delete pending: %w", err)
	}

	entry := &domain.ScheduledRetry{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		AttemptNumber: attemptNumber,
		ScheduledAt:   scheduledAt.UTC(),
		CreatedAt:     time.Now().UTC(),
	}

	_, err = sqlTx.Exec(
		`INSERT INTO scheduled_retries
		 (id, transaction_id, attempt_number, scheduled_at, created_at)
		 VALUES (?,?,?,?,?)`,
		entry.ID, entry.TransactionID, entry.AttemptNumber,
		fmtTime(entry.ScheduledAt),
		fmtTime(entry.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert retry: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

// ListDue returns unclaimed retries whose scheduled time has passed.
func (r *RetryRepo) ListDue(now time.Time, limit int) ([]domain.ScheduledRetry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(
		`SELECT id, transaction_id, attempt_number, scheduled_at, created_at
		 FROM scheduled_retries
		 WHERE claimed_at IS NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at LIMIT ?`,
		fmtTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due: %w", err)
	}
	defer rows.Close()

	var due []domain.ScheduledRetry
	for rows.Next() {
		var e domain.ScheduledRetry
		var scheduledAt, createdAt string
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AttemptNumber, &scheduledAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.ScheduledAt, _ = parseTime(scheduledAt)
		e.CreatedAt, _ = parseTime(createdAt)
		due = append(due, e)
	}
	return due, rows.Err()
}

// Claim marks a retry as taken by this worker. Returns false when another
// worker got there first; losing the race is not an error.
func (r *RetryRepo) Claim(id string) (bool, error) {
	res, err := r.db.Exec(
		"UPDATE scheduled_retries SET claimed_at = ? WHERE id = ? AND claimed_at IS NULL",
		fmtTime(time.Now()), id,
	)
	if err != nil {
		return false, fmt.Errorf("claim retry: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// Delete removes a consumed retry row.
func (r *RetryRepo) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM scheduled_retries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete retry: %w", err)
	}
	return nil
}

// PendingForTransaction returns the unclaimed retry for a transaction, or
// ErrNotFound when none is pending.
func (r *RetryRepo) PendingForTransaction(transactionID string) (*domain.ScheduledRetry, error) {
	var e domain.ScheduledRetry
	var scheduledAt, createdAt string
	err := r.db.QueryRow(
		`SELECT id, transaction_id, attempt_number, scheduled_at, created_at
		 FROM scheduled_retries WHERE transaction_id = ? AND claimed_at IS NULL`,
		transactionID,
	).Scan(&e.ID, &e.TransactionID, &e.AttemptNumber, &scheduledAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("query pending: %w", err)
	}
	e.ScheduledAt, _ = parseTime(scheduledAt)
	e.CreatedAt, _ = parseTime(createdAt)
	return &e, nil
}

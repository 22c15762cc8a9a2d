package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wakala/payments/internal/domain"
)

type DeadLetterRepo struct {
	db *sql.DB
}

func NewDeadLetterRepo(db *sql.DB) *DeadLetterRepo {
	return &DeadLetterRepo{db: db}
}

// Enqueue records a permanently-failed transaction. Idempotent: if an
// unresolved entry already exists the reason is updated in place, no
// duplicate row is created.
func (r *DeadLetterRepo) Enqueue(transactionID, reason string) (*domain.DeadLetterEntry, error) {
	sqlTx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	existing, err := scanDeadLetter(sqlTx.QueryRow(
		`SELECT id, transaction_id, reason, moved_at, resolution, resolved_at
		 FROM dead_letter_entries WHERE transaction_id = ? AND resolution IS NULL`,
		transactionID,
	))
	switch {
	case err == nil:
		if _, err := sqlTx.Exec(
			"UPDATE dead_letter_entries SET reason = ? WHERE id = ?",
			reason, existing.ID,
		); err != nil {
			return nil, fmt.Errorf("update reason: %w", err)
		}
		existing.Reason = reason
		if err := sqlTx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return existing, nil
	case errors.Is(err, domain.ErrNotFound):
		// fall through to insert
	default:
		return nil, fmt.Errorf("query unresolved: %w", err)
	}

	entry := &domain.DeadLetterEntry{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		Reason:        reason,
		MovedAt:       time.Now().UTC(),
	}
	if _, err := sqlTx.Exec(
		`INSERT INTO dead_letter_entries (id, transaction_id, reason, moved_at)
		 VALUES (?,?,?,?)`,
		entry.ID, entry.TransactionID, entry.Reason,
		fmtTime(entry.MovedAt),
	); err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

func (r *DeadLetterRepo) GetByID(id string) (*domain.DeadLetterEntry, error) {
	return scanDeadLetter(r.db.QueryRow(
		`SELECT id, transaction_id, reason, moved_at, resolution, resolved_at
		 FROM dead_letter_entries WHERE id = ?`, id))
}

// Resolve records the operator's disposition. Returns false when the entry
// was already resolved (or does not exist) — resolutions are write-once.
func (r *DeadLetterRepo) Resolve(id string, resolution domain.Resolution) (bool, error) {
	res, err := r.db.Exec(
		`UPDATE dead_letter_entries SET resolution = ?, resolved_at = ?
		 WHERE id = ? AND resolution IS NULL`,
		string(resolution), fmtTime(time.Now()), id,
	)
	if err != nil {
		return false, fmt.Errorf("resolve entry: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

type DeadLetterFilter struct {
	TransactionID string
	Unresolved    bool
	Page          int
	Limit         int
}

func (r *DeadLetterRepo) List(f DeadLetterFilter) ([]domain.DeadLetterEntry, int, error) {
	var clauses []string
	var args []any

	if f.TransactionID != "" {
		clauses = append(clauses, "transaction_id = ?")
		args = append(args, f.TransactionID)
	}
	if f.Unresolved {
		clauses = append(clauses, "resolution IS NULL")
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM dead_letter_entries"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	rows, err := r.db.Query(
		`SELECT id, transaction_id, reason, moved_at, resolution, resolved_at
		 FROM dead_letter_entries`+where+" ORDER BY moved_at DESC LIMIT ? OFFSET ?",
		append(args, f.Limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var entries []domain.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetterRows(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, total, rows.Err()
}

// --- helpers ---

func scanDeadLetterFrom(s rowScanner) (*domain.DeadLetterEntry, error) {
	var e domain.DeadLetterEntry
	var movedAt string
	var resolution, resolvedAt sql.NullString

	err := s.Scan(&e.ID, &e.TransactionID, &e.Reason, &movedAt, &resolution, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	e.MovedAt, _ = parseTime(movedAt)
	if resolution.Valid {
		res := domain.Resolution(resolution.String)
		e.Resolution = &res
	}
	if resolvedAt.Valid {
		t, _ := parseTime(resolvedAt.String)
		e.ResolvedAt = &t
	}
	return &e, nil
}

func scanDeadLetter(row *sql.Row) (*domain.DeadLetterEntry, error) {
	return scanDeadLetterFrom(row)
}

func scanDeadLetterRows(rows *sql.Rows) (*domain.DeadLetterEntry, error) {
	return scanDeadLetterFrom(rows)
}

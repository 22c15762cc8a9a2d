package repository

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps compare correctly as
// strings in SQLite. Always UTC.
const timeLayout = "2006-01-02 15:04:05.000000000"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// modernc/sqlite returns DATETIME-declared columns as time.Time,
		// which database/sql renders as RFC 3339 when scanned into a string.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Pass ":memory:" for an in-memory database.
func InitDB(dsn string) (*sql.DB, error) {
	// The pragmas go in the DSN so they apply to every pooled connection,
	// not just the one a plain `PRAGMA` statement happens to run on:
	// WAL mode for better concurrent read performance, and a busy timeout
	// so concurrent writers (API, webhooks, retry workers) back off instead
	// of failing with SQLITE_BUSY.
	db, err := sql.Open("sqlite",
		dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS payment_transactions (
			id TEXT PRIMARY KEY,
			reference TEXT UNIQUE NOT NULL,
			gateway_type TEXT NOT NULL,
			amount REAL NOT NULL,
			payer_phone TEXT NOT NULL,
			status TEXT NOT NULL,
			external_reference TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			status_message TEXT,
			created_at DATETIME NOT NULL,
			last_status_change_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status ON payment_transactions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_gateway ON payment_transactions(gateway_type)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_external_ref
			ON payment_transactions(external_reference) WHERE external_reference IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS transaction_status_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			transaction_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			message TEXT,
			changed_at DATETIME NOT NULL,
			FOREIGN KEY (transaction_id) REFERENCES payment_transactions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_transaction ON transaction_status_history(transaction_id)`,

		`CREATE TABLE IF NOT EXISTS scheduled_retries (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			attempt_number INTEGER NOT NULL,
			scheduled_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			claimed_at DATETIME,
			FOREIGN KEY (transaction_id) REFERENCES payment_transactions(id)
		)`,
		// At most one pending retry per transaction; claimed rows are
		// deleted right after processing so they never pile up here.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_retries_pending
			ON scheduled_retries(transaction_id) WHERE claimed_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_retries_due ON scheduled_retries(scheduled_at)`,

		`CREATE TABLE IF NOT EXISTS dead_letter_entries (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			moved_at DATETIME NOT NULL,
			resolution TEXT,
			resolved_at DATETIME,
			FOREIGN KEY (transaction_id) REFERENCES payment_transactions(id)
		)`,
		// One unresolved entry per transaction; re-enqueueing updates it.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_dead_letter_unresolved
			ON dead_letter_entries(transaction_id) WHERE resolution IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letter_moved_at ON dead_letter_entries(moved_at)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:60], err)
		}
	}

	return nil
}

package repository

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wakala/payments/internal/domain"
)

func setupRepos(t *testing.T) (*TransactionRepo, *RetryRepo, *DeadLetterRepo) {
	t.Helper()
	// A file-backed DB: ":memory:" gives every pooled connection its own
	// database, which breaks the concurrency tests.
	db, err := InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTransactionRepo(db), NewRetryRepo(db), NewDeadLetterRepo(db)
}

func seedTransaction(t *testing.T, repo *TransactionRepo, id string) *domain.PaymentTransaction {
	t.Helper()
	now := time.Now().UTC()
	tx := &domain.PaymentTransaction{
		ID:                 id,
		Reference:          "PAY-" + id,
		GatewayType:        domain.GatewayMPesa,
		Amount:             50,
		PayerPhone:         "254712345678",
		Status:             domain.StatusInitiated,
		CreatedAt:          now,
		LastStatusChangeAt: now,
	}
	require.NoError(t, repo.Create(tx))
	return tx
}

func TestTransactionRepo_CreateAndGet(t *testing.T) {
	txns, _, _ := setupRepos(t)
	tx := seedTransaction(t, txns, "t1")

	got, err := txns.GetByID("t1")
	require.NoError(t, err)
	require.Equal(t, tx.Reference, got.Reference)
	require.Equal(t, domain.StatusInitiated, got.Status)
	require.Zero(t, got.AttemptCount)

	byRef, err := txns.GetByReference(tx.Reference)
	require.NoError(t, err)
	require.Equal(t, "t1", byRef.ID)

	_, err = txns.GetByID("missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransactionRepo_CompareAndSetStatus(t *testing.T) {
	txns, _, _ := setupRepos(t)
	seedTransaction(t, txns, "t1")

	ok, err := txns.CompareAndSetStatus("t1", domain.StatusInitiated, domain.StatusSubmitted, "submitted")
	require.NoError(t, err)
	require.True(t, ok)

	// The expected status no longer matches: CAS refuses without error.
	ok, err = txns.CompareAndSetStatus("t1", domain.StatusInitiated, domain.StatusSubmitted, "again")
	require.NoError(t, err)
	require.False(t, ok)

	got, err := txns.GetByID("t1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSubmitted, got.Status)

	history, err := txns.History("t1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, domain.StatusInitiated, history[0].From)
	require.Equal(t, domain.StatusSubmitted, history[0].To)
}

func TestTransactionRepo_ConcurrentCASOneWinner(t *testing.T) {
	txns, _, _ := setupRepos(t)
	seedTransaction(t, txns, "t1")
	ok, err := txns.CompareAndSetStatus("t1", domain.StatusInitiated, domain.StatusSubmitted, "")
	require.NoError(t, err)
	require.True(t, ok)

	var mu sync.Mutex
	winners := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := txns.CompareAndSetStatus("t1", domain.StatusSubmitted, domain.StatusCompleted, "confirmed")
			require.NoError(t, err)
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, winners, "exactly one concurrent confirmation may apply")
}

func TestTransactionRepo_ExternalReferenceIsWriteOnce(t *testing.T) {
	txns, _, _ := setupRepos(t)
	seedTransaction(t, txns, "t1")

	require.NoError(t, txns.SetExternalReference("t1", "mpesa-001"))
	require.NoError(t, txns.SetExternalReference("t1", "mpesa-999"))

	got, err := txns.GetByID("t1")
	require.NoError(t, err)
	require.Equal(t, "mpesa-001", got.ExternalReference)

	byExt, err := txns.GetByExternalReference("mpesa-001")
	require.NoError(t, err)
	require.Equal(t, "t1", byExt.ID)
}

func TestTransactionRepo_AttemptBookkeeping(t *testing.T) {
	txns, _, _ := setupRepos(t)
	seedTransaction(t, txns, "t1")

	require.NoError(t, txns.IncrementAttempt("t1"))
	require.NoError(t, txns.IncrementAttempt("t1"))
	got, err := txns.GetByID("t1")
	require.NoError(t, err)
	require.Equal(t, 2, got.AttemptCount)

	require.NoError(t, txns.ResetAttempts("t1"))
	got, err = txns.GetByID("t1")
	require.NoError(t, err)
	require.Zero(t, got.AttemptCount)
}

func TestTransactionRepo_ListSubmittedBefore(t *testing.T) {
	txns, _, _ := setupRepos(t)
	seedTransaction(t, txns, "stale")
	seedTransaction(t, txns, "fresh")
	seedTransaction(t, txns, "initiated")

	ok, err := txns.CompareAndSetStatus("stale", domain.StatusInitiated, domain.StatusSubmitted, "")
	require.NoError(t, err)
	require.True(t, ok)

	cutoff := time.Now().Add(time.Second)
	overdue, err := txns.ListSubmittedBefore(cutoff)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	require.Equal(t, "stale", overdue[0].ID)

	// Submitted after the cutoff is not overdue.
	time.Sleep(1100 * time.Millisecond)
	ok, err = txns.CompareAndSetStatus("fresh", domain.StatusInitiated, domain.StatusSubmitted, "")
	require.NoError(t, err)
	require.True(t, ok)

	overdue, err = txns.ListSubmittedBefore(cutoff)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
}

func TestRetryRepo_ReplacePendingKeepsOneRow(t *testing.T) {
	txns, retries, _ := setupRepos(t)
	seedTransaction(t, txns, "t1")

	first, err := retries.ReplacePending("t1", 1, time.Now().Add(time.Minute))
	require.NoError(t, err)

	second, err := retries.ReplacePending("t1", 2, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	pending, err := retries.PendingForTransaction("t1")
	require.NoError(t, err)
	require.Equal(t, second.ID, pending.ID)
	require.Equal(t, 2, pending.AttemptNumber)

	// The replaced row is gone entirely.
	claimed, err := retries.Claim(first.ID)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestRetryRepo_ListDueAndClaim(t *testing.T) {
	txns, retries, _ := setupRepos(t)
	seedTransaction(t, txns, "t1")
	seedTransaction(t, txns, "t2")

	now := time.Now().UTC()
	due, err := retries.ReplacePending("t1", 1, now.Add(-time.Second))
	require.NoError(t, err)
	_, err = retries.ReplacePending("t2", 1, now.Add(time.Hour))
	require.NoError(t, err)

	list, err := retries.ListDue(now, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, due.ID, list[0].ID)

	claimed, err := retries.Claim(due.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// A second claim loses.
	claimed, err = retries.Claim(due.ID)
	require.NoError(t, err)
	require.False(t, claimed)

	// Claimed rows stop showing up as due.
	list, err = retries.ListDue(now, 10)
	require.NoError(t, err)
	require.Empty(t, list)

	require.NoError(t, retries.Delete(due.ID))
}

func TestRetryRepo_ConcurrentClaimOneWinner(t *testing.T) {
	txns, retries, _ := setupRepos(t)
	seedTransaction(t, txns, "t1")

	entry, err := retries.ReplacePending("t1", 1, time.Now().Add(-time.Second))
	require.NoError(t, err)

	var mu sync.Mutex
	winners := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := retries.Claim(entry.ID)
			require.NoError(t, err)
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, winners, "exactly one worker may claim a retry")
}

func TestDeadLetterRepo_EnqueueIsIdempotent(t *testing.T) {
	txns, _, dlq := setupRepos(t)
	seedTransaction(t, txns, "t1")

	first, err := dlq.Enqueue("t1", "insufficient_funds")
	require.NoError(t, err)

	second, err := dlq.Enqueue("t1", "still failing after manual retry")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "re-enqueueing must update, not duplicate")
	require.Equal(t, "still failing after manual retry", second.Reason)

	entries, total, err := dlq.List(DeadLetterFilter{TransactionID: "t1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, entries, 1)
}

func TestDeadLetterRepo_ResolveIsWriteOnce(t *testing.T) {
	txns, _, dlq := setupRepos(t)
	seedTransaction(t, txns, "t1")

	entry, err := dlq.Enqueue("t1", "retry budget exhausted")
	require.NoError(t, err)

	ok, err := dlq.Resolve(entry.ID, domain.ResolutionWrittenOff)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = dlq.Resolve(entry.ID, domain.ResolutionRetried)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := dlq.GetByID(entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Resolution)
	require.Equal(t, domain.ResolutionWrittenOff, *got.Resolution)
	require.NotNil(t, got.ResolvedAt)
}

func TestDeadLetterRepo_ResolvedEntryAllowsNewEnqueue(t *testing.T) {
	txns, _, dlq := setupRepos(t)
	seedTransaction(t, txns, "t1")

	first, err := dlq.Enqueue("t1", "first failure")
	require.NoError(t, err)
	ok, err := dlq.Resolve(first.ID, domain.ResolutionRetried)
	require.NoError(t, err)
	require.True(t, ok)

	// After resolution the transaction can fail its way back in.
	second, err := dlq.Enqueue("t1", "failed again after reinjection")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	_, total, err := dlq.List(DeadLetterFilter{TransactionID: "t1"})
	require.NoError(t, err)
	require.Equal(t, 2, total)

	unresolved, _, err := dlq.List(DeadLetterFilter{TransactionID: "t1", Unresolved: true})
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	require.Equal(t, second.ID, unresolved[0].ID)
}

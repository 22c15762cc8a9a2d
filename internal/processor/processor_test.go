package processor_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wakala/payments/internal/domain"
	"github.com/wakala/payments/internal/gateway"
	"github.com/wakala/payments/internal/health"
	"github.com/wakala/payments/internal/processor"
	"github.com/wakala/payments/internal/repository"
	"github.com/wakala/payments/internal/retry"
)

// scriptedClient plays back a fixed sequence of initiate results.
type scriptedClient struct {
	mu            sync.Mutex
	outcomes      []gateway.Outcome
	errs          []error
	initiateCalls int
	cancelCalls   int
	refundCalls   int
}

func (c *scriptedClient) Initiate(ctx context.Context, tx *domain.PaymentTransaction) (gateway.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.initiateCalls
	c.initiateCalls++
	if i < len(c.errs) && c.errs[i] != nil {
		return gateway.Outcome{}, c.errs[i]
	}
	if i < len(c.outcomes) {
		return c.outcomes[i], nil
	}
	return gateway.Outcome{Status: gateway.OutcomePending}, nil
}

func (c *scriptedClient) Confirm(ctx context.Context, externalReference string) (gateway.Outcome, error) {
	return gateway.Outcome{Status: gateway.OutcomePending}, nil
}

func (c *scriptedClient) Cancel(ctx context.Context, tx *domain.PaymentTransaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelCalls++
	return nil
}

func (c *scriptedClient) Refund(ctx context.Context, tx *domain.PaymentTransaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refundCalls++
	return nil
}

// countingSink records notification dispatches.
type countingSink struct {
	mu           sync.Mutex
	completed    int
	failed       int
	deadLettered int
}

func (s *countingSink) TransactionCompleted(tx *domain.PaymentTransaction) {
	s.mu.Lock()
	s.completed++
	s.mu.Unlock()
}

func (s *countingSink) TransactionFailed(tx *domain.PaymentTransaction, reason string) {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

func (s *countingSink) TransactionDeadLettered(tx *domain.PaymentTransaction, reason string) {
	s.mu.Lock()
	s.deadLettered++
	s.mu.Unlock()
}

type fixture struct {
	txns    *repository.TransactionRepo
	retries *repository.RetryRepo
	dlq     *repository.DeadLetterRepo
	tracker *health.Tracker
	client  *scriptedClient
	sink    *countingSink
	proc    *processor.TransactionProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := repository.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		txns:    repository.NewTransactionRepo(db),
		retries: repository.NewRetryRepo(db),
		dlq:     repository.NewDeadLetterRepo(db),
		tracker: health.NewTracker(3, 30*time.Second),
		client:  &scriptedClient{},
		sink:    &countingSink{},
	}
	scheduler := retry.NewScheduler(f.retries, retry.Policy{
		MaxAttempts:            5,
		UnknownCodeMaxAttempts: 2,
		BaseDelay:              60 * time.Second,
		MaxDelay:               15 * time.Minute,
		Multiplier:             2.0,
	})
	registry := gateway.Registry{domain.GatewayMPesa: f.client}
	f.proc = processor.New(
		f.txns, registry, f.tracker, scheduler, f.dlq, f.sink,
		time.Second, 15*time.Minute,
	)
	return f
}

func validRequest() processor.InitiateRequest {
	return processor.InitiateRequest{
		GatewayType: domain.GatewayMPesa,
		Amount:      50,
		PayerPhone:  "254712345678",
	}
}

func TestInitiate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  processor.InitiateRequest
	}{
		{"zero amount", processor.InitiateRequest{GatewayType: domain.GatewayMPesa, Amount: 0, PayerPhone: "254712345678"}},
		{"negative amount", processor.InitiateRequest{GatewayType: domain.GatewayMPesa, Amount: -5, PayerPhone: "254712345678"}},
		{"bad phone", processor.InitiateRequest{GatewayType: domain.GatewayMPesa, Amount: 50, PayerPhone: "0712"}},
		{"phone for wrong gateway", processor.InitiateRequest{GatewayType: domain.GatewayMPesa, Amount: 50, PayerPhone: "256771234567"}},
		{"unknown gateway", processor.InitiateRequest{GatewayType: "paypal", Amount: 50, PayerPhone: "254712345678"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.proc.Initiate(ctx, tt.req)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	require.Zero(t, f.client.initiateCalls, "validation failures must never reach the gateway")
}

func TestInitiate_PendingRecordsExternalReference(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{
		{Status: gateway.OutcomePending, ExternalReference: "mpesa-001"},
	}

	tx, err := f.proc.Initiate(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusSubmitted, tx.Status)
	require.Equal(t, 1, tx.AttemptCount)
	require.Equal(t, "mpesa-001", tx.ExternalReference)

	stored, err := f.txns.GetByExternalReference("mpesa-001")
	require.NoError(t, err)
	require.Equal(t, tx.ID, stored.ID)
}

func TestInitiate_CircuitOpenFailsFastWithoutConsumingBudget(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.tracker.RecordFailure(domain.GatewayMPesa)
	}

	tx, err := f.proc.Initiate(context.Background(), validRequest())
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	require.Zero(t, f.client.initiateCalls, "an open circuit must not be called")

	stored, err := f.txns.GetByID(tx.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInitiated, stored.Status)
	require.Zero(t, stored.AttemptCount)

	_, err = f.retries.PendingForTransaction(tx.ID)
	require.ErrorIs(t, err, domain.ErrNotFound, "a fast fail must not consume a retry slot")
}

func TestInitiate_SynchronousSuccess(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{
		{Status: gateway.OutcomeSuccess, ExternalReference: "mpesa-002"},
	}

	tx, err := f.proc.Initiate(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, tx.Status)
	require.Equal(t, 1, f.sink.completed)
}

func TestInitiate_TransientFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{
		{Status: gateway.OutcomeFailure, Code: gateway.CodeNetworkError, Message: "connection reset"},
	}

	tx, err := f.proc.Initiate(context.Background(), validRequest())
	require.NoError(t, err, "gateway failures are absorbed, not surfaced")
	require.Equal(t, domain.StatusFailed, tx.Status)

	pending, err := f.retries.PendingForTransaction(tx.ID)
	require.NoError(t, err)
	require.Equal(t, 1, pending.AttemptNumber)

	_, total, err := f.dlq.List(repository.DeadLetterFilter{TransactionID: tx.ID})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Zero(t, f.sink.failed, "a retriable failure is not final, no notification yet")
}

func TestInitiate_TimeoutIsRetriable(t *testing.T) {
	f := newFixture(t)
	f.client.errs = []error{context.DeadlineExceeded}

	tx, err := f.proc.Initiate(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, tx.Status)

	pending, err := f.retries.PendingForTransaction(tx.ID)
	require.NoError(t, err)
	require.Equal(t, 1, pending.AttemptNumber)
}

func TestInitiate_PermanentFailureDeadLettersImmediately(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{
		{Status: gateway.OutcomeFailure, Code: gateway.CodeInsufficientFunds},
	}

	tx, err := f.proc.Initiate(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, tx.Status)

	_, err = f.retries.PendingForTransaction(tx.ID)
	require.ErrorIs(t, err, domain.ErrNotFound, "permanent failures are never retried")

	entries, total, err := f.dlq.List(repository.DeadLetterFilter{TransactionID: tx.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Contains(t, entries[0].Reason, gateway.CodeInsufficientFunds)
	require.Equal(t, 1, f.sink.failed)
	require.Equal(t, 1, f.sink.deadLettered)
}

func TestInitiate_AbandonedProbeDoesNotWedgeCircuit(t *testing.T) {
	db, err := repository.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	txns := repository.NewTransactionRepo(db)
	retries := repository.NewRetryRepo(db)
	scheduler := retry.NewScheduler(retries, retry.Policy{
		MaxAttempts: 5, UnknownCodeMaxAttempts: 2,
		BaseDelay: time.Minute, MaxDelay: time.Hour, Multiplier: 2,
	})
	tracker := health.NewTracker(1, 10*time.Millisecond)
	// No client registered for mtnmomo: the submission aborts after the
	// circuit admitted its half-open probe.
	registry := gateway.Registry{domain.GatewayMPesa: &scriptedClient{}}
	proc := processor.New(txns, registry, tracker, scheduler,
		repository.NewDeadLetterRepo(db), &countingSink{}, time.Second, 15*time.Minute)

	tracker.RecordFailure(domain.GatewayMTNMoMo)
	time.Sleep(20 * time.Millisecond)

	_, err = proc.Initiate(context.Background(), processor.InitiateRequest{
		GatewayType: domain.GatewayMTNMoMo,
		Amount:      50,
		PayerPhone:  "256771234567",
	})
	require.Error(t, err)

	// The abort released the probe; the circuit recovers instead of
	// rejecting every caller until restart.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, health.Allowed, tracker.BeforeCall(domain.GatewayMTNMoMo))
}

func TestConfirm_IdempotentSuccess(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{
		{Status: gateway.OutcomePending, ExternalReference: "mpesa-003"},
	}
	ctx := context.Background()

	tx, err := f.proc.Initiate(ctx, validRequest())
	require.NoError(t, err)

	outcome := gateway.Outcome{Status: gateway.OutcomeSuccess, ExternalReference: "mpesa-003"}

	first, err := f.proc.Confirm(ctx, tx.ID, outcome)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, first.Status)

	// A duplicate delivery is a no-op returning the applied state.
	second, err := f.proc.Confirm(ctx, tx.ID, outcome)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, second.Status)

	require.Equal(t, 1, f.sink.completed, "exactly one notification despite duplicate confirmation")
}

func TestConfirm_FailureAfterCompletionIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{{Status: gateway.OutcomePending}}
	ctx := context.Background()

	tx, err := f.proc.Initiate(ctx, validRequest())
	require.NoError(t, err)

	_, err = f.proc.Confirm(ctx, tx.ID, gateway.Outcome{Status: gateway.OutcomeSuccess})
	require.NoError(t, err)

	got, err := f.proc.Confirm(ctx, tx.ID, gateway.Outcome{Status: gateway.OutcomeFailure, Code: gateway.CodeTimeout})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)

	_, err = f.retries.PendingForTransaction(tx.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConfirm_RecordsWebhookAssignedExternalReference(t *testing.T) {
	f := newFixture(t)
	// The gateway accepts without assigning its reference yet.
	f.client.outcomes = []gateway.Outcome{{Status: gateway.OutcomePending}}
	ctx := context.Background()

	tx, err := f.proc.Initiate(ctx, validRequest())
	require.NoError(t, err)
	require.Empty(t, tx.ExternalReference)

	got, err := f.proc.Confirm(ctx, tx.ID, gateway.Outcome{
		Status:            gateway.OutcomeSuccess,
		ExternalReference: "mpesa-wh-1",
	})
	require.NoError(t, err)
	require.Equal(t, "mpesa-wh-1", got.ExternalReference)

	stored, err := f.txns.GetByExternalReference("mpesa-wh-1")
	require.NoError(t, err)
	require.Equal(t, tx.ID, stored.ID)
}

func TestReinject_LostRaceKeepsAttemptCount(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{{Status: gateway.OutcomeSuccess}}
	ctx := context.Background()

	tx, err := f.proc.Initiate(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, tx.Status)

	// A stale reinjection against a transaction that moved on must not
	// touch its budget.
	err = f.proc.Reinject(ctx, tx.ID)
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	got, err := f.txns.GetByID(tx.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
	require.Equal(t, 1, got.AttemptCount)
}

func TestCancel_FromSubmitted(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{{Status: gateway.OutcomePending}}
	ctx := context.Background()

	tx, err := f.proc.Initiate(ctx, validRequest())
	require.NoError(t, err)

	cancelled, err := f.proc.Cancel(ctx, tx.ID, "payer changed their mind")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.Equal(t, 1, f.client.cancelCalls, "gateway gets the advisory cancel")
}

func TestCancel_FinalityAgainstLateSuccess(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{
		{Status: gateway.OutcomePending, ExternalReference: "mpesa-004"},
	}
	ctx := context.Background()

	tx, err := f.proc.Initiate(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.proc.Cancel(ctx, tx.ID, "caller cancelled")
	require.NoError(t, err)

	// The gateway processed the payment anyway and confirms success later.
	got, err := f.proc.Confirm(ctx, tx.ID, gateway.Outcome{Status: gateway.OutcomeSuccess, ExternalReference: "mpesa-004"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, got.Status, "cancellation is never overwritten by a late success")
	require.Zero(t, f.sink.completed)
}

func TestCancel_RejectedFromTerminalState(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{{Status: gateway.OutcomeSuccess}}
	ctx := context.Background()

	tx, err := f.proc.Initiate(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, tx.Status)

	_, err = f.proc.Cancel(ctx, tx.ID, "too late")
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	got, err := f.txns.GetByID(tx.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
}

func TestExpire_SubmittedWithoutConfirmation(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{{Status: gateway.OutcomePending}}
	ctx := context.Background()

	tx, err := f.proc.Initiate(ctx, validRequest())
	require.NoError(t, err)

	expired, err := f.proc.Expire(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, expired.Status)

	// Expired is terminal and distinct from failed: no retry follows and a
	// late confirmation is absorbed.
	_, err = f.retries.PendingForTransaction(tx.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	got, err := f.proc.Confirm(ctx, tx.ID, gateway.Outcome{Status: gateway.OutcomeFailure, Code: gateway.CodeTimeout})
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, got.Status)
}

func TestResubmit_SkipsMovedOnTransactions(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{{Status: gateway.OutcomeSuccess}}
	ctx := context.Background()

	tx, err := f.proc.Initiate(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, tx.Status)

	got, err := f.proc.Resubmit(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
	require.Equal(t, 1, f.client.initiateCalls, "a completed transaction is never resubmitted")
}

func TestConcurrentConfirm_ExactlyOneApplies(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{{Status: gateway.OutcomePending}}
	ctx := context.Background()

	tx, err := f.proc.Initiate(ctx, validRequest())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.proc.Confirm(ctx, tx.ID, gateway.Outcome{Status: gateway.OutcomeSuccess})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.txns.GetByID(tx.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
	require.Equal(t, 1, f.sink.completed, "racing confirmations must notify exactly once")
}

func TestUnknownFailureCode_RetriedWithLowerCeiling(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{
		{Status: gateway.OutcomeFailure, Code: "provider_err_9931"},
	}
	ctx := context.Background()

	tx, err := f.proc.Initiate(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, tx.Status)

	// First attempt of an unknown code is still retried.
	pending, err := f.retries.PendingForTransaction(tx.ID)
	require.NoError(t, err)
	require.Equal(t, 1, pending.AttemptNumber)
}

func TestExpireOverdue_SweepsStaleSubmitted(t *testing.T) {
	f := newFixture(t)
	f.client.outcomes = []gateway.Outcome{{Status: gateway.OutcomePending}}
	ctx := context.Background()

	// A processor with a very short confirmation window, over the same store.
	impatient := processor.New(
		f.txns, gateway.Registry{domain.GatewayMPesa: f.client}, f.tracker,
		retry.NewScheduler(f.retries, retry.Policy{MaxAttempts: 5, UnknownCodeMaxAttempts: 2, BaseDelay: time.Minute, MaxDelay: time.Hour, Multiplier: 2}),
		f.dlq, f.sink, time.Second, 20*time.Millisecond,
	)

	tx, err := impatient.Initiate(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusSubmitted, tx.Status)

	// Inside the window: nothing to sweep.
	expired, err := impatient.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Zero(t, expired)

	time.Sleep(30 * time.Millisecond)

	expired, err = impatient.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	got, err := f.txns.GetByID(tx.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, got.Status)
}

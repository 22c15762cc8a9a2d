package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wakala/payments/internal/domain"
	"github.com/wakala/payments/internal/gateway"
	"github.com/wakala/payments/internal/health"
	"github.com/wakala/payments/internal/notify"
)

// Store is the persistence contract the processor mutates transactions
// through. Implemented by repository.TransactionRepo.
type Store interface {
	Create(tx *domain.PaymentTransaction) error
	GetByID(id string) (*domain.PaymentTransaction, error)
	GetByReference(ref string) (*domain.PaymentTransaction, error)
	GetByExternalReference(ref string) (*domain.PaymentTransaction, error)
	CompareAndSetStatus(id string, expected, next domain.Status, message string) (bool, error)
	SetExternalReference(id, ref string) error
	IncrementAttempt(id string) error
	ResetAttempts(id string) error
	ListSubmittedBefore(cutoff time.Time) ([]domain.PaymentTransaction, error)
}

// Health gates and observes gateway calls. Implemented by health.Tracker.
type Health interface {
	BeforeCall(gw domain.GatewayType) health.Decision
	RecordSuccess(gw domain.GatewayType)
	RecordFailure(gw domain.GatewayType)
	ReleaseProbe(gw domain.GatewayType)
}

// RetryPolicy classifies failures and books retries. Implemented by
// retry.Scheduler.
type RetryPolicy interface {
	Classify(code string) domain.FailureClass
	ScheduleIfRetriable(tx *domain.PaymentTransaction, class domain.FailureClass) (bool, error)
	ScheduleReinjection(transactionID string) error
}

// DeadLetters receives transactions that exhausted automated handling.
type DeadLetters interface {
	Enqueue(transactionID, reason string) (*domain.DeadLetterEntry, error)
}

// TransactionProcessor owns the payment state machine. All status mutation
// flows through here (and nowhere else), guarded by compare-and-set so
// concurrent confirmations, cancellations and retries serialize per
// transaction: the loser of a race observes the applied state as a no-op.
type TransactionProcessor struct {
	store       Store
	gateways    gateway.Registry
	health      Health
	retries     RetryPolicy
	deadLetters DeadLetters
	sink        notify.Sink

	gatewayTimeout     time.Duration
	confirmationWindow time.Duration
	now                func() time.Time
}

func New(
	store Store,
	gateways gateway.Registry,
	health Health,
	retries RetryPolicy,
	deadLetters DeadLetters,
	sink notify.Sink,
	gatewayTimeout, confirmationWindow time.Duration,
) *TransactionProcessor {
	return &TransactionProcessor{
		store:              store,
		gateways:           gateways,
		health:             health,
		retries:            retries,
		deadLetters:        deadLetters,
		sink:               sink,
		gatewayTimeout:     gatewayTimeout,
		confirmationWindow: confirmationWindow,
		now:                time.Now,
	}
}

type InitiateRequest struct {
	GatewayType domain.GatewayType `json:"gateway_type"`
	Amount      float64            `json:"amount"`
	PayerPhone  string             `json:"payer_phone"`
}

// Initiate validates the request, creates the transaction and submits it to
// the gateway. A circuit-open rejection surfaces as ErrGatewayUnavailable
// with the transaction still in initiated and no retry budget consumed.
// Gateway failures are absorbed: the caller gets the transaction back and
// reads its status; only validation and circuit rejection return errors.
func (p *TransactionProcessor) Initiate(ctx context.Context, req InitiateRequest) (*domain.PaymentTransaction, error) {
	if err := domain.ValidateInitiation(req.GatewayType, req.Amount, req.PayerPhone); err != nil {
		return nil, err
	}

	now := p.now().UTC()
	tx := &domain.PaymentTransaction{
		ID:                 uuid.NewString(),
		Reference:          newReference(),
		GatewayType:        req.GatewayType,
		Amount:             req.Amount,
		PayerPhone:         req.PayerPhone,
		Status:             domain.StatusInitiated,
		CreatedAt:          now,
		LastStatusChangeAt: now,
	}
	if err := p.store.Create(tx); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	log.Printf("[processor] %s: initiated %.2f via %s", tx.Reference, tx.Amount, tx.GatewayType)
	return p.submit(ctx, tx)
}

// Resubmit pushes a previously failed (or operator-reinjected) transaction
// back through the gateway. Called by the retry worker. A transaction that
// moved on in the meantime is skipped, not an error.
func (p *TransactionProcessor) Resubmit(ctx context.Context, transactionID string) (*domain.PaymentTransaction, error) {
	tx, err := p.store.GetByID(transactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}

	switch tx.Status {
	case domain.StatusFailed, domain.StatusInitiated:
		return p.submit(ctx, tx)
	default:
		log.Printf("[processor] %s: skipping resubmission, status is %s", tx.Reference, tx.Status)
		return tx, nil
	}
}

// submit performs the guarded gateway call: circuit check, CAS into
// submitted, bounded-timeout initiate, then outcome handling.
func (p *TransactionProcessor) submit(ctx context.Context, tx *domain.PaymentTransaction) (*domain.PaymentTransaction, error) {
	if p.health.BeforeCall(tx.GatewayType) == health.Rejected {
		return tx, fmt.Errorf("%w: circuit open for %s", domain.ErrGatewayUnavailable, tx.GatewayType)
	}
	// Every path below must leave the breaker with an outcome. Paths that
	// never reach one (lost CAS, store errors) release the probe this call
	// may have been admitted on; once an outcome is recorded this is a no-op.
	defer p.health.ReleaseProbe(tx.GatewayType)

	client, err := p.gateways.Get(tx.GatewayType)
	if err != nil {
		return tx, err
	}

	ok, err := p.store.CompareAndSetStatus(tx.ID, tx.Status, domain.StatusSubmitted, "submitted to gateway")
	if err != nil {
		return tx, fmt.Errorf("mark submitted: %w", err)
	}
	if !ok {
		// Someone else moved the transaction (e.g. a concurrent cancel).
		return p.reload(tx)
	}
	if err := p.store.IncrementAttempt(tx.ID); err != nil {
		return tx, fmt.Errorf("increment attempt: %w", err)
	}
	tx.Status = domain.StatusSubmitted
	tx.AttemptCount++

	callCtx, cancel := context.WithTimeout(ctx, p.gatewayTimeout)
	defer cancel()

	outcome, err := client.Initiate(callCtx, tx)
	if err != nil {
		// Assume nothing happened if unsure: a timed-out or failed call is a
		// retriable failure, never a success or a permanent rejection.
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = gateway.Timeout()
		} else {
			outcome = gateway.Outcome{
				Status:  gateway.OutcomeFailure,
				Code:    gateway.CodeNetworkError,
				Message: err.Error(),
			}
		}
	}

	if outcome.ExternalReference != "" {
		if err := p.store.SetExternalReference(tx.ID, outcome.ExternalReference); err != nil {
			return tx, fmt.Errorf("record external reference: %w", err)
		}
		if tx.ExternalReference == "" {
			tx.ExternalReference = outcome.ExternalReference
		}
	}

	if outcome.Status == gateway.OutcomePending {
		// Gateway accepted the request; confirmation arrives via webhook.
		p.health.RecordSuccess(tx.GatewayType)
		return tx, nil
	}
	return p.applyOutcome(tx, outcome)
}

// Confirm applies a gateway outcome to a transaction. Idempotent: a repeat
// of an already-applied outcome returns the current state without error and
// without a second notification.
func (p *TransactionProcessor) Confirm(ctx context.Context, transactionID string, outcome gateway.Outcome) (*domain.PaymentTransaction, error) {
	tx, err := p.store.GetByID(transactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}

	// Some gateways assign their reference only on the confirmation. The
	// store write is write-once, so a conflicting late value is ignored.
	if outcome.ExternalReference != "" && tx.ExternalReference == "" {
		if err := p.store.SetExternalReference(tx.ID, outcome.ExternalReference); err != nil {
			return tx, fmt.Errorf("record external reference: %w", err)
		}
		tx.ExternalReference = outcome.ExternalReference
	}

	if tx.Status == domain.StatusCancelled && outcome.Status == gateway.OutcomeSuccess {
		// The gateway processed the payment after we recorded the
		// cancellation. The cancel decision was final on our side; flag the
		// mismatch for reconciliation instead of overwriting it.
		log.Printf("[processor] %s: RECONCILE: success confirmation for cancelled transaction (external ref %s)",
			tx.Reference, outcome.ExternalReference)
		return tx, nil
	}
	if outcome.Status == gateway.OutcomePending {
		return tx, nil
	}
	return p.applyOutcome(tx, outcome)
}

// applyOutcome moves a submitted transaction to its confirmed state. The CAS
// from submitted is the serialization point: only the winner records gateway
// health, schedules retries and notifies, so duplicate confirmations cannot
// double-count breaker failures or send double notifications.
func (p *TransactionProcessor) applyOutcome(tx *domain.PaymentTransaction, outcome gateway.Outcome) (*domain.PaymentTransaction, error) {
	if outcome.Status == gateway.OutcomeSuccess {
		ok, err := p.store.CompareAndSetStatus(tx.ID, domain.StatusSubmitted, domain.StatusCompleted, "confirmed by gateway")
		if err != nil {
			return tx, fmt.Errorf("mark completed: %w", err)
		}
		if !ok {
			return p.reload(tx)
		}
		tx.Status = domain.StatusCompleted
		p.health.RecordSuccess(tx.GatewayType)
		p.sink.TransactionCompleted(tx)
		log.Printf("[processor] %s: completed after %d attempt(s)", tx.Reference, tx.AttemptCount)
		return tx, nil
	}

	reason := outcome.Code
	if outcome.Message != "" {
		reason = outcome.Code + ": " + outcome.Message
	}

	ok, err := p.store.CompareAndSetStatus(tx.ID, domain.StatusSubmitted, domain.StatusFailed, reason)
	if err != nil {
		return tx, fmt.Errorf("mark failed: %w", err)
	}
	if !ok {
		return p.reload(tx)
	}
	tx.Status = domain.StatusFailed
	tx.StatusMessage = reason
	p.health.RecordFailure(tx.GatewayType)

	class := p.retries.Classify(outcome.Code)
	if class == domain.FailurePermanent {
		return tx, p.deadLetter(tx, reason)
	}

	scheduled, err := p.retries.ScheduleIfRetriable(tx, class)
	if err != nil {
		return tx, fmt.Errorf("schedule retry: %w", err)
	}
	if !scheduled {
		return tx, p.deadLetter(tx, "retry budget exhausted: "+reason)
	}
	return tx, nil
}

func (p *TransactionProcessor) deadLetter(tx *domain.PaymentTransaction, reason string) error {
	if _, err := p.deadLetters.Enqueue(tx.ID, reason); err != nil {
		return fmt.Errorf("enqueue dead letter: %w", err)
	}
	p.sink.TransactionFailed(tx, reason)
	p.sink.TransactionDeadLettered(tx, reason)
	log.Printf("[processor] %s: dead-lettered: %s", tx.Reference, reason)
	return nil
}

// Cancel moves a transaction to cancelled. Allowed only from initiated or
// submitted. The gateway is told as a courtesy; it may already have
// processed the payment, in which case the late success webhook is absorbed
// by Confirm without reopening the cancellation.
func (p *TransactionProcessor) Cancel(ctx context.Context, transactionID, reason string) (*domain.PaymentTransaction, error) {
	for attempt := 0; attempt < 2; attempt++ {
		tx, err := p.store.GetByID(transactionID)
		if err != nil {
			return nil, fmt.Errorf("load transaction: %w", err)
		}
		if !domain.CanTransition(tx.Status, domain.StatusCancelled) {
			return tx, fmt.Errorf("%w: cannot cancel from %s", domain.ErrInvalidStateTransition, tx.Status)
		}

		ok, err := p.store.CompareAndSetStatus(tx.ID, tx.Status, domain.StatusCancelled, reason)
		if err != nil {
			return tx, fmt.Errorf("mark cancelled: %w", err)
		}
		if !ok {
			// Status moved under us; reload and re-check.
			continue
		}
		tx.Status = domain.StatusCancelled
		tx.StatusMessage = reason

		if client, cerr := p.gateways.Get(tx.GatewayType); cerr == nil {
			callCtx, cancel := context.WithTimeout(ctx, p.gatewayTimeout)
			if cerr := client.Cancel(callCtx, tx); cerr != nil {
				log.Printf("[processor] %s: advisory gateway cancel failed: %v", tx.Reference, cerr)
			}
			cancel()
		}

		log.Printf("[processor] %s: cancelled: %s", tx.Reference, reason)
		return tx, nil
	}

	tx, err := p.store.GetByID(transactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	return tx, fmt.Errorf("%w: cannot cancel from %s", domain.ErrInvalidStateTransition, tx.Status)
}

// Expire moves a submitted transaction that never got a confirmation to
// expired, a terminal state distinct from failed: no retry follows.
func (p *TransactionProcessor) Expire(ctx context.Context, transactionID string) (*domain.PaymentTransaction, error) {
	tx, err := p.store.GetByID(transactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}

	ok, err := p.store.CompareAndSetStatus(tx.ID, domain.StatusSubmitted, domain.StatusExpired, "no confirmation within window")
	if err != nil {
		return tx, fmt.Errorf("mark expired: %w", err)
	}
	if !ok {
		// A confirmation or cancellation won the race.
		return p.reload(tx)
	}
	tx.Status = domain.StatusExpired
	log.Printf("[processor] %s: expired after %s without confirmation", tx.Reference, p.confirmationWindow)
	return tx, nil
}

// ExpireOverdue sweeps submitted transactions older than the confirmation
// window. Driven by a periodic loop in main.
func (p *TransactionProcessor) ExpireOverdue(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.confirmationWindow)
	overdue, err := p.store.ListSubmittedBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("list overdue: %w", err)
	}

	expired := 0
	for i := range overdue {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		tx, err := p.Expire(ctx, overdue[i].ID)
		if err != nil {
			log.Printf("[processor] expire %s: %v", overdue[i].Reference, err)
			continue
		}
		if tx.Status == domain.StatusExpired {
			expired++
		}
	}
	return expired, nil
}

// Reinject returns a dead-lettered transaction to initiated with a fresh
// retry budget and queues it for resubmission. Only the dead-letter
// service's "retried" resolution calls this — the single escape from a
// terminal failure, and always operator-driven.
func (p *TransactionProcessor) Reinject(ctx context.Context, transactionID string) error {
	// The CAS guards the reset: a transaction that moved on keeps its budget.
	ok, err := p.store.CompareAndSetStatus(transactionID, domain.StatusFailed, domain.StatusInitiated, "reinjected by operator")
	if err != nil {
		return fmt.Errorf("reinject: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: transaction is no longer in failed", domain.ErrInvalidStateTransition)
	}
	if err := p.store.ResetAttempts(transactionID); err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}

	if err := p.retries.ScheduleReinjection(transactionID); err != nil {
		return err
	}
	log.Printf("[processor] transaction %s reinjected by operator", transactionID)
	return nil
}

// Get returns the transaction as the caller's view of progress: gateway
// failures are absorbed into retries, so polling status is the only way an
// original caller observes them.
func (p *TransactionProcessor) Get(transactionID string) (*domain.PaymentTransaction, error) {
	return p.store.GetByID(transactionID)
}

func (p *TransactionProcessor) reload(tx *domain.PaymentTransaction) (*domain.PaymentTransaction, error) {
	current, err := p.store.GetByID(tx.ID)
	if err != nil {
		return tx, fmt.Errorf("reload transaction: %w", err)
	}
	log.Printf("[processor] %s: lost status race, current state is %s", current.Reference, current.Status)
	return current, nil
}

func newReference() string {
	return "PAY-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

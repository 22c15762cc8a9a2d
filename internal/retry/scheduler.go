package retry

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/wakala/payments/internal/domain"
	"github.com/wakala/payments/internal/gateway"
)

// Store is the slice of persistence the scheduler and worker need.
// Implemented by repository.RetryRepo.
type Store interface {
	ReplacePending(transactionID string, attemptNumber int, scheduledAt time.Time) (*domain.ScheduledRetry, error)
	ListDue(now time.Time, limit int) ([]domain.ScheduledRetry, error)
	Claim(id string) (bool, error)
	Delete(id string) error
}

// Policy carries the retry knobs. All values come from configuration.
type Policy struct {
	MaxAttempts            int
	UnknownCodeMaxAttempts int
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	Multiplier             float64
}

// Scheduler decides whether a failure is worth retrying and, if so, when.
type Scheduler struct {
	store  Store
	policy Policy

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

func NewScheduler(store Store, policy Policy) *Scheduler {
	return &Scheduler{
		store:  store,
		policy: policy,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

// Classify maps a normalised gateway failure code to a retry class.
// Codes we have never seen default to retriable: favour giving the payer a
// chance over silently failing, but under a lower attempt ceiling.
func (s *Scheduler) Classify(code string) domain.FailureClass {
	switch code {
	case gateway.CodeTimeout, gateway.CodeNetworkError, gateway.CodeRateLimited:
		return domain.FailureRetriable
	case gateway.CodeInvalidAccount, gateway.CodeInsufficientFunds, gateway.CodeBlockedNumber:
		return domain.FailurePermanent
	default:
		return domain.FailureUnknown
	}
}

// ScheduleIfRetriable persists a retry for the transaction unless its budget
// is exhausted, in which case it returns false and the caller dead-letters
// it. Scheduling replaces any pending retry rather than duplicating it.
func (s *Scheduler) ScheduleIfRetriable(tx *domain.PaymentTransaction, class domain.FailureClass) (bool, error) {
	ceiling := s.policy.MaxAttempts
	if class == domain.FailureUnknown {
		ceiling = s.policy.UnknownCodeMaxAttempts
	}
	if tx.AttemptCount >= ceiling {
		return false, nil
	}

	delay := s.delayFor(tx.AttemptCount)
	due := s.now().Add(delay)

	if _, err := s.store.ReplacePending(tx.ID, tx.AttemptCount, due); err != nil {
		return false, fmt.Errorf("persist retry: %w", err)
	}

	log.Printf("[retry] %s: attempt %d failed, retry in %s", tx.Reference, tx.AttemptCount, delay.Round(time.Second))
	return true, nil
}

// ScheduleReinjection queues an operator-resolved transaction for immediate
// resubmission by the worker.
func (s *Scheduler) ScheduleReinjection(transactionID string) error {
	if _, err := s.store.ReplacePending(transactionID, 0, s.now()); err != nil {
		return fmt.Errorf("persist reinjection: %w", err)
	}
	return nil
}

// delayFor computes min(maxDelay, baseDelay * multiplier^(attempt-1)) with
// ±20% jitter so simultaneous failures against a degraded gateway do not
// come back as a synchronized retry storm. The first retry waits baseDelay.
func (s *Scheduler) delayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(s.policy.BaseDelay) * math.Pow(s.policy.Multiplier, float64(attempt-1))
	if capped := float64(s.policy.MaxDelay); backoff > capped {
		backoff = capped
	}

	s.mu.Lock()
	jitter := 0.8 + 0.4*s.rng.Float64()
	s.mu.Unlock()

	return time.Duration(backoff * jitter)
}

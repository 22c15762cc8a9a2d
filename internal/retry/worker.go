package retry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/wakala/payments/internal/domain"
)

// Resubmitter is the slice of the transaction processor the worker drives.
type Resubmitter interface {
	Resubmit(ctx context.Context, transactionID string) (*domain.PaymentTransaction, error)
}

// Worker polls for due retries and pushes them back through the processor.
// Safe to run on several instances at once: each row is claimed exclusively,
// and losing a claim race just means another worker took it.
type Worker struct {
	store     Store
	processor Resubmitter

	pollInterval time.Duration
	// requeueDelay is how long to push a retry back when the gateway circuit
	// rejected the resubmission. The attempt number is kept as-is: a fast
	// fail never consumes budget.
	requeueDelay time.Duration
	batchSize    int
	now          func() time.Time
}

func NewWorker(store Store, processor Resubmitter, pollInterval, requeueDelay time.Duration) *Worker {
	return &Worker{
		store:        store,
		processor:    processor,
		pollInterval: pollInterval,
		requeueDelay: requeueDelay,
		batchSize:    50,
		now:          time.Now,
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[retry-worker] polling every %s", w.pollInterval)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[retry-worker] stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil {
				log.Printf("[retry-worker] tick failed: %v", err)
			}
		}
	}
}

// Tick processes one batch of due retries and returns how many it handled.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	due, err := w.store.ListDue(w.now(), w.batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, entry := range due {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		claimed, err := w.store.Claim(entry.ID)
		if err != nil {
			log.Printf("[retry-worker] claim %s: %v", entry.ID, err)
			continue
		}
		if !claimed {
			// Another worker got it first. Not an error.
			continue
		}

		w.process(ctx, entry)
		processed++
	}
	return processed, nil
}

func (w *Worker) process(ctx context.Context, entry domain.ScheduledRetry) {
	_, err := w.processor.Resubmit(ctx, entry.TransactionID)

	switch {
	case err == nil:
		// The processor owns the outcome: it either finalized the
		// transaction, scheduled the next retry, or dead-lettered it.
	case errors.Is(err, domain.ErrGatewayUnavailable):
		// Circuit open. Push the same attempt back instead of burning budget.
		w.requeue(entry)
	default:
		// The resubmission never produced an outcome; dropping the row here
		// would strand the transaction in failed with no pending work.
		log.Printf("[retry-worker] resubmit %s: %v", entry.TransactionID, err)
		w.requeue(entry)
	}

	// The claimed row is consumed either way.
	if err := w.store.Delete(entry.ID); err != nil {
		log.Printf("[retry-worker] delete %s: %v", entry.ID, err)
	}
}

// requeue books the same attempt again after the requeue delay, consuming no
// budget.
func (w *Worker) requeue(entry domain.ScheduledRetry) {
	if _, err := w.store.ReplacePending(entry.TransactionID, entry.AttemptNumber, w.now().Add(w.requeueDelay)); err != nil {
		log.Printf("[retry-worker] requeue %s: %v", entry.TransactionID, err)
	}
}

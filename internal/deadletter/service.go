package deadletter

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/wakala/payments/internal/domain"
	"github.com/wakala/payments/internal/gateway"
)

// Repo is the persistence behind the queue. Implemented by
// repository.DeadLetterRepo.
type Repo interface {
	Enqueue(transactionID, reason string) (*domain.DeadLetterEntry, error)
	GetByID(id string) (*domain.DeadLetterEntry, error)
	Resolve(id string, resolution domain.Resolution) (bool, error)
}

// Reinjector is the processor capability behind the "retried" resolution.
type Reinjector interface {
	Reinject(ctx context.Context, transactionID string) error
}

// Transactions is the read access needed to issue refunds.
type Transactions interface {
	GetByID(id string) (*domain.PaymentTransaction, error)
}

// Service is the manual-disposition side of the dead-letter queue. Entries
// get here through retry exhaustion or permanent gateway rejection, and only
// an operator resolution moves a transaction out again.
type Service struct {
	repo           Repo
	transactions   Transactions
	processor      Reinjector
	gateways       gateway.Registry
	gatewayTimeout time.Duration
}

func NewService(repo Repo, transactions Transactions, processor Reinjector, gateways gateway.Registry, gatewayTimeout time.Duration) *Service {
	return &Service{
		repo:           repo,
		transactions:   transactions,
		processor:      processor,
		gateways:       gateways,
		gatewayTimeout: gatewayTimeout,
	}
}

// Resolve applies an operator disposition to an entry. Retried reinjects the
// transaction with a fresh budget; written_off closes it; refunded closes it
// and asks the gateway for a refund best-effort — a refund API hiccup does
// not undo the operator's decision.
func (s *Service) Resolve(ctx context.Context, entryID string, resolution domain.Resolution) (*domain.DeadLetterEntry, error) {
	entry, err := s.repo.GetByID(entryID)
	if err != nil {
		return nil, err
	}
	if entry.Resolution != nil {
		return entry, fmt.Errorf("%w: entry already resolved as %s", domain.ErrInvalidStateTransition, *entry.Resolution)
	}

	if resolution == domain.ResolutionRetried {
		if err := s.processor.Reinject(ctx, entry.TransactionID); err != nil {
			return entry, fmt.Errorf("reinject transaction: %w", err)
		}
	}

	ok, err := s.repo.Resolve(entryID, resolution)
	if err != nil {
		return entry, err
	}
	if !ok {
		return entry, fmt.Errorf("%w: entry resolved concurrently", domain.ErrInvalidStateTransition)
	}

	if resolution == domain.ResolutionRefunded {
		s.refund(ctx, entry.TransactionID)
	}

	log.Printf("[dead-letter] entry %s resolved as %s", entryID, resolution)
	return s.repo.GetByID(entryID)
}

func (s *Service) refund(ctx context.Context, transactionID string) {
	tx, err := s.transactions.GetByID(transactionID)
	if err != nil {
		log.Printf("[dead-letter] refund: load transaction %s: %v", transactionID, err)
		return
	}
	client, err := s.gateways.Get(tx.GatewayType)
	if err != nil {
		log.Printf("[dead-letter] refund %s: %v", tx.Reference, err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	if err := client.Refund(callCtx, tx); err != nil {
		log.Printf("[dead-letter] refund %s: gateway call failed: %v", tx.Reference, err)
	}
}

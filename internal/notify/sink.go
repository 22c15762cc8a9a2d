package notify

import (
	"log"

	"github.com/wakala/payments/internal/domain"
)

// Sink receives terminal-transition notifications. Fire-and-forget: callers
// never let a sink failure roll back a payment state transition, so
// implementations must not return errors.
type Sink interface {
	TransactionCompleted(tx *domain.PaymentTransaction)
	TransactionFailed(tx *domain.PaymentTransaction, reason string)
	TransactionDeadLettered(tx *domain.PaymentTransaction, reason string)
}

// LogSink writes notifications to the process log. The real SMS/email
// fan-out lives in a separate service behind this interface.
type LogSink struct{}

func (LogSink) TransactionCompleted(tx *domain.PaymentTransaction) {
	log.Printf("[notify] payment %s completed: %.2f to %s via %s",
		tx.Reference, tx.Amount, tx.PayerPhone, tx.GatewayType)
}

func (LogSink) TransactionFailed(tx *domain.PaymentTransaction, reason string) {
	log.Printf("[notify] payment %s failed: %s", tx.Reference, reason)
}

func (LogSink) TransactionDeadLettered(tx *domain.PaymentTransaction, reason string) {
	log.Printf("[notify] payment %s moved to dead letter: %s", tx.Reference, reason)
}

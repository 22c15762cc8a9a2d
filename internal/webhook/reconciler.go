package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"

	"github.com/wakala/payments/internal/domain"
	"github.com/wakala/payments/internal/gateway"
)

// Lookup is how the reconciler finds the transaction a callback refers to.
type Lookup interface {
	GetByExternalReference(ref string) (*domain.PaymentTransaction, error)
	GetByReference(ref string) (*domain.PaymentTransaction, error)
}

// Confirmer is the processor side the reconciler delegates to. Confirm is
// idempotent, which is what makes at-least-once webhook delivery safe here.
type Confirmer interface {
	Confirm(ctx context.Context, transactionID string, outcome gateway.Outcome) (*domain.PaymentTransaction, error)
}

// payload is the normalised shape providers post back. Real providers differ
// in field names; the per-gateway HTTP adapters map into this before Apply.
type payload struct {
	ExternalReference string `json:"external_reference"`
	Reference         string `json:"reference"`
	Status            string `json:"status"` // success | failure
	Code              string `json:"code"`
	Message           string `json:"message"`
}

// Reconciler validates and applies asynchronous gateway callbacks.
type Reconciler struct {
	secrets map[domain.GatewayType]string
	lookup  Lookup
	proc    Confirmer
}

func NewReconciler(secrets map[domain.GatewayType]string, lookup Lookup, proc Confirmer) *Reconciler {
	return &Reconciler{secrets: secrets, lookup: lookup, proc: proc}
}

// Apply verifies the callback signature and reconciles it against the owning
// transaction. Fails closed on a bad signature; a callback that matches no
// transaction is logged and discarded, because the gateway must still get an
// acknowledgement to stop redelivering.
func (r *Reconciler) Apply(ctx context.Context, gw domain.GatewayType, rawPayload []byte, signature string) error {
	if err := r.verifySignature(gw, rawPayload, signature); err != nil {
		log.Printf("[webhook] SECURITY: rejected callback for %s: %v", gw, err)
		return err
	}

	var pl payload
	if err := json.Unmarshal(rawPayload, &pl); err != nil {
		return fmt.Errorf("%w: malformed callback payload: %v", domain.ErrValidation, err)
	}
	if pl.ExternalReference == "" && pl.Reference == "" {
		return fmt.Errorf("%w: callback carries no reference", domain.ErrValidation)
	}

	tx, err := r.find(pl)
	if err != nil {
		// Likely an expired transaction whose lookup keys were purged. Not
		// worth surfacing to the gateway; it only needs the 2xx.
		log.Printf("[webhook] %s: no transaction for callback (external=%q reference=%q), discarding",
			gw, pl.ExternalReference, pl.Reference)
		return nil
	}
	if tx.GatewayType != gw {
		log.Printf("[webhook] %s: callback references transaction %s owned by %s, discarding",
			gw, tx.Reference, tx.GatewayType)
		return nil
	}

	outcome := gateway.Outcome{
		Code:              pl.Code,
		Message:           pl.Message,
		ExternalReference: pl.ExternalReference,
	}
	switch pl.Status {
	case "success":
		outcome.Status = gateway.OutcomeSuccess
	case "failure":
		outcome.Status = gateway.OutcomeFailure
	default:
		return fmt.Errorf("%w: unknown callback status %q", domain.ErrValidation, pl.Status)
	}

	if _, err := r.proc.Confirm(ctx, tx.ID, outcome); err != nil {
		// The callback was structurally fine; internal trouble must not
		// trigger a gateway-side redelivery storm.
		log.Printf("[webhook] %s: confirm %s failed: %v", gw, tx.Reference, err)
	}
	return nil
}

func (r *Reconciler) verifySignature(gw domain.GatewayType, rawPayload []byte, signature string) error {
	secret, ok := r.secrets[gw]
	if !ok {
		return fmt.Errorf("%w: no secret configured for gateway %s", domain.ErrInvalidSignature, gw)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawPayload)
	expected := hex.EncodeToString(mac.Sum(nil))

	// hmac.Equal is constant-time.
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (r *Reconciler) find(pl payload) (*domain.PaymentTransaction, error) {
	if pl.ExternalReference != "" {
		if tx, err := r.lookup.GetByExternalReference(pl.ExternalReference); err == nil {
			return tx, nil
		}
	}
	if pl.Reference != "" {
		return r.lookup.GetByReference(pl.Reference)
	}
	return nil, domain.ErrNotFound
}

// Sign computes the signature a well-behaved provider attaches. Shared with
// tests and the local gateway simulator.
func Sign(secret string, rawPayload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawPayload)
	return hex.EncodeToString(mac.Sum(nil))
}

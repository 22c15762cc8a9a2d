package gateway

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/wakala/payments/internal/domain"
)

// SimulatedClient stands in for a real provider integration in local runs.
// It accepts most initiations as pending, fails a configurable share with
// transient codes, and rejects a small share permanently.
type SimulatedClient struct {
	Gateway      domain.GatewayType
	FailureRate  float64 // share of calls that fail transiently
	RejectRate   float64 // share of calls that fail permanently
	Latency      time.Duration
	mu           sync.Mutex
	rng          *rand.Rand
	nextExternal int
}

func NewSimulatedClient(gw domain.GatewayType, seed int64) *SimulatedClient {
	return &SimulatedClient{
		Gateway:     gw,
		FailureRate: 0.2,
		RejectRate:  0.05,
		Latency:     50 * time.Millisecond,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (c *SimulatedClient) Initiate(ctx context.Context, tx *domain.PaymentTransaction) (Outcome, error) {
	if err := c.sleep(ctx); err != nil {
		return Outcome{}, err
	}

	c.mu.Lock()
	roll := c.rng.Float64()
	c.nextExternal++
	ext := fmt.Sprintf("%s-%06d", c.Gateway, c.nextExternal)
	c.mu.Unlock()

	switch {
	case roll < c.RejectRate:
		return Outcome{Status: OutcomeFailure, Code: CodeInvalidAccount, Message: "simulated permanent rejection"}, nil
	case roll < c.RejectRate+c.FailureRate:
		return Outcome{Status: OutcomeFailure, Code: CodeNetworkError, Message: "simulated transient failure"}, nil
	default:
		return Outcome{Status: OutcomePending, ExternalReference: ext}, nil
	}
}

func (c *SimulatedClient) Confirm(ctx context.Context, externalReference string) (Outcome, error) {
	if err := c.sleep(ctx); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: OutcomeSuccess, ExternalReference: externalReference}, nil
}

func (c *SimulatedClient) Cancel(ctx context.Context, tx *domain.PaymentTransaction) error {
	log.Printf("[gateway-sim] %s: advisory cancel for %s", c.Gateway, tx.Reference)
	return c.sleep(ctx)
}

func (c *SimulatedClient) Refund(ctx context.Context, tx *domain.PaymentTransaction) error {
	log.Printf("[gateway-sim] %s: refund %.2f to %s", c.Gateway, tx.Amount, tx.PayerPhone)
	return c.sleep(ctx)
}

func (c *SimulatedClient) sleep(ctx context.Context) error {
	select {
	case <-time.After(c.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

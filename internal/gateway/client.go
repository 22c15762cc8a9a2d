package gateway

import (
	"context"
	"fmt"

	"github.com/wakala/payments/internal/domain"
)

// Gateway error codes as normalised by the provider adapters. The retry
// scheduler classifies on these, never on raw provider payloads.
const (
	CodeTimeout           = "timeout"
	CodeNetworkError      = "network_error"
	CodeRateLimited       = "rate_limited"
	CodeInvalidAccount    = "invalid_account"
	CodeInsufficientFunds = "insufficient_funds"
	CodeBlockedNumber     = "blocked_number"
)

// OutcomeStatus is the gateway's answer to a call. Pending means the gateway
// accepted the request and will confirm asynchronously via webhook.
type OutcomeStatus string

const (
	OutcomePending OutcomeStatus = "pending"
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
)

// Outcome is the normalised result of a gateway call or webhook.
type Outcome struct {
	Status            OutcomeStatus
	Code              string // set when Status is failure
	Message           string
	ExternalReference string // set once the gateway assigns one
}

// Timeout builds the outcome used when a gateway call exceeded its deadline.
// The conservative bias: assume nothing happened if unsure, so a timeout is
// a retriable failure, never a success or a permanent failure.
func Timeout() Outcome {
	return Outcome{Status: OutcomeFailure, Code: CodeTimeout, Message: "gateway call timed out"}
}

// Client is the capability contract one mobile-money provider integration
// exposes. Every call must honour the context deadline; the caller bounds it.
type Client interface {
	Initiate(ctx context.Context, tx *domain.PaymentTransaction) (Outcome, error)
	Confirm(ctx context.Context, externalReference string) (Outcome, error)
	Cancel(ctx context.Context, tx *domain.PaymentTransaction) error
	Refund(ctx context.Context, tx *domain.PaymentTransaction) error
}

// Registry maps gateway types to their client. Built once at startup.
type Registry map[domain.GatewayType]Client

func (r Registry) Get(gw domain.GatewayType) (Client, error) {
	c, ok := r[gw]
	if !ok {
		return nil, fmt.Errorf("no client registered for gateway %q", gw)
	}
	return c, nil
}

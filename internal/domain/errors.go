package domain

import "errors"

var (
	// ErrValidation rejects a request before any external call is made.
	ErrValidation = errors.New("validation failed")

	// ErrGatewayUnavailable means the gateway's circuit is open. The request
	// never reached the gateway and consumed no retry budget.
	ErrGatewayUnavailable = errors.New("gateway unavailable")

	// ErrInvalidStateTransition signals a stale request or a race defect.
	// No state is mutated.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrInvalidSignature is a security rejection on the webhook path.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	ErrNotFound = errors.New("not found")
)

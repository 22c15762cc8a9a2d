package domain

import "time"

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusSubmitted Status = "submitted"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

type GatewayType string

const (
	GatewayMTNMoMo     GatewayType = "mtnmomo"
	GatewayAirtelMoney GatewayType = "airtelmoney"
	GatewayMPesa       GatewayType = "mpesa"
)

// AllGateways lists every gateway type the processor knows about.
var AllGateways = []GatewayType{GatewayMTNMoMo, GatewayAirtelMoney, GatewayMPesa}

// transitions holds the allowed state machine edges. The failed -> initiated
// edge is the operator escape hatch: it is only reachable through a
// dead-letter resolution, never through automated processing.
var transitions = map[Status][]Status{
	StatusInitiated: {StatusSubmitted, StatusCancelled},
	StatusSubmitted: {StatusCompleted, StatusFailed, StatusExpired, StatusCancelled},
	StatusFailed:    {StatusSubmitted, StatusInitiated},
}

// CanTransition reports whether the state machine allows moving from one
// status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status admits no further automated transitions.
// Failed is terminal only once the retry budget is exhausted; callers that
// need that distinction consult the retry scheduler.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

type PaymentTransaction struct {
	ID                 string      `json:"id"`
	Reference          string      `json:"reference"`
	GatewayType        GatewayType `json:"gateway_type"`
	Amount             float64     `json:"amount"`
	PayerPhone         string      `json:"payer_phone"`
	Status             Status      `json:"status"`
	ExternalReference  string      `json:"external_reference,omitempty"`
	AttemptCount       int         `json:"attempt_count"`
	StatusMessage      string      `json:"status_message,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	LastStatusChangeAt time.Time   `json:"last_status_change_at"`
}

// StatusChange is one row of a transaction's audit trail. Terminal
// transactions are never deleted, so the history is the full lifecycle.
type StatusChange struct {
	TransactionID string    `json:"transaction_id"`
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	Message       string    `json:"message,omitempty"`
	ChangedAt     time.Time `json:"changed_at"`
}

// FailureClass is the retry scheduler's verdict on a gateway failure code.
type FailureClass string

const (
	FailureRetriable FailureClass = "retriable"
	FailurePermanent FailureClass = "permanent"
	// FailureUnknown covers codes we have never seen. They are retried, but
	// against a lower attempt ceiling than known-transient codes.
	FailureUnknown FailureClass = "unknown"
)

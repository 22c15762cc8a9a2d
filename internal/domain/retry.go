package domain

import "time"

// ScheduledRetry is a pending resubmission of a failed transaction. At most
// one unclaimed row exists per transaction; scheduling again replaces it.
type ScheduledRetry struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	AttemptNumber int        `json:"attempt_number"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	CreatedAt     time.Time  `json:"created_at"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
}

type Resolution string

const (
	ResolutionRetried    Resolution = "retried"
	ResolutionWrittenOff Resolution = "written_off"
	ResolutionRefunded   Resolution = "refunded"
)

// ValidResolution reports whether s names a dead-letter resolution.
func ValidResolution(s string) bool {
	switch Resolution(s) {
	case ResolutionRetried, ResolutionWrittenOff, ResolutionRefunded:
		return true
	}
	return false
}

// DeadLetterEntry holds a permanently-failed transaction awaiting manual
// disposition. Resolution stays nil until an operator acts on it.
type DeadLetterEntry struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transaction_id"`
	Reason        string      `json:"reason"`
	MovedAt       time.Time   `json:"moved_at"`
	Resolution    *Resolution `json:"resolution,omitempty"`
	ResolvedAt    *time.Time  `json:"resolved_at,omitempty"`
}

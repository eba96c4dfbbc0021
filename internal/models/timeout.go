package models

import (
	"time"

	"github.com/google/uuid"
)

// Timeout types
const (
	TimeoutShipping        = "shipping"
	TimeoutInspectionStart = "inspection_start"
	TimeoutInspectionEnd   = "inspection_end"
	TimeoutDisputeRefund   = "dispute_refund"
)

var AllTimeoutTypes = []string{
	TimeoutShipping, TimeoutInspectionStart, TimeoutInspectionEnd, TimeoutDisputeRefund,
}

func IsKnownTimeoutType(t string) bool {
	for _, v := range AllTimeoutTypes {
		if v == t {
			return true
		}
	}
	return false
}

// EscrowTimeout is the durable record of a scheduled automatic
// transition. The job queue's contents are a rebuildable cache of these
// rows; the is_executed/is_cancelled flags are the source of truth.
// At most one active row exists per (transaction, timeout_type),
// enforced by a partial unique index.
type EscrowTimeout struct {
	ID             uuid.UUID  `json:"id"`
	TransactionID  uuid.UUID  `json:"transaction_id"`
	TimeoutType    string     `json:"timeout_type"`
	FromStatus     string     `json:"from_status"`
	ToStatus       string     `json:"to_status"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	JobHandle      string     `json:"job_handle"`
	IsExecuted     bool       `json:"is_executed"`
	IsCancelled    bool       `json:"is_cancelled"`
	ExecutionNotes *string    `json:"execution_notes,omitempty"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (t *EscrowTimeout) IsActive() bool {
	return !t.IsExecuted && !t.IsCancelled
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionHistory is the append-only audit log: one row per status
// mutation, never updated or deleted.
type TransactionHistory struct {
	ID             uuid.UUID  `json:"id"`
	TransactionID  uuid.UUID  `json:"transaction_id"`
	PreviousStatus string     `json:"previous_status"`
	NewStatus      string     `json:"new_status"`
	Notes          string     `json:"notes"`
	ActorID        *uuid.UUID `json:"actor_id,omitempty"` // nil = system-initiated
	ActorType      string     `json:"actor_type"`         // buyer/seller/staff/system
	CreatedAt      time.Time  `json:"created_at"`
}

package models

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transaction statuses
const (
	StatusInitiated       = "initiated"
	StatusPaymentReceived = "payment_received"
	StatusShipped         = "shipped"
	StatusDelivered       = "delivered"
	StatusInspection      = "inspection"
	StatusDisputed        = "disputed"
	StatusCompleted       = "completed"
	StatusFundsReleased   = "funds_released"
	StatusRefunded        = "refunded"
	StatusCancelled       = "cancelled"
)

// Actor types recorded in history rows.
const (
	ActorBuyer  = "buyer"
	ActorSeller = "seller"
	ActorStaff  = "staff"
	ActorSystem = "system"
)

// AllStatuses lists every defined status.
var AllStatuses = []string{
	StatusInitiated, StatusPaymentReceived, StatusShipped, StatusDelivered,
	StatusInspection, StatusDisputed, StatusCompleted, StatusFundsReleased,
	StatusRefunded, StatusCancelled,
}

// BuyerTransitions: from -> []to a buyer may request.
var BuyerTransitions = map[string][]string{
	StatusInitiated:  {StatusCancelled},
	StatusShipped:    {StatusDelivered},
	StatusDelivered:  {StatusInspection},
	StatusInspection: {StatusCompleted, StatusDisputed},
}

// SellerTransitions: from -> []to a seller may request.
var SellerTransitions = map[string][]string{
	StatusInitiated:       {StatusPaymentReceived, StatusCancelled},
	StatusPaymentReceived: {StatusShipped},
	StatusCompleted:       {StatusFundsReleased},
}

// SystemTransitions: edges the timeout executor may take on its own.
var SystemTransitions = map[string][]string{
	StatusPaymentReceived: {StatusCancelled},
	StatusDelivered:       {StatusInspection, StatusCompleted},
	StatusInspection:      {StatusCompleted},
	StatusDisputed:        {StatusRefunded},
}

var terminalStatuses = map[string]bool{
	StatusFundsReleased: true,
	StatusRefunded:      true,
	StatusCancelled:     true,
}

func IsKnownStatus(status string) bool {
	for _, s := range AllStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func IsTerminal(status string) bool {
	return terminalStatuses[status]
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether an actor of the given type may move a
// transaction from one status to another. Staff may request any known
// target from any non-terminal status.
func CanTransition(actorType, from, to string) bool {
	if !IsKnownStatus(from) || !IsKnownStatus(to) {
		return false
	}
	if IsTerminal(from) {
		return false
	}
	switch actorType {
	case ActorStaff:
		return true
	case ActorBuyer:
		return contains(BuyerTransitions[from], to)
	case ActorSeller:
		return contains(SellerTransitions[from], to)
	case ActorSystem:
		return contains(SystemTransitions[from], to)
	}
	return false
}

type EscrowTransaction struct {
	ID                    uuid.UUID  `json:"id"`
	TrackingCode          string     `json:"tracking_code"`
	BuyerID               uuid.UUID  `json:"buyer_id"`
	SellerID              uuid.UUID  `json:"seller_id"`
	ProductID             uuid.UUID  `json:"product_id"`
	VariantID             *uuid.UUID `json:"variant_id,omitempty"`
	Quantity              int        `json:"quantity"`
	Amount                string     `json:"amount"` // numeric as string
	Currency              string     `json:"currency"`
	Status                string     `json:"status"`
	StatusChangedAt       time.Time  `json:"status_changed_at"`
	InspectionRequired    bool       `json:"inspection_required"`
	InspectionPeriodDays  int        `json:"inspection_period_days"`
	InspectionEndsAt      *time.Time `json:"inspection_ends_at,omitempty"`
	Carrier               *string    `json:"carrier,omitempty"`
	TrackingNumber        *string    `json:"tracking_number,omitempty"`
	ShippedAt             *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt           *time.Time `json:"delivered_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// ActorType resolves how a user relates to this transaction.
func (t *EscrowTransaction) ActorType(userID uuid.UUID, isStaff bool) string {
	if isStaff {
		return ActorStaff
	}
	switch userID {
	case t.BuyerID:
		return ActorBuyer
	case t.SellerID:
		return ActorSeller
	}
	return ""
}

// NewTrackingCode generates an immutable external reference like
// ESC-9F2A41C07B. Uniqueness is enforced by the database.
func NewTrackingCode() string {
	var b [5]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("ESC-%X", b[:])
}

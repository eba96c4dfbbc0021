package services

import (
	"context"

	"github.com/escrow-market/backend/internal/events"
	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Inventory is the stock collaborator. The engine reserves on
// creation, deducts on completion, and returns on refund/cancel.
type Inventory interface {
	Reserve(ctx context.Context, productID uuid.UUID, qty int) (bool, error)
	Release(ctx context.Context, productID uuid.UUID, qty int, mode string) error
}

// TransitionHook runs after a transition has been persisted. Hook
// failures are logged and never roll the transition back.
type TransitionHook func(ctx context.Context, txn *models.EscrowTransaction, prevStatus, newStatus string) error

// InventoryHook releases reserved stock when a transaction reaches a
// status that settles it.
func InventoryHook(inv Inventory) TransitionHook {
	return func(ctx context.Context, txn *models.EscrowTransaction, prevStatus, newStatus string) error {
		switch newStatus {
		case models.StatusCompleted:
			return inv.Release(ctx, txn.ProductID, txn.Quantity, repositories.ReleaseModeDeduct)
		case models.StatusRefunded, models.StatusCancelled:
			return inv.Release(ctx, txn.ProductID, txn.Quantity, repositories.ReleaseModeReturn)
		}
		return nil
	}
}

// NotifyHook publishes a status-change event. Fire and forget.
func NotifyHook(pub events.Publisher) TransitionHook {
	return func(ctx context.Context, txn *models.EscrowTransaction, prevStatus, newStatus string) error {
		return pub.Publish(ctx, events.StreamTransactions, events.Event{
			Type: events.EventTransactionStatusChanged,
			Payload: map[string]any{
				"transaction_id": txn.ID.String(),
				"tracking_code":  txn.TrackingCode,
				"old_status":     prevStatus,
				"new_status":     newStatus,
			},
		})
	}
}

// runHooks invokes each hook in order, fault-isolated: a panicking or
// failing hook cannot affect the committed transition or later hooks.
func runHooks(ctx context.Context, log *zap.Logger, hooks []TransitionHook, txn *models.EscrowTransaction, prevStatus, newStatus string) {
	for i, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("transition hook panicked",
						zap.Int("hook", i),
						zap.String("transaction_id", txn.ID.String()),
						zap.Any("panic", r),
					)
				}
			}()
			if err := hook(ctx, txn, prevStatus, newStatus); err != nil {
				log.Error("transition hook failed",
					zap.Int("hook", i),
					zap.String("transaction_id", txn.ID.String()),
					zap.String("new_status", newStatus),
					zap.Error(err),
				)
			}
		}()
	}
}

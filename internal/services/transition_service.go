package services

import (
	"context"
	"fmt"
	"time"

	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Actor identifies who is requesting a transition. The role (buyer or
// seller) is resolved against the locked transaction row, never
// trusted from the caller.
type Actor struct {
	UserID  *uuid.UUID
	IsStaff bool
	System  bool
}

func UserActor(id uuid.UUID, isStaff bool) Actor {
	return Actor{UserID: &id, IsStaff: isStaff}
}

// SystemActor is the identity automatic transitions run under.
func SystemActor() Actor {
	return Actor{System: true}
}

// ExtraFields carries status-specific inputs, e.g. shipping details
// required when the target is shipped.
type ExtraFields struct {
	Carrier        string
	TrackingNumber string
}

// TransitionService enforces the role-gated state machine. Every
// status mutation in the system goes through Apply or ApplyTx.
type TransitionService struct {
	store     storage.Store
	scheduler *TimeoutScheduler
	hooks     []TransitionHook
	log       *zap.Logger
}

func NewTransitionService(store storage.Store, scheduler *TimeoutScheduler, hooks []TransitionHook, log *zap.Logger) *TransitionService {
	return &TransitionService{store: store, scheduler: scheduler, hooks: hooks, log: log}
}

// Apply validates and performs one status transition in a single
// atomic unit, holding the transaction row lock throughout, then runs
// the post-transition hooks.
func (s *TransitionService) Apply(ctx context.Context, txnID uuid.UUID, newStatus string, actor Actor, notes string, extra ExtraFields) (*models.EscrowTransaction, error) {
	var updated *models.EscrowTransaction
	var prevStatus string

	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.StoreTx) error {
		txn, err := tx.GetTransactionForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		prevStatus = txn.Status
		updated, err = s.ApplyTx(ctx, tx, txn, newStatus, actor, notes, extra)
		return err
	})
	if err != nil {
		return nil, err
	}

	runHooks(ctx, s.log, s.hooks, updated, prevStatus, updated.Status)
	return updated, nil
}

// ApplyTx is the in-transaction core, shared with the timeout
// executor which manages its own lock and timeout bookkeeping. The
// caller must already hold the row lock on txn and is responsible for
// running hooks after commit.
func (s *TransitionService) ApplyTx(ctx context.Context, tx storage.StoreTx, txn *models.EscrowTransaction, newStatus string, actor Actor, notes string, extra ExtraFields) (*models.EscrowTransaction, error) {
	if !models.IsKnownStatus(newStatus) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown status %q", newStatus)}
	}
	if txn.Status == newStatus {
		return nil, &ConflictError{Reason: fmt.Sprintf("transaction is already in status %s", newStatus)}
	}

	actorType := s.resolveActorType(txn, actor)
	if actorType == "" {
		return nil, &PermissionError{From: txn.Status, To: newStatus}
	}
	if !models.CanTransition(actorType, txn.Status, newStatus) {
		return nil, &PermissionError{ActorType: actorType, From: txn.Status, To: newStatus}
	}

	if newStatus == models.StatusShipped && (extra.Carrier == "" || extra.TrackingNumber == "") {
		return nil, &ValidationError{Reason: "carrier and tracking_number are required when marking as shipped"}
	}

	// Products that skip inspection settle directly.
	target := newStatus
	if target == models.StatusInspection && !txn.InspectionRequired {
		target = models.StatusCompleted
		if notes != "" {
			notes += "; "
		}
		notes += "inspection not required, completed directly"
	}

	prevStatus := txn.Status
	now := time.Now()
	switch target {
	case models.StatusShipped:
		txn.Carrier = &extra.Carrier
		txn.TrackingNumber = &extra.TrackingNumber
		txn.ShippedAt = &now
	case models.StatusDelivered:
		txn.DeliveredAt = &now
	case models.StatusInspection:
		ends := now.Add(time.Duration(txn.InspectionPeriodDays) * 24 * time.Hour)
		txn.InspectionEndsAt = &ends
	}
	txn.Status = target
	txn.StatusChangedAt = now

	if err := tx.UpdateTransactionStatus(ctx, txn); err != nil {
		return nil, err
	}

	history := &models.TransactionHistory{
		TransactionID:  txn.ID,
		PreviousStatus: prevStatus,
		NewStatus:      target,
		Notes:          notes,
		ActorID:        actor.UserID,
		ActorType:      actorType,
	}
	if err := tx.InsertHistory(ctx, history); err != nil {
		return nil, err
	}

	// Stale timers die with the status they guarded; the new status
	// arms its own in the same atomic unit.
	reason := fmt.Sprintf("status changed %s -> %s", prevStatus, target)
	if err := s.scheduler.CancelActiveTx(ctx, tx, txn.ID, "", reason); err != nil {
		return nil, err
	}
	if err := s.scheduler.ScheduleForStatusTx(ctx, tx, txn, target); err != nil {
		return nil, err
	}

	s.log.Info("transition applied",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("from", prevStatus),
		zap.String("to", target),
		zap.String("actor_type", actorType),
	)
	return txn, nil
}

// RunHooks exposes post-commit hook execution for callers of ApplyTx.
func (s *TransitionService) RunHooks(ctx context.Context, txn *models.EscrowTransaction, prevStatus, newStatus string) {
	runHooks(ctx, s.log, s.hooks, txn, prevStatus, newStatus)
}

func (s *TransitionService) resolveActorType(txn *models.EscrowTransaction, actor Actor) string {
	if actor.System {
		return models.ActorSystem
	}
	if actor.IsStaff {
		return models.ActorStaff
	}
	if actor.UserID == nil {
		return ""
	}
	return txn.ActorType(*actor.UserID, false)
}

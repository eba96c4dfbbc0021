package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/escrow-market/backend/internal/events"
	"github.com/escrow-market/backend/internal/jobs"
	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/storage"
	"go.uber.org/zap"
)

// ExecOutcome describes what an execution attempt did.
type ExecOutcome string

const (
	OutcomeExecuted ExecOutcome = "executed" // automatic transition applied
	OutcomeStale    ExecOutcome = "stale"    // timeout already executed/cancelled or unknown handle
	OutcomeRaced    ExecOutcome = "raced"    // a manual transition beat the timer; timeout cancelled
)

// TimeoutExecutor consumes fired deferred jobs and drives the state
// machine. Redelivery of the same job is harmless: the from_status
// re-check under the row lock plus the single atomic unit guarantee at
// most one applied transition.
type TimeoutExecutor struct {
	store       storage.Store
	transitions *TransitionService
	publisher   events.Publisher // optional
	log         *zap.Logger
}

func NewTimeoutExecutor(store storage.Store, transitions *TransitionService, publisher events.Publisher, log *zap.Logger) *TimeoutExecutor {
	return &TimeoutExecutor{store: store, transitions: transitions, publisher: publisher, log: log}
}

// HandleJob adapts Execute to the job runtime. Terminal rejections are
// swallowed (the timeout row has been resolved); anything else is
// returned so the queue retries with backoff.
func (e *TimeoutExecutor) HandleJob(ctx context.Context, handle string, _ jobs.Payload) error {
	_, err := e.Execute(ctx, handle)
	if err != nil && IsTerminalFailure(err) {
		e.log.Warn("timeout execution rejected, not retrying", zap.String("handle", handle), zap.Error(err))
		return nil
	}
	return err
}

// Execute looks up the timeout by job handle, re-validates state under
// the transaction row lock, and applies the automatic transition
// idempotently.
func (e *TimeoutExecutor) Execute(ctx context.Context, handle string) (ExecOutcome, error) {
	outcome := OutcomeStale
	var updated *models.EscrowTransaction
	var prevStatus string

	err := e.store.InTx(ctx, func(ctx context.Context, tx storage.StoreTx) error {
		// Peek without locking to learn which transaction to lock.
		peek, err := tx.TimeoutByJobHandle(ctx, handle)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil // job for a rolled-back or cleaned-up timeout
			}
			return err
		}
		if !peek.IsActive() {
			return nil
		}

		// Lock order: transaction row first, then timeout state.
		txn, err := tx.GetTransactionForUpdate(ctx, peek.TransactionID)
		if err != nil {
			return err
		}

		// Re-read now that we hold the lock; a concurrent manual
		// transition may have cancelled us.
		timeout, err := tx.TimeoutByJobHandle(ctx, handle)
		if err != nil {
			return err
		}
		if !timeout.IsActive() {
			return nil
		}

		if txn.Status != timeout.FromStatus {
			// A manual transition beat the timer.
			outcome = OutcomeRaced
			note := fmt.Sprintf("not executed: status is %s, expected %s", txn.Status, timeout.FromStatus)
			return tx.MarkTimeoutCancelled(ctx, timeout.ID, note)
		}

		// Resolve our own row before ApplyTx sweeps active timeouts.
		notes := fmt.Sprintf("automatic: %s expired", timeout.TimeoutType)
		if err := tx.MarkTimeoutExecuted(ctx, timeout.ID, notes); err != nil {
			return err
		}

		prevStatus = txn.Status
		updated, err = e.transitions.ApplyTx(ctx, tx, txn, timeout.ToStatus, SystemActor(), notes, ExtraFields{})
		if err != nil {
			return err
		}
		outcome = OutcomeExecuted
		return nil
	})
	if err != nil {
		return outcome, err
	}

	if outcome == OutcomeExecuted && updated != nil {
		e.transitions.RunHooks(ctx, updated, prevStatus, updated.Status)
		if e.publisher != nil {
			_ = e.publisher.Publish(ctx, events.StreamTransactions, events.Event{
				Type: events.EventTimeoutExecuted,
				Payload: map[string]any{
					"transaction_id": updated.ID.String(),
					"old_status":     prevStatus,
					"new_status":     updated.Status,
				},
			})
		}
		e.log.Info("timeout executed",
			zap.String("transaction_id", updated.ID.String()),
			zap.String("handle", handle),
			zap.String("new_status", updated.Status),
		)
	}
	return outcome, nil
}

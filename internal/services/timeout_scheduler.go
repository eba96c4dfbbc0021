package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/escrow-market/backend/internal/config"
	"github.com/escrow-market/backend/internal/jobs"
	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TimeoutRule describes the automatic transition armed when a
// transaction enters a status.
type TimeoutRule struct {
	Type     string
	ToStatus string
}

// timeout rules keyed by the status just entered, fixed at startup
var timeoutRules = map[string]TimeoutRule{
	models.StatusPaymentReceived: {models.TimeoutShipping, models.StatusCancelled},
	models.StatusDelivered:       {models.TimeoutInspectionStart, models.StatusInspection},
	models.StatusInspection:      {models.TimeoutInspectionEnd, models.StatusCompleted},
	models.StatusDisputed:        {models.TimeoutDisputeRefund, models.StatusRefunded},
}

// RuleForStatus returns the timeout rule armed on entry to status, if
// any.
func RuleForStatus(status string) (TimeoutRule, bool) {
	r, ok := timeoutRules[status]
	return r, ok
}

// TimeoutEligibleStatuses lists every status that arms a timeout.
func TimeoutEligibleStatuses() []string {
	statuses := make([]string, 0, len(timeoutRules))
	for s := range timeoutRules {
		statuses = append(statuses, s)
	}
	return statuses
}

// TimeoutScheduler creates, cancels and reschedules deferred jobs plus
// their durable EscrowTimeout records.
type TimeoutScheduler struct {
	store   storage.Store
	runtime jobs.Runtime
	cfg     *config.Config
	log     *zap.Logger
}

func NewTimeoutScheduler(store storage.Store, runtime jobs.Runtime, cfg *config.Config, log *zap.Logger) *TimeoutScheduler {
	return &TimeoutScheduler{store: store, runtime: runtime, cfg: cfg, log: log}
}

// Duration resolves how long a timeout of the given type runs for this
// transaction. The inspection window is per-transaction.
func (s *TimeoutScheduler) Duration(txn *models.EscrowTransaction, timeoutType string) time.Duration {
	day := 24 * time.Hour
	switch timeoutType {
	case models.TimeoutShipping:
		return time.Duration(s.cfg.ShippingTimeoutDays) * day
	case models.TimeoutInspectionStart:
		return time.Duration(s.cfg.DeliveryGracePeriodDays) * day
	case models.TimeoutInspectionEnd:
		if txn.InspectionPeriodDays > 0 {
			return time.Duration(txn.InspectionPeriodDays) * day
		}
		return time.Duration(s.cfg.DefaultInspectionPeriodDays) * day
	case models.TimeoutDisputeRefund:
		return time.Duration(s.cfg.DisputeAutoRefundDays) * day
	}
	return 0
}

// ScheduleForStatusTx arms the timeout for a status just entered,
// inside the same atomic unit as the transition. No rule, no-op.
func (s *TimeoutScheduler) ScheduleForStatusTx(ctx context.Context, tx storage.StoreTx, txn *models.EscrowTransaction, status string) error {
	rule, ok := RuleForStatus(status)
	if !ok {
		return nil
	}
	return s.scheduleTx(ctx, tx, txn, rule, time.Now(), s.Duration(txn, rule.Type))
}

// scheduleTx books the deferred job and writes the durable row. The
// job handle is obtained before commit; if the surrounding unit rolls
// back, the orphaned job finds no row at execution time and no-ops.
func (s *TimeoutScheduler) scheduleTx(ctx context.Context, tx storage.StoreTx, txn *models.EscrowTransaction, rule TimeoutRule, base time.Time, duration time.Duration) error {
	expiresAt := base.Add(duration)
	delay := time.Until(expiresAt)
	if delay < 0 {
		delay = 0
	}

	handle, err := s.runtime.Schedule(ctx, jobs.TaskTimeoutExpired, jobs.Payload{
		"transaction_id": txn.ID.String(),
		"timeout_type":   rule.Type,
	}, delay)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("schedule %s job: %w", rule.Type, err)}
	}

	timeout := &models.EscrowTimeout{
		TransactionID: txn.ID,
		TimeoutType:   rule.Type,
		FromStatus:    txn.Status,
		ToStatus:      rule.ToStatus,
		ScheduledAt:   time.Now(),
		ExpiresAt:     expiresAt,
		JobHandle:     handle,
	}
	if err := tx.InsertTimeout(ctx, timeout); err != nil {
		if errors.Is(err, storage.ErrDuplicateActiveTimeout) {
			// Another process got there first; ours is redundant.
			if _, rerr := s.runtime.Revoke(ctx, handle); rerr != nil {
				s.log.Warn("failed to revoke redundant job", zap.String("handle", handle), zap.Error(rerr))
			}
			s.log.Debug("timeout already scheduled elsewhere",
				zap.String("transaction_id", txn.ID.String()),
				zap.String("timeout_type", rule.Type),
			)
			return nil
		}
		return err
	}

	s.log.Info("timeout scheduled",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("timeout_type", rule.Type),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}

// CancelActiveTx cancels matching active timeouts and best-effort
// revokes their jobs. Empty timeoutType matches all types.
func (s *TimeoutScheduler) CancelActiveTx(ctx context.Context, tx storage.StoreTx, txnID uuid.UUID, timeoutType, reason string) error {
	active, err := tx.ActiveTimeouts(ctx, txnID, timeoutType)
	if err != nil {
		return err
	}
	for _, t := range active {
		if err := tx.MarkTimeoutCancelled(ctx, t.ID, reason); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // lost the race to the executor
			}
			return err
		}
		// Best effort: a job that already fired finds its row
		// cancelled and no-ops.
		if _, err := s.runtime.Revoke(ctx, t.JobHandle); err != nil {
			s.log.Warn("job revoke failed", zap.String("handle", t.JobHandle), zap.Error(err))
		}
		s.log.Info("timeout cancelled",
			zap.String("transaction_id", txnID.String()),
			zap.String("timeout_type", t.TimeoutType),
			zap.String("reason", reason),
		)
	}
	return nil
}

// Reschedule replaces the active timeout of a type with a fresh one
// expiring at newExpiresAt. Used to extend inspection or shipping
// windows.
func (s *TimeoutScheduler) Reschedule(ctx context.Context, txnID uuid.UUID, timeoutType string, newExpiresAt time.Time) error {
	if !models.IsKnownTimeoutType(timeoutType) {
		return &ValidationError{Reason: fmt.Sprintf("unknown timeout type %q", timeoutType)}
	}
	return s.store.InTx(ctx, func(ctx context.Context, tx storage.StoreTx) error {
		txn, err := tx.GetTransactionForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		rule, ok := RuleForStatus(txn.Status)
		if !ok || rule.Type != timeoutType {
			return &ConflictError{Reason: fmt.Sprintf("status %s has no %s timeout to reschedule", txn.Status, timeoutType)}
		}
		if err := s.CancelActiveTx(ctx, tx, txnID, timeoutType, "rescheduled"); err != nil {
			return err
		}
		return s.scheduleTx(ctx, tx, txn, rule, newExpiresAt, 0)
	})
}

// ScheduleRetroactive arms the timeout a transaction in its current
// status should have had. The expiry base is when the transaction
// entered the status per history, falling back to its last
// modification time. Shared by reconciliation and backfill.
func (s *TimeoutScheduler) ScheduleRetroactive(ctx context.Context, txnID uuid.UUID) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx storage.StoreTx) error {
		txn, err := tx.GetTransactionForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		rule, ok := RuleForStatus(txn.Status)
		if !ok {
			return nil
		}
		existing, err := tx.ActiveTimeouts(ctx, txn.ID, rule.Type)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}

		base := txn.UpdatedAt
		if at, err := tx.LatestHistoryAt(ctx, txn.ID, txn.Status); err == nil {
			base = *at
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return s.scheduleTx(ctx, tx, txn, rule, base, s.Duration(txn, rule.Type))
	})
}

// ForceReschedule cancels whatever active timeout the transaction's
// current status carries and arms a fresh one from the status entry
// time. Used by backfill --force to repair drifted expiries.
func (s *TimeoutScheduler) ForceReschedule(ctx context.Context, txnID uuid.UUID) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx storage.StoreTx) error {
		txn, err := tx.GetTransactionForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		rule, ok := RuleForStatus(txn.Status)
		if !ok {
			return nil
		}
		if err := s.CancelActiveTx(ctx, tx, txn.ID, "", "backfill reschedule"); err != nil {
			return err
		}

		base := txn.UpdatedAt
		if at, err := tx.LatestHistoryAt(ctx, txn.ID, txn.Status); err == nil {
			base = *at
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return s.scheduleTx(ctx, tx, txn, rule, base, s.Duration(txn, rule.Type))
	})
}

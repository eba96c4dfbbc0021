package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/escrow-market/backend/internal/config"
	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	HealthStatusHealthy = "healthy"
	HealthStatusIssues  = "issues_detected"
)

// ConsistencyReport is what one validation pass observed.
type ConsistencyReport struct {
	Missing    []uuid.UUID            `json:"missing_transaction_ids"`
	Overdue    []models.EscrowTimeout `json:"overdue_timeouts"`
	Duplicates []models.EscrowTimeout `json:"duplicate_active_timeouts"`
}

// FixReport counts what auto-fix repaired or could not.
type FixReport struct {
	MissingScheduled    int `json:"missing_scheduled"`
	DuplicatesCancelled int `json:"duplicates_cancelled"`
	OverdueExecuted     int `json:"overdue_executed"`
	OverdueCancelled    int `json:"overdue_cancelled"`
	Errors              int `json:"errors"`
}

// HealthReport aggregates scheduling health per timeout type.
type HealthReport struct {
	Status      string                              `json:"status"`
	PerType     map[string]storage.TimeoutTypeStats `json:"per_type"`
	Upcoming24h int                                 `json:"upcoming_24h"`
	Overdue     int                                 `json:"overdue"`
	GeneratedAt time.Time                           `json:"generated_at"`
}

// Reconciler is the periodic sweep that converges scheduling state
// back to correctness. It never assumes the scheduler/executor path
// was reliable.
type Reconciler struct {
	store     storage.Store
	scheduler *TimeoutScheduler
	executor  *TimeoutExecutor
	cfg       *config.Config
	log       *zap.Logger
}

func NewReconciler(store storage.Store, scheduler *TimeoutScheduler, executor *TimeoutExecutor, cfg *config.Config, log *zap.Logger) *Reconciler {
	return &Reconciler{store: store, scheduler: scheduler, executor: executor, cfg: cfg, log: log}
}

// FindMissingTimeouts schedules the expected timeout for transactions
// sitting in an eligible status without one, in bounded batches.
// Returns how many were scheduled.
func (r *Reconciler) FindMissingTimeouts(ctx context.Context, maxAge time.Duration, batchSize int) (int, error) {
	scheduled := 0
	for _, status := range TimeoutEligibleStatuses() {
		rule, _ := RuleForStatus(status)
		candidates, err := r.store.MissingTimeoutCandidates(ctx, status, rule.Type, maxAge, batchSize)
		if err != nil {
			return scheduled, err
		}
		for _, txn := range candidates {
			if err := r.scheduler.ScheduleRetroactive(ctx, txn.ID); err != nil {
				r.log.Error("failed to schedule missing timeout",
					zap.String("transaction_id", txn.ID.String()),
					zap.String("status", status),
					zap.Error(err),
				)
				continue
			}
			scheduled++
		}
	}
	return scheduled, nil
}

// ValidateConsistency reports drift without fixing anything.
func (r *Reconciler) ValidateConsistency(ctx context.Context) (*ConsistencyReport, error) {
	report := &ConsistencyReport{}

	for _, status := range TimeoutEligibleStatuses() {
		rule, _ := RuleForStatus(status)
		missing, err := r.store.MissingTimeoutCandidates(ctx, status, rule.Type, r.cfg.ReconcileMaxAge, r.cfg.ReconcileBatchSize)
		if err != nil {
			return nil, err
		}
		for _, txn := range missing {
			report.Missing = append(report.Missing, txn.ID)
		}
	}

	overdue, err := r.store.OverdueTimeouts(ctx, r.cfg.OverdueGrace, r.cfg.ReconcileBatchSize)
	if err != nil {
		return nil, err
	}
	report.Overdue = overdue

	duplicates, err := r.store.DuplicateActiveTimeouts(ctx, r.cfg.ReconcileBatchSize)
	if err != nil {
		return nil, err
	}
	report.Duplicates = duplicates

	return report, nil
}

// AutoFix repairs what ValidateConsistency finds: schedules missing
// timeouts, keeps only the newest of duplicate actives, and re-drives
// overdue timeouts through the executor directly, bypassing the queue.
func (r *Reconciler) AutoFix(ctx context.Context) (*FixReport, error) {
	fix := &FixReport{}

	scheduled, err := r.FindMissingTimeouts(ctx, r.cfg.ReconcileMaxAge, r.cfg.ReconcileBatchSize)
	if err != nil {
		return fix, err
	}
	fix.MissingScheduled = scheduled

	if err := r.fixDuplicates(ctx, fix); err != nil {
		return fix, err
	}
	if err := r.fixOverdue(ctx, fix); err != nil {
		return fix, err
	}
	return fix, nil
}

func (r *Reconciler) fixDuplicates(ctx context.Context, fix *FixReport) error {
	duplicates, err := r.store.DuplicateActiveTimeouts(ctx, r.cfg.ReconcileBatchSize)
	if err != nil {
		return err
	}

	// Rows arrive newest-first within each (transaction, type) group:
	// the first of each group survives, the rest are cancelled.
	type groupKey struct {
		txn uuid.UUID
		typ string
	}
	seen := map[groupKey]bool{}
	for _, dup := range duplicates {
		key := groupKey{dup.TransactionID, dup.TimeoutType}
		if !seen[key] {
			seen[key] = true
			continue
		}
		err := r.store.InTx(ctx, func(ctx context.Context, tx storage.StoreTx) error {
			if _, err := tx.GetTransactionForUpdate(ctx, dup.TransactionID); err != nil {
				return err
			}
			return tx.MarkTimeoutCancelled(ctx, dup.ID, "duplicate active timeout, superseded by newer")
		})
		if errors.Is(err, storage.ErrNotFound) {
			// Executed or cancelled between listing and locking;
			// nothing left to fix for this row.
			continue
		}
		if err != nil {
			r.log.Error("failed to cancel duplicate timeout", zap.String("timeout_id", dup.ID.String()), zap.Error(err))
			fix.Errors++
			continue
		}
		fix.DuplicatesCancelled++
	}
	return nil
}

func (r *Reconciler) fixOverdue(ctx context.Context, fix *FixReport) error {
	overdue, err := r.store.OverdueTimeouts(ctx, r.cfg.OverdueGrace, r.cfg.ReconcileBatchSize)
	if err != nil {
		return err
	}

	for _, t := range overdue {
		if !models.IsKnownTimeoutType(t.TimeoutType) {
			err := r.store.InTx(ctx, func(ctx context.Context, tx storage.StoreTx) error {
				if _, err := tx.GetTransactionForUpdate(ctx, t.TransactionID); err != nil {
					return err
				}
				return tx.MarkTimeoutCancelled(ctx, t.ID, fmt.Sprintf("unrecognized timeout type %q", t.TimeoutType))
			})
			if err != nil {
				fix.Errors++
				continue
			}
			fix.OverdueCancelled++
			continue
		}

		outcome, err := r.executor.Execute(ctx, t.JobHandle)
		if err != nil {
			r.log.Error("failed to re-drive overdue timeout",
				zap.String("timeout_id", t.ID.String()),
				zap.String("handle", t.JobHandle),
				zap.Error(err),
			)
			fix.Errors++
			continue
		}
		if outcome == OutcomeExecuted {
			fix.OverdueExecuted++
		}
	}
	return nil
}

// HealthReport aggregates scheduling counters and classifies the
// system healthy or issues_detected.
func (r *Reconciler) HealthReport(ctx context.Context) (*HealthReport, error) {
	perType, err := r.store.CountTimeoutsByType(ctx, 7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	upcoming, err := r.store.CountUpcomingTimeouts(ctx, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	overdue, err := r.store.CountOverdueTimeouts(ctx, r.cfg.OverdueGrace)
	if err != nil {
		return nil, err
	}

	duplicates, err := r.store.DuplicateActiveTimeouts(ctx, r.cfg.ReconcileBatchSize)
	if err != nil {
		return nil, err
	}

	status := HealthStatusHealthy
	if overdue > 0 || len(duplicates) > 0 {
		status = HealthStatusIssues
	}

	return &HealthReport{
		Status:      status,
		PerType:     perType,
		Upcoming24h: upcoming,
		Overdue:     overdue,
		GeneratedAt: time.Now(),
	}, nil
}

// Run performs one full reconciliation pass and logs the resulting
// health classification.
func (r *Reconciler) Run(ctx context.Context) {
	fix, err := r.AutoFix(ctx)
	if err != nil {
		r.log.Error("reconciliation pass failed", zap.Error(err))
		return
	}

	health, err := r.HealthReport(ctx)
	if err != nil {
		r.log.Error("health report failed", zap.Error(err))
		return
	}

	r.log.Info("reconciliation pass complete",
		zap.Int("missing_scheduled", fix.MissingScheduled),
		zap.Int("duplicates_cancelled", fix.DuplicatesCancelled),
		zap.Int("overdue_executed", fix.OverdueExecuted),
		zap.Int("overdue_cancelled", fix.OverdueCancelled),
		zap.Int("errors", fix.Errors),
		zap.String("health", health.Status),
		zap.Int("overdue", health.Overdue),
	)
}

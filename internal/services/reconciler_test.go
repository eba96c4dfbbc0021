package services

import (
	"context"
	"testing"
	"time"

	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestFindMissingTimeoutsSchedulesExpected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A transaction sitting in payment_received with no shipping
	// timer, e.g. after a crash between commit and job write.
	txn := env.seedTransaction(t, models.StatusPaymentReceived, true)

	scheduled, err := env.reconciler.FindMissingTimeouts(ctx, 720*time.Hour, 100)
	require.NoError(t, err)
	require.Equal(t, 1, scheduled)

	require.Equal(t, []string{models.TimeoutShipping}, env.activeTimeoutTypes(t, txn.ID))

	// A second pass finds nothing to do.
	scheduled, err = env.reconciler.FindMissingTimeouts(ctx, 720*time.Hour, 100)
	require.NoError(t, err)
	require.Zero(t, scheduled)
}

func TestFindMissingTimeoutsSkipsOldTransactions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.seedTransaction(t, models.StatusPaymentReceived, true)
	env.store.mu.Lock()
	env.store.txns[txn.ID].UpdatedAt = time.Now().Add(-time.Hour)
	env.store.mu.Unlock()

	scheduled, err := env.reconciler.FindMissingTimeouts(ctx, 30*time.Minute, 100)
	require.NoError(t, err)
	require.Zero(t, scheduled)
	require.Empty(t, env.activeTimeoutTypes(t, txn.ID))
}

func TestValidateConsistencyReportsDrift(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	missing := env.seedTransaction(t, models.StatusDisputed, true)

	overdueTxn := env.seedTransaction(t, models.StatusPaymentReceived, true)
	env.store.insertTimeoutRaw(&models.EscrowTimeout{
		TransactionID: overdueTxn.ID,
		TimeoutType:   models.TimeoutShipping,
		FromStatus:    models.StatusPaymentReceived,
		ToStatus:      models.StatusCancelled,
		ExpiresAt:     time.Now().Add(-time.Hour),
		JobHandle:     "lost-job",
	})

	report, err := env.reconciler.ValidateConsistency(ctx)
	require.NoError(t, err)
	require.Contains(t, report.Missing, missing.ID)
	require.Len(t, report.Overdue, 1)
	require.Equal(t, "lost-job", report.Overdue[0].JobHandle)
	require.Empty(t, report.Duplicates)
}

func TestAutoFixCancelsDuplicatesKeepingNewest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.seedTransaction(t, models.StatusInspection, true)
	future := time.Now().Add(24 * time.Hour)

	older := &models.EscrowTimeout{
		TransactionID: txn.ID,
		TimeoutType:   models.TimeoutInspectionEnd,
		FromStatus:    models.StatusInspection,
		ToStatus:      models.StatusCompleted,
		ExpiresAt:     future,
		JobHandle:     "older",
		CreatedAt:     time.Now().Add(-time.Minute),
	}
	newer := &models.EscrowTimeout{
		TransactionID: txn.ID,
		TimeoutType:   models.TimeoutInspectionEnd,
		FromStatus:    models.StatusInspection,
		ToStatus:      models.StatusCompleted,
		ExpiresAt:     future,
		JobHandle:     "newer",
		CreatedAt:     time.Now(),
	}
	env.store.insertTimeoutRaw(older)
	env.store.insertTimeoutRaw(newer)

	fix, err := env.reconciler.AutoFix(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fix.DuplicatesCancelled)
	require.Zero(t, fix.Errors)

	timeouts, err := env.store.TimeoutsForTransaction(ctx, txn.ID)
	require.NoError(t, err)
	byHandle := map[string]models.EscrowTimeout{}
	for _, timeout := range timeouts {
		byHandle[timeout.JobHandle] = timeout
	}
	require.True(t, byHandle["older"].IsCancelled)
	kept := byHandle["newer"]
	require.True(t, kept.IsActive())
}

// staleDuplicateStore replays a fixed duplicate listing, standing in
// for a concurrent pass resolving a row between listing and locking.
type staleDuplicateStore struct {
	*memStore
	listing []models.EscrowTimeout
}

func (s *staleDuplicateStore) DuplicateActiveTimeouts(ctx context.Context, limit int) ([]models.EscrowTimeout, error) {
	return s.listing, nil
}

func TestAutoFixSkipsDuplicateResolvedConcurrently(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.seedTransaction(t, models.StatusInspection, true)
	future := time.Now().Add(24 * time.Hour)
	newer := &models.EscrowTimeout{
		TransactionID: txn.ID,
		TimeoutType:   models.TimeoutInspectionEnd,
		FromStatus:    models.StatusInspection,
		ToStatus:      models.StatusCompleted,
		ExpiresAt:     future,
		JobHandle:     "newer",
		CreatedAt:     time.Now(),
	}
	older := &models.EscrowTimeout{
		TransactionID: txn.ID,
		TimeoutType:   models.TimeoutInspectionEnd,
		FromStatus:    models.StatusInspection,
		ToStatus:      models.StatusCompleted,
		ExpiresAt:     future,
		JobHandle:     "older",
		CreatedAt:     time.Now().Add(-time.Minute),
	}
	env.store.insertTimeoutRaw(newer)
	env.store.insertTimeoutRaw(older)
	listing := []models.EscrowTimeout{*newer, *older}

	require.NoError(t, env.store.InTx(ctx, func(ctx context.Context, tx storage.StoreTx) error {
		return tx.MarkTimeoutCancelled(ctx, older.ID, "resolved elsewhere")
	}))

	store := &staleDuplicateStore{memStore: env.store, listing: listing}
	reconciler := NewReconciler(store, env.scheduler, env.executor, env.cfg, env.log)

	fix := &FixReport{}
	require.NoError(t, reconciler.fixDuplicates(ctx, fix))
	require.Zero(t, fix.Errors)
	require.Zero(t, fix.DuplicatesCancelled)

	timeouts, err := env.store.TimeoutsForTransaction(ctx, txn.ID)
	require.NoError(t, err)
	byHandle := map[string]models.EscrowTimeout{}
	for _, timeout := range timeouts {
		byHandle[timeout.JobHandle] = timeout
	}
	kept := byHandle["newer"]
	require.True(t, kept.IsActive())
}

func TestAutoFixExecutesOverdueTimeouts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.seedTransaction(t, models.StatusDisputed, true)
	env.store.insertTimeoutRaw(&models.EscrowTimeout{
		TransactionID: txn.ID,
		TimeoutType:   models.TimeoutDisputeRefund,
		FromStatus:    models.StatusDisputed,
		ToStatus:      models.StatusRefunded,
		ExpiresAt:     time.Now().Add(-time.Hour),
		JobHandle:     "dropped-by-queue",
	})

	fix, err := env.reconciler.AutoFix(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fix.OverdueExecuted)

	stored, err := env.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRefunded, stored.Status)

	// A repeated pass converges to nothing outstanding.
	fix, err = env.reconciler.AutoFix(ctx)
	require.NoError(t, err)
	require.Zero(t, fix.OverdueExecuted)
	require.Zero(t, fix.MissingScheduled)
}

func TestAutoFixCancelsUnknownTimeoutTypes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.seedTransaction(t, models.StatusPaymentReceived, true)
	env.store.insertTimeoutRaw(&models.EscrowTimeout{
		TransactionID: txn.ID,
		TimeoutType:   "retired_timeout_kind",
		FromStatus:    models.StatusPaymentReceived,
		ToStatus:      models.StatusCancelled,
		ExpiresAt:     time.Now().Add(-time.Hour),
		JobHandle:     "legacy",
	})

	fix, err := env.reconciler.AutoFix(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fix.OverdueCancelled)

	stored, err := env.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPaymentReceived, stored.Status)
}

func TestHealthReportClassification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	report, err := env.reconciler.HealthReport(ctx)
	require.NoError(t, err)
	require.Equal(t, HealthStatusHealthy, report.Status)

	txn := env.seedTransaction(t, models.StatusPaymentReceived, true)
	env.store.insertTimeoutRaw(&models.EscrowTimeout{
		TransactionID: txn.ID,
		TimeoutType:   models.TimeoutShipping,
		FromStatus:    models.StatusPaymentReceived,
		ToStatus:      models.StatusCancelled,
		ExpiresAt:     time.Now().Add(-time.Hour),
		JobHandle:     "stuck",
	})

	report, err = env.reconciler.HealthReport(ctx)
	require.NoError(t, err)
	require.Equal(t, HealthStatusIssues, report.Status)
	require.Equal(t, 1, report.Overdue)
	require.Equal(t, 1, report.PerType[models.TimeoutShipping].Active)
}

func TestHealthReportCountsRecentCancellations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// An old row cancelled just now must land in the 7d bucket: the
	// window is measured from cancellation, not from creation.
	txn := env.seedTransaction(t, models.StatusPaymentReceived, true)
	stale := &models.EscrowTimeout{
		TransactionID: txn.ID,
		TimeoutType:   models.TimeoutShipping,
		FromStatus:    models.StatusPaymentReceived,
		ToStatus:      models.StatusCancelled,
		ExpiresAt:     time.Now().Add(time.Hour),
		JobHandle:     "long-lived",
		CreatedAt:     time.Now().Add(-30 * 24 * time.Hour),
	}
	env.store.insertTimeoutRaw(stale)

	err := env.store.InTx(ctx, func(ctx context.Context, tx storage.StoreTx) error {
		return tx.MarkTimeoutCancelled(ctx, stale.ID, "buyer cancelled")
	})
	require.NoError(t, err)

	report, err := env.reconciler.HealthReport(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.PerType[models.TimeoutShipping].Cancelled7d)
	require.Zero(t, report.PerType[models.TimeoutShipping].Active)
}

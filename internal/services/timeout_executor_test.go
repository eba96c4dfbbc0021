package services

import (
	"context"
	"testing"

	"github.com/escrow-market/backend/internal/models"
	"github.com/stretchr/testify/require"
)

func TestExecuteAppliesAutomaticTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	txn := env.seedTransaction(t, models.StatusInitiated, true)

	_, err := env.transitions.Apply(ctx, txn.ID, models.StatusPaymentReceived,
		UserActor(txn.SellerID, false), "", ExtraFields{})
	require.NoError(t, err)

	active, err := env.store.ActiveTimeouts(ctx, txn.ID, models.TimeoutShipping)
	require.NoError(t, err)
	require.Len(t, active, 1)

	// Seller never ships; the shipping deadline fires.
	outcome, err := env.executor.Execute(ctx, active[0].JobHandle)
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, outcome)

	stored, err := env.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, stored.Status)

	// Auto-cancel returns reserved stock through the hook.
	require.Equal(t, 2, env.inventory.returned)

	// The audit row is attributed to the system.
	history, err := env.store.HistoryForTransaction(ctx, txn.ID, 10)
	require.NoError(t, err)
	require.Equal(t, models.ActorSystem, history[0].ActorType)
	require.Nil(t, history[0].ActorID)
}

func TestExecuteIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	txn := env.seedTransaction(t, models.StatusInitiated, true)

	_, err := env.transitions.Apply(ctx, txn.ID, models.StatusPaymentReceived,
		UserActor(txn.SellerID, false), "", ExtraFields{})
	require.NoError(t, err)

	active, err := env.store.ActiveTimeouts(ctx, txn.ID, models.TimeoutShipping)
	require.NoError(t, err)
	handle := active[0].JobHandle

	outcome, err := env.executor.Execute(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, outcome)

	// Redelivery of the same job is a no-op.
	outcome, err = env.executor.Execute(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, OutcomeStale, outcome)

	history, err := env.store.HistoryForTransaction(ctx, txn.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2) // payment_received + auto-cancel, nothing more
}

func TestExecuteCancelsWhenManualTransitionWon(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	txn := env.seedTransaction(t, models.StatusInitiated, true)

	_, err := env.transitions.Apply(ctx, txn.ID, models.StatusPaymentReceived,
		UserActor(txn.SellerID, false), "", ExtraFields{})
	require.NoError(t, err)

	active, err := env.store.ActiveTimeouts(ctx, txn.ID, models.TimeoutShipping)
	require.NoError(t, err)
	handle := active[0].JobHandle

	// Seller ships first; the cancel sweep resolves the timeout row.
	// A job that already fired and redelivers now finds nothing to do.
	_, err = env.transitions.Apply(ctx, txn.ID, models.StatusShipped,
		UserActor(txn.SellerID, false), "", ExtraFields{Carrier: "UPS", TrackingNumber: "1Z999"})
	require.NoError(t, err)

	outcome, err := env.executor.Execute(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, OutcomeStale, outcome)

	stored, err := env.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusShipped, stored.Status)
}

func TestExecuteRacedTimeoutIsCancelled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	txn := env.seedTransaction(t, models.StatusPaymentReceived, true)

	// An active timeout row whose from_status no longer matches: the
	// cancel sweep never saw it (e.g. written by an older deploy).
	timeout := &models.EscrowTimeout{
		TransactionID: txn.ID,
		TimeoutType:   models.TimeoutInspectionEnd,
		FromStatus:    models.StatusInspection,
		ToStatus:      models.StatusCompleted,
		JobHandle:     "orphan-handle",
	}
	env.store.insertTimeoutRaw(timeout)

	outcome, err := env.executor.Execute(ctx, "orphan-handle")
	require.NoError(t, err)
	require.Equal(t, OutcomeRaced, outcome)

	timeouts, err := env.store.TimeoutsForTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, timeouts, 1)
	require.True(t, timeouts[0].IsCancelled)
	require.False(t, timeouts[0].IsExecuted)

	// The transaction itself is untouched.
	stored, err := env.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPaymentReceived, stored.Status)
}

func TestExecuteUnknownHandleIsStale(t *testing.T) {
	env := newTestEnv(t)

	outcome, err := env.executor.Execute(context.Background(), "never-scheduled")
	require.NoError(t, err)
	require.Equal(t, OutcomeStale, outcome)
}

func TestHandleJobSwallowsTerminalRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Unknown handle resolves cleanly; the queue must not retry.
	require.NoError(t, env.executor.HandleJob(ctx, "never-scheduled", nil))
}

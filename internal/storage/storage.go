// Package storage defines the persistence contract the escrow engine
// runs against. The production implementation lives in
// internal/repositories; tests substitute an in-memory store whose
// InTx serializes on a mutex (single-instance locking only).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/escrow-market/backend/internal/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateActiveTimeout maps the partial unique index on active
	// (transaction_id, timeout_type) rows. Callers treat it as "another
	// process already scheduled this", not as a fatal error.
	ErrDuplicateActiveTimeout = errors.New("active timeout already exists for this transaction and type")
)

type TransactionFilter struct {
	BuyerID  *uuid.UUID
	SellerID *uuid.UUID
	Status   *string
	Limit    int
	Offset   int
}

// TimeoutTypeStats aggregates per-type counters for the health report.
type TimeoutTypeStats struct {
	Active      int `json:"active"`
	Executed7d  int `json:"executed_last_7d"`
	Cancelled7d int `json:"cancelled_last_7d"`
}

// StoreTx is the unit-of-work view used while holding the transaction
// row lock. GetTransactionForUpdate must be the first call so the lock
// order (transaction row before timeout rows) stays fixed.
type StoreTx interface {
	GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error)
	UpdateTransactionStatus(ctx context.Context, txn *models.EscrowTransaction) error
	InsertHistory(ctx context.Context, h *models.TransactionHistory) error
	LatestHistoryAt(ctx context.Context, txnID uuid.UUID, status string) (*time.Time, error)

	InsertTimeout(ctx context.Context, t *models.EscrowTimeout) error
	ActiveTimeouts(ctx context.Context, txnID uuid.UUID, timeoutType string) ([]models.EscrowTimeout, error)
	TimeoutByJobHandle(ctx context.Context, handle string) (*models.EscrowTimeout, error)
	MarkTimeoutExecuted(ctx context.Context, id uuid.UUID, notes string) error
	MarkTimeoutCancelled(ctx context.Context, id uuid.UUID, reason string) error
}

type Store interface {
	// InTx runs fn in one atomic unit; fn's mutations are all-or-nothing.
	InTx(ctx context.Context, fn func(ctx context.Context, tx StoreTx) error) error

	InsertTransaction(ctx context.Context, txn *models.EscrowTransaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error)
	GetTransactionByTrackingCode(ctx context.Context, code string) (*models.EscrowTransaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]models.EscrowTransaction, error)
	HistoryForTransaction(ctx context.Context, txnID uuid.UUID, limit int) ([]models.TransactionHistory, error)

	ActiveTimeouts(ctx context.Context, txnID uuid.UUID, timeoutType string) ([]models.EscrowTimeout, error)
	TimeoutsForTransaction(ctx context.Context, txnID uuid.UUID) ([]models.EscrowTimeout, error)

	// MissingTimeoutCandidates returns transactions sitting in status,
	// modified within maxAge, with no active timeout of timeoutType.
	MissingTimeoutCandidates(ctx context.Context, status, timeoutType string, maxAge time.Duration, limit int) ([]models.EscrowTransaction, error)
	// OverdueTimeouts returns active timeouts whose expires_at is more
	// than grace in the past.
	OverdueTimeouts(ctx context.Context, grace time.Duration, limit int) ([]models.EscrowTimeout, error)
	// DuplicateActiveTimeouts returns every active timeout belonging to
	// a (transaction, type) group with more than one active row, newest
	// first within each group.
	DuplicateActiveTimeouts(ctx context.Context, limit int) ([]models.EscrowTimeout, error)

	CountTimeoutsByType(ctx context.Context, since time.Duration) (map[string]TimeoutTypeStats, error)
	CountUpcomingTimeouts(ctx context.Context, within time.Duration) (int, error)
	CountOverdueTimeouts(ctx context.Context, grace time.Duration) (int, error)
}

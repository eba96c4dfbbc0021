package repositories

import (
	"context"
	"time"

	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store assembles the repos into the storage.Store contract. Reads run
// on the pool; InTx wraps a pgx transaction so the row lock taken by
// GetTransactionForUpdate holds for the whole atomic unit.
type Store struct {
	pool     *pgxpool.Pool
	txns     *TransactionRepo
	history  *HistoryRepo
	timeouts *TimeoutRepo
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:     pool,
		txns:     NewTransactionRepo(),
		history:  NewHistoryRepo(),
		timeouts: NewTimeoutRepo(),
	}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.StoreTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(ctx, &storeTx{tx: pgTx, store: s}); err != nil {
		_ = pgTx.Rollback(ctx)
		return err
	}
	return pgTx.Commit(ctx)
}

func (s *Store) InsertTransaction(ctx context.Context, txn *models.EscrowTransaction) error {
	return s.txns.Create(ctx, s.pool, txn)
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	return s.txns.GetByID(ctx, s.pool, id)
}

func (s *Store) GetTransactionByTrackingCode(ctx context.Context, code string) (*models.EscrowTransaction, error) {
	return s.txns.GetByTrackingCode(ctx, s.pool, code)
}

func (s *Store) ListTransactions(ctx context.Context, f storage.TransactionFilter) ([]models.EscrowTransaction, error) {
	return s.txns.List(ctx, s.pool, f)
}

func (s *Store) HistoryForTransaction(ctx context.Context, txnID uuid.UUID, limit int) ([]models.TransactionHistory, error) {
	return s.history.ListByTransaction(ctx, s.pool, txnID, limit)
}

func (s *Store) ActiveTimeouts(ctx context.Context, txnID uuid.UUID, timeoutType string) ([]models.EscrowTimeout, error) {
	return s.timeouts.Active(ctx, s.pool, txnID, timeoutType)
}

func (s *Store) TimeoutsForTransaction(ctx context.Context, txnID uuid.UUID) ([]models.EscrowTimeout, error) {
	return s.timeouts.ListByTransaction(ctx, s.pool, txnID)
}

func (s *Store) MissingTimeoutCandidates(ctx context.Context, status, timeoutType string, maxAge time.Duration, limit int) ([]models.EscrowTransaction, error) {
	return s.txns.MissingTimeoutCandidates(ctx, s.pool, status, timeoutType, maxAge, limit)
}

func (s *Store) OverdueTimeouts(ctx context.Context, grace time.Duration, limit int) ([]models.EscrowTimeout, error) {
	return s.timeouts.Overdue(ctx, s.pool, grace, limit)
}

func (s *Store) DuplicateActiveTimeouts(ctx context.Context, limit int) ([]models.EscrowTimeout, error) {
	return s.timeouts.DuplicateActive(ctx, s.pool, limit)
}

func (s *Store) CountTimeoutsByType(ctx context.Context, since time.Duration) (map[string]storage.TimeoutTypeStats, error) {
	return s.timeouts.CountByType(ctx, s.pool, since)
}

func (s *Store) CountUpcomingTimeouts(ctx context.Context, within time.Duration) (int, error) {
	return s.timeouts.CountUpcoming(ctx, s.pool, within)
}

func (s *Store) CountOverdueTimeouts(ctx context.Context, grace time.Duration) (int, error) {
	return s.timeouts.CountOverdue(ctx, s.pool, grace)
}

type storeTx struct {
	tx    pgx.Tx
	store *Store
}

func (t *storeTx) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	return t.store.txns.GetByIDForUpdate(ctx, t.tx, id)
}

func (t *storeTx) UpdateTransactionStatus(ctx context.Context, txn *models.EscrowTransaction) error {
	return t.store.txns.UpdateStatus(ctx, t.tx, txn)
}

func (t *storeTx) InsertHistory(ctx context.Context, h *models.TransactionHistory) error {
	return t.store.history.Insert(ctx, t.tx, h)
}

func (t *storeTx) LatestHistoryAt(ctx context.Context, txnID uuid.UUID, status string) (*time.Time, error) {
	return t.store.history.LatestForStatus(ctx, t.tx, txnID, status)
}

func (t *storeTx) InsertTimeout(ctx context.Context, timeout *models.EscrowTimeout) error {
	return t.store.timeouts.Insert(ctx, t.tx, timeout)
}

func (t *storeTx) ActiveTimeouts(ctx context.Context, txnID uuid.UUID, timeoutType string) ([]models.EscrowTimeout, error) {
	return t.store.timeouts.Active(ctx, t.tx, txnID, timeoutType)
}

func (t *storeTx) TimeoutByJobHandle(ctx context.Context, handle string) (*models.EscrowTimeout, error) {
	return t.store.timeouts.GetByJobHandle(ctx, t.tx, handle)
}

func (t *storeTx) MarkTimeoutExecuted(ctx context.Context, id uuid.UUID, notes string) error {
	return t.store.timeouts.MarkExecuted(ctx, t.tx, id, notes)
}

func (t *storeTx) MarkTimeoutCancelled(ctx context.Context, id uuid.UUID, reason string) error {
	return t.store.timeouts.MarkCancelled(ctx, t.tx, id, reason)
}

package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type HistoryRepo struct{}

func NewHistoryRepo() *HistoryRepo {
	return &HistoryRepo{}
}

// Insert appends one audit row. History is never updated or deleted.
func (r *HistoryRepo) Insert(ctx context.Context, db DB, h *models.TransactionHistory) error {
	return db.QueryRow(ctx, `
		INSERT INTO transaction_history (transaction_id, previous_status, new_status, notes, actor_id, actor_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, h.TransactionID, h.PreviousStatus, h.NewStatus, h.Notes, h.ActorID, h.ActorType,
	).Scan(&h.ID, &h.CreatedAt)
}

func (r *HistoryRepo) ListByTransaction(ctx context.Context, db DB, txnID uuid.UUID, limit int) ([]models.TransactionHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.Query(ctx, `
		SELECT id, transaction_id, previous_status, new_status, notes, actor_id, actor_type, created_at
		FROM transaction_history
		WHERE transaction_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, txnID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.TransactionHistory
	for rows.Next() {
		var h models.TransactionHistory
		if err := rows.Scan(&h.ID, &h.TransactionID, &h.PreviousStatus, &h.NewStatus, &h.Notes, &h.ActorID, &h.ActorType, &h.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// LatestForStatus returns when the transaction most recently entered
// the given status. Used as the base time for retroactive scheduling.
func (r *HistoryRepo) LatestForStatus(ctx context.Context, db DB, txnID uuid.UUID, status string) (*time.Time, error) {
	var at time.Time
	err := db.QueryRow(ctx, `
		SELECT created_at FROM transaction_history
		WHERE transaction_id = $1 AND new_status = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, txnID, status).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &at, nil
}

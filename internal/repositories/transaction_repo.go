package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const transactionColumns = `id, tracking_code, buyer_id, seller_id, product_id, variant_id, quantity,
       amount, currency, status, status_changed_at,
       inspection_required, inspection_period_days, inspection_ends_at,
       carrier, tracking_number, shipped_at, delivered_at, created_at, updated_at`

type TransactionRepo struct{}

func NewTransactionRepo() *TransactionRepo {
	return &TransactionRepo{}
}

func scanTransaction(row pgx.Row) (*models.EscrowTransaction, error) {
	var t models.EscrowTransaction
	err := row.Scan(&t.ID, &t.TrackingCode, &t.BuyerID, &t.SellerID, &t.ProductID, &t.VariantID, &t.Quantity,
		&t.Amount, &t.Currency, &t.Status, &t.StatusChangedAt,
		&t.InspectionRequired, &t.InspectionPeriodDays, &t.InspectionEndsAt,
		&t.Carrier, &t.TrackingNumber, &t.ShippedAt, &t.DeliveredAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepo) Create(ctx context.Context, db DB, t *models.EscrowTransaction) error {
	return db.QueryRow(ctx, `
		INSERT INTO escrow_transactions (tracking_code, buyer_id, seller_id, product_id, variant_id, quantity,
		                                 amount, currency, status, inspection_required, inspection_period_days)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, status_changed_at, created_at, updated_at
	`, t.TrackingCode, t.BuyerID, t.SellerID, t.ProductID, t.VariantID, t.Quantity,
		t.Amount, t.Currency, t.Status, t.InspectionRequired, t.InspectionPeriodDays,
	).Scan(&t.ID, &t.StatusChangedAt, &t.CreatedAt, &t.UpdatedAt)
}

func (r *TransactionRepo) GetByID(ctx context.Context, db DB, id uuid.UUID) (*models.EscrowTransaction, error) {
	return scanTransaction(db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = $1`, id))
}

// GetByIDForUpdate takes the pessimistic row lock that serializes
// manual and automatic transitions for one transaction.
func (r *TransactionRepo) GetByIDForUpdate(ctx context.Context, db DB, id uuid.UUID) (*models.EscrowTransaction, error) {
	return scanTransaction(db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = $1 FOR UPDATE`, id))
}

func (r *TransactionRepo) GetByTrackingCode(ctx context.Context, db DB, code string) (*models.EscrowTransaction, error) {
	return scanTransaction(db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM escrow_transactions WHERE tracking_code = $1`, code))
}

// UpdateStatus persists the status plus every status-derived field.
// The tracking_code is immutable and deliberately not part of the SET.
func (r *TransactionRepo) UpdateStatus(ctx context.Context, db DB, t *models.EscrowTransaction) error {
	_, err := db.Exec(ctx, `
		UPDATE escrow_transactions
		SET status = $1, status_changed_at = $2, inspection_ends_at = $3,
		    carrier = $4, tracking_number = $5, shipped_at = $6, delivered_at = $7,
		    updated_at = now()
		WHERE id = $8
	`, t.Status, t.StatusChangedAt, t.InspectionEndsAt,
		t.Carrier, t.TrackingNumber, t.ShippedAt, t.DeliveredAt, t.ID)
	return err
}

func (r *TransactionRepo) List(ctx context.Context, db DB, f storage.TransactionFilter) ([]models.EscrowTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions`
	args := []any{}
	argIdx := 1
	where := []string{}

	if f.BuyerID != nil {
		where = append(where, fmt.Sprintf("buyer_id = $%d", argIdx))
		args = append(args, *f.BuyerID)
		argIdx++
	}
	if f.SellerID != nil {
		where = append(where, fmt.Sprintf("seller_id = $%d", argIdx))
		args = append(args, *f.SellerID)
		argIdx++
	}
	if f.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *f.Status)
		argIdx++
	}

	if len(where) > 0 {
		query += " WHERE "
		for i, w := range where {
			if i > 0 {
				query += " AND "
			}
			query += w
		}
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []models.EscrowTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

// MissingTimeoutCandidates finds transactions in a timeout-eligible
// status with no active timeout of the expected type, bounded for
// reconciliation throughput.
func (r *TransactionRepo) MissingTimeoutCandidates(ctx context.Context, db DB, status, timeoutType string, maxAge time.Duration, limit int) ([]models.EscrowTransaction, error) {
	rows, err := db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions t
		WHERE t.status = $1
		  AND t.updated_at > now() - $2::interval
		  AND NOT EXISTS (
			SELECT 1 FROM escrow_timeouts et
			WHERE et.transaction_id = t.id AND et.timeout_type = $3
			  AND NOT et.is_executed AND NOT et.is_cancelled
		  )
		ORDER BY t.updated_at ASC
		LIMIT $4
	`, status, fmt.Sprintf("%d seconds", int(maxAge.Seconds())), timeoutType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []models.EscrowTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

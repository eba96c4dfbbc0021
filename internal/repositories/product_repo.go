package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Release modes for reserved stock.
const (
	ReleaseModeReturn = "return" // refund/cancel: stock goes back on the shelf
	ReleaseModeDeduct = "deduct" // completion: reserved units leave inventory
)

// ProductRepo backs the inventory collaborator. Unlike the engine
// repos it owns its pool: inventory calls happen outside the escrow
// transaction's atomic unit.
type ProductRepo struct {
	pool *pgxpool.Pool
}

func NewProductRepo(pool *pgxpool.Pool) *ProductRepo {
	return &ProductRepo{pool: pool}
}

func (r *ProductRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var p models.Product
	err := r.pool.QueryRow(ctx, `
		SELECT id, title, inspection_required, stock, reserved, created_at, updated_at
		FROM products WHERE id = $1
	`, id).Scan(&p.ID, &p.Title, &p.InspectionRequired, &p.Stock, &p.Reserved, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Reserve holds qty units if enough unreserved stock remains.
func (r *ProductRepo) Reserve(ctx context.Context, productID uuid.UUID, qty int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE products
		SET reserved = reserved + $1, updated_at = now()
		WHERE id = $2 AND stock - reserved >= $1
	`, qty, productID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Release frees a reservation. Mode "return" puts units back in
// circulation, "deduct" removes them from stock permanently.
func (r *ProductRepo) Release(ctx context.Context, productID uuid.UUID, qty int, mode string) error {
	switch mode {
	case ReleaseModeReturn:
		_, err := r.pool.Exec(ctx, `
			UPDATE products
			SET reserved = GREATEST(reserved - $1, 0), updated_at = now()
			WHERE id = $2
		`, qty, productID)
		return err
	case ReleaseModeDeduct:
		_, err := r.pool.Exec(ctx, `
			UPDATE products
			SET stock = GREATEST(stock - $1, 0), reserved = GREATEST(reserved - $1, 0), updated_at = now()
			WHERE id = $2
		`, qty, productID)
		return err
	}
	return fmt.Errorf("unknown release mode %q", mode)
}

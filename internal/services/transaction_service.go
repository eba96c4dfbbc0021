package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/escrow-market/backend/internal/config"
	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/repositories"
	"github.com/escrow-market/backend/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProductCatalog is the read side of the product collaborator.
type ProductCatalog interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Product, error)
}

type CreateTransactionInput struct {
	BuyerID              uuid.UUID
	SellerID             uuid.UUID
	ProductID            uuid.UUID
	VariantID            *uuid.UUID
	Quantity             int
	Amount               string
	Currency             string
	InspectionPeriodDays int
}

// TransactionService creates transactions and serves reads. Status is
// never mutated here; that is TransitionService's job.
type TransactionService struct {
	store     storage.Store
	products  ProductCatalog
	inventory Inventory
	cfg       *config.Config
	log       *zap.Logger
}

func NewTransactionService(store storage.Store, products ProductCatalog, inventory Inventory, cfg *config.Config, log *zap.Logger) *TransactionService {
	return &TransactionService{store: store, products: products, inventory: inventory, cfg: cfg, log: log}
}

// Create reserves stock and opens a transaction in status initiated.
// The inspection-required flag is snapshotted from the product so
// later automatic transitions do not depend on catalog changes.
func (s *TransactionService) Create(ctx context.Context, in CreateTransactionInput) (*models.EscrowTransaction, error) {
	if in.Quantity <= 0 {
		in.Quantity = 1
	}
	if in.Amount == "" {
		return nil, &ValidationError{Reason: "amount is required"}
	}
	if in.BuyerID == in.SellerID {
		return nil, &ValidationError{Reason: "buyer and seller must differ"}
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}

	product, err := s.products.GetByID(ctx, in.ProductID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &ValidationError{Reason: "product not found"}
		}
		return nil, err
	}

	ok, err := s.inventory.Reserve(ctx, in.ProductID, in.Quantity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ConflictError{Reason: fmt.Sprintf("insufficient stock for product %s", in.ProductID)}
	}

	inspectionDays := in.InspectionPeriodDays
	if inspectionDays <= 0 {
		inspectionDays = s.cfg.DefaultInspectionPeriodDays
	}

	txn := &models.EscrowTransaction{
		TrackingCode:         models.NewTrackingCode(),
		BuyerID:              in.BuyerID,
		SellerID:             in.SellerID,
		ProductID:            in.ProductID,
		VariantID:            in.VariantID,
		Quantity:             in.Quantity,
		Amount:               in.Amount,
		Currency:             in.Currency,
		Status:               models.StatusInitiated,
		InspectionRequired:   product.InspectionRequired,
		InspectionPeriodDays: inspectionDays,
	}

	if err := s.store.InsertTransaction(ctx, txn); err != nil {
		// Give the reservation back; the transaction never existed.
		if rerr := s.inventory.Release(ctx, in.ProductID, in.Quantity, repositories.ReleaseModeReturn); rerr != nil {
			s.log.Error("failed to release reservation after create failure",
				zap.String("product_id", in.ProductID.String()), zap.Error(rerr))
		}
		return nil, err
	}

	s.log.Info("transaction created",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("tracking_code", txn.TrackingCode),
	)
	return txn, nil
}

func (s *TransactionService) Get(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	return s.store.GetTransaction(ctx, id)
}

func (s *TransactionService) GetByTrackingCode(ctx context.Context, code string) (*models.EscrowTransaction, error) {
	return s.store.GetTransactionByTrackingCode(ctx, code)
}

func (s *TransactionService) List(ctx context.Context, f storage.TransactionFilter) ([]models.EscrowTransaction, error) {
	return s.store.ListTransactions(ctx, f)
}

func (s *TransactionService) History(ctx context.Context, txnID uuid.UUID, limit int) ([]models.TransactionHistory, error) {
	return s.store.HistoryForTransaction(ctx, txnID, limit)
}

func (s *TransactionService) Timeouts(ctx context.Context, txnID uuid.UUID) ([]models.EscrowTimeout, error) {
	return s.store.TimeoutsForTransaction(ctx, txnID)
}

package services

import (
	"context"
	"strings"
	"testing"

	"github.com/escrow-market/backend/internal/config"
	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCatalog struct {
	products map[uuid.UUID]*models.Product
}

func (f *fakeCatalog) GetByID(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	p, ok := f.products[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

func newTransactionService(t *testing.T) (*TransactionService, *memStore, *fakeInventory, uuid.UUID) {
	t.Helper()
	productID := uuid.New()
	catalog := &fakeCatalog{products: map[uuid.UUID]*models.Product{
		productID: {ID: productID, Title: "mechanical keyboard", InspectionRequired: true, Stock: 10},
	}}
	store := newMemStore()
	inventory := &fakeInventory{stock: 10}
	cfg := &config.Config{DefaultInspectionPeriodDays: 7}
	svc := NewTransactionService(store, catalog, inventory, cfg, zap.NewNop())
	return svc, store, inventory, productID
}

func validInput(productID uuid.UUID) CreateTransactionInput {
	return CreateTransactionInput{
		BuyerID:   uuid.New(),
		SellerID:  uuid.New(),
		ProductID: productID,
		Quantity:  3,
		Amount:    "59.00",
		Currency:  "EUR",
	}
}

func TestCreateTransaction(t *testing.T) {
	svc, store, inventory, productID := newTransactionService(t)
	ctx := context.Background()

	txn, err := svc.Create(ctx, validInput(productID))
	require.NoError(t, err)
	require.Equal(t, models.StatusInitiated, txn.Status)
	require.True(t, txn.InspectionRequired)
	require.Equal(t, 7, txn.InspectionPeriodDays)
	require.True(t, strings.HasPrefix(txn.TrackingCode, "ESC-"))
	require.Equal(t, 3, inventory.reserved)

	stored, err := store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, txn.TrackingCode, stored.TrackingCode)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _, productID := newTransactionService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateTransactionInput)
	}{
		{"missing amount", func(in *CreateTransactionInput) { in.Amount = "" }},
		{"buyer is seller", func(in *CreateTransactionInput) { in.SellerID = in.BuyerID }},
		{"unknown product", func(in *CreateTransactionInput) { in.ProductID = uuid.New() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput(productID)
			tt.mutate(&in)
			_, err := svc.Create(ctx, in)
			var val *ValidationError
			require.ErrorAs(t, err, &val)
		})
	}
}

func TestCreateRejectsInsufficientStock(t *testing.T) {
	svc, _, inventory, productID := newTransactionService(t)
	ctx := context.Background()
	inventory.stock = 2

	in := validInput(productID)
	_, err := svc.Create(ctx, in)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Zero(t, inventory.reserved)
}

func TestGetByTrackingCode(t *testing.T) {
	svc, _, _, productID := newTransactionService(t)
	ctx := context.Background()

	txn, err := svc.Create(ctx, validInput(productID))
	require.NoError(t, err)

	found, err := svc.GetByTrackingCode(ctx, txn.TrackingCode)
	require.NoError(t, err)
	require.Equal(t, txn.ID, found.ID)

	_, err = svc.GetByTrackingCode(ctx, "ESC-NOPE")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

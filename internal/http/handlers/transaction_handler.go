package handlers

import (
	"strconv"

	"github.com/escrow-market/backend/internal/http/dto"
	"github.com/escrow-market/backend/internal/middleware"
	"github.com/escrow-market/backend/internal/services"
	"github.com/escrow-market/backend/internal/storage"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type TransactionHandler struct {
	transactions *services.TransactionService
	transitions  *services.TransitionService
	log          *zap.Logger
}

func NewTransactionHandler(transactions *services.TransactionService, transitions *services.TransitionService, log *zap.Logger) *TransactionHandler {
	return &TransactionHandler{transactions: transactions, transitions: transitions, log: log}
}

func (h *TransactionHandler) Create(c *fiber.Ctx) error {
	var req dto.CreateTransactionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	sellerID, err := uuid.Parse(req.SellerID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid seller_id"})
	}
	productID, err := uuid.Parse(req.ProductID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid product_id"})
	}

	in := services.CreateTransactionInput{
		BuyerID:              middleware.GetUserID(c),
		SellerID:             sellerID,
		ProductID:            productID,
		Quantity:             req.Quantity,
		Amount:               req.Amount,
		Currency:             req.Currency,
		InspectionPeriodDays: req.InspectionPeriodDays,
	}
	if req.VariantID != "" {
		variantID, err := uuid.Parse(req.VariantID)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid variant_id"})
		}
		in.VariantID = &variantID
	}

	txn, err := h.transactions.Create(c.Context(), in)
	if err != nil {
		return c.Status(statusFor(err)).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: txn})
}

func (h *TransactionHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid transaction id"})
	}

	txn, err := h.transactions.Get(c.Context(), id)
	if err != nil {
		return c.Status(statusFor(err)).JSON(dto.ErrorResponse{Error: "transaction not found"})
	}
	if !h.canView(c, txn.BuyerID, txn.SellerID) {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "access denied"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: txn})
}

func (h *TransactionHandler) GetByTrackingCode(c *fiber.Ctx) error {
	txn, err := h.transactions.GetByTrackingCode(c.Context(), c.Params("code"))
	if err != nil {
		return c.Status(statusFor(err)).JSON(dto.ErrorResponse{Error: "transaction not found"})
	}
	if !h.canView(c, txn.BuyerID, txn.SellerID) {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "access denied"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: txn})
}

func (h *TransactionHandler) List(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	filter := storage.TransactionFilter{
		Limit:  20,
		Offset: 0,
	}

	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	if v := c.Query("status"); v != "" {
		filter.Status = &v
	}

	switch c.Query("role") {
	case "buyer":
		filter.BuyerID = &userID
	case "seller":
		filter.SellerID = &userID
	default:
		if !middleware.IsStaff(c) {
			filter.BuyerID = &userID
		}
	}

	txns, err := h.transactions.List(c.Context(), filter)
	if err != nil {
		h.log.Error("list transactions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: txns})
}

func (h *TransactionHandler) Transition(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid transaction id"})
	}

	var req dto.TransitionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	if req.Status == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "status is required"})
	}

	actor := services.UserActor(middleware.GetUserID(c), middleware.IsStaff(c))
	extra := services.ExtraFields{Carrier: req.Carrier, TrackingNumber: req.TrackingNumber}

	txn, err := h.transitions.Apply(c.Context(), id, req.Status, actor, req.Notes, extra)
	if err != nil {
		return c.Status(statusFor(err)).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: txn})
}

func (h *TransactionHandler) History(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid transaction id"})
	}

	txn, err := h.transactions.Get(c.Context(), id)
	if err != nil {
		return c.Status(statusFor(err)).JSON(dto.ErrorResponse{Error: "transaction not found"})
	}
	if !h.canView(c, txn.BuyerID, txn.SellerID) {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "access denied"})
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	history, err := h.transactions.History(c.Context(), id, limit)
	if err != nil {
		h.log.Error("transaction history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: history})
}

func (h *TransactionHandler) Timeouts(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid transaction id"})
	}

	txn, err := h.transactions.Get(c.Context(), id)
	if err != nil {
		return c.Status(statusFor(err)).JSON(dto.ErrorResponse{Error: "transaction not found"})
	}
	if !h.canView(c, txn.BuyerID, txn.SellerID) {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "access denied"})
	}

	timeouts, err := h.transactions.Timeouts(c.Context(), id)
	if err != nil {
		h.log.Error("transaction timeouts", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: timeouts})
}

func (h *TransactionHandler) canView(c *fiber.Ctx, buyerID, sellerID uuid.UUID) bool {
	if middleware.IsStaff(c) {
		return true
	}
	userID := middleware.GetUserID(c)
	return userID == buyerID || userID == sellerID
}

package handlers

import (
	"time"

	"github.com/escrow-market/backend/internal/http/dto"
	"github.com/escrow-market/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OpsHandler exposes staff-only operational endpoints for the
// timeout subsystem.
type OpsHandler struct {
	reconciler *services.Reconciler
	scheduler  *services.TimeoutScheduler
	log        *zap.Logger
}

func NewOpsHandler(reconciler *services.Reconciler, scheduler *services.TimeoutScheduler, log *zap.Logger) *OpsHandler {
	return &OpsHandler{reconciler: reconciler, scheduler: scheduler, log: log}
}

func (h *OpsHandler) Health(c *fiber.Ctx) error {
	report, err := h.reconciler.HealthReport(c.Context())
	if err != nil {
		h.log.Error("health report", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: report})
}

func (h *OpsHandler) Validate(c *fiber.Ctx) error {
	report, err := h.reconciler.ValidateConsistency(c.Context())
	if err != nil {
		h.log.Error("consistency check", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: report})
}

func (h *OpsHandler) Reconcile(c *fiber.Ctx) error {
	report, err := h.reconciler.AutoFix(c.Context())
	if err != nil {
		h.log.Error("reconcile", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: report})
}

func (h *OpsHandler) Reschedule(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid transaction id"})
	}

	var req dto.RescheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "expires_at must be RFC3339"})
	}
	if !expiresAt.After(time.Now()) {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "expires_at must be in the future"})
	}

	if err := h.scheduler.Reschedule(c.Context(), id, req.TimeoutType, expiresAt); err != nil {
		return c.Status(statusFor(err)).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(dto.SuccessResponse{OK: true})
}

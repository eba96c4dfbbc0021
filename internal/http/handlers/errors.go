package handlers

import (
	"errors"

	"github.com/escrow-market/backend/internal/services"
	"github.com/gofiber/fiber/v2"
)

// statusFor maps service-layer errors onto HTTP status codes.
func statusFor(err error) int {
	var perm *services.PermissionError
	var val *services.ValidationError
	var conflict *services.ConflictError
	var transient *services.TransientError

	switch {
	case errors.Is(err, services.ErrNotFound):
		return fiber.StatusNotFound
	case errors.As(err, &perm):
		return fiber.StatusForbidden
	case errors.As(err, &val):
		return fiber.StatusBadRequest
	case errors.As(err, &conflict):
		return fiber.StatusConflict
	case errors.As(err, &transient):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

package middleware

import (
	"strings"

	"github.com/escrow-market/backend/internal/auth"
	"github.com/escrow-market/backend/internal/config"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CtxUserID  = "user_id"
	CtxIsStaff = "is_staff"
)

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxUserID, claims.UserID)
		c.Locals(CtxIsStaff, claims.IsStaff)

		return c.Next()
	}
}

func GetUserID(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(CtxUserID).(uuid.UUID)
	return id
}

func IsStaff(c *fiber.Ctx) bool {
	staff, _ := c.Locals(CtxIsStaff).(bool)
	return staff
}

// StaffMiddleware restricts operational endpoints to staff tokens.
func StaffMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !IsStaff(c) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "staff access required"})
		}
		return c.Next()
	}
}

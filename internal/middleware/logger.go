package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LoggerMiddleware emits one structured line per request. The acting
// user is included when auth ran downstream, so transition calls can
// be traced back to the buyer or seller who made them.
func LoggerMiddleware(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		status := c.Response().StatusCode()
		reqID, _ := c.Locals(CtxRequestID).(string)
		fields := []zap.Field{
			zap.String("request_id", reqID),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.IP()),
		}
		if userID, ok := c.Locals(CtxUserID).(uuid.UUID); ok {
			fields = append(fields, zap.String("user_id", userID.String()))
		}

		if status >= fiber.StatusInternalServerError {
			log.Error("request failed", fields...)
		} else {
			log.Info("request", fields...)
		}

		return err
	}
}

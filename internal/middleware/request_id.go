package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const CtxRequestID = "request_id"

// RequestIDMiddleware tags every request with a UUID, honoring a
// caller-supplied X-Request-ID only when it parses as one. Anything
// else is replaced rather than echoed into logs and error bodies.
func RequestIDMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		reqID := c.Get(fiber.HeaderXRequestID)
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.New().String()
		}
		c.Locals(CtxRequestID, reqID)
		c.Set(fiber.HeaderXRequestID, reqID)
		return c.Next()
	}
}

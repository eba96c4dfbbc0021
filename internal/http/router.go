package http

import (
	"time"

	"github.com/escrow-market/backend/internal/config"
	"github.com/escrow-market/backend/internal/http/handlers"
	"github.com/escrow-market/backend/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	transactionHandler *handlers.TransactionHandler,
	opsHandler *handlers.OpsHandler,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Transactions
	protected.Post("/transactions", transactionHandler.Create)
	protected.Get("/transactions", transactionHandler.List)
	protected.Get("/transactions/track/:code", transactionHandler.GetByTrackingCode)
	protected.Get("/transactions/:id", transactionHandler.Get)
	protected.Post("/transactions/:id/transition", transactionHandler.Transition)
	protected.Get("/transactions/:id/history", transactionHandler.History)
	protected.Get("/transactions/:id/timeouts", transactionHandler.Timeouts)

	// Staff operations
	ops := protected.Group("/ops", middleware.StaffMiddleware())
	ops.Get("/timeouts/health", opsHandler.Health)
	ops.Get("/timeouts/validate", opsHandler.Validate)
	ops.Post("/timeouts/reconcile", opsHandler.Reconcile)
	ops.Post("/transactions/:id/reschedule", opsHandler.Reschedule)
}

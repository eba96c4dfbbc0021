package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/escrow-market/backend/internal/config"
	"github.com/escrow-market/backend/internal/db"
	"github.com/escrow-market/backend/internal/events"
	apphttp "github.com/escrow-market/backend/internal/http"
	"github.com/escrow-market/backend/internal/http/handlers"
	"github.com/escrow-market/backend/internal/jobs"
	"github.com/escrow-market/backend/internal/repositories"
	"github.com/escrow-market/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Storage
	store := repositories.NewStore(pool)
	productRepo := repositories.NewProductRepo(pool)

	// Job queue (API only schedules and revokes; the worker consumes)
	queue := jobs.NewRedisQueue(rdb, jobs.RedisQueueConfig{
		PollInterval: cfg.JobPollInterval,
		MaxAttempts:  cfg.JobMaxAttempts,
		RetryBase:    cfg.JobRetryBase,
		RetryCeiling: cfg.JobRetryCeiling,
		ClaimBatch:   cfg.JobClaimBatch,
	}, log)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)

	// Services
	scheduler := services.NewTimeoutScheduler(store, queue, cfg, log)
	hooks := []services.TransitionHook{
		services.InventoryHook(productRepo),
		services.NotifyHook(publisher),
	}
	transitions := services.NewTransitionService(store, scheduler, hooks, log)
	executor := services.NewTimeoutExecutor(store, transitions, publisher, log)
	reconciler := services.NewReconciler(store, scheduler, executor, cfg, log)
	transactions := services.NewTransactionService(store, productRepo, productRepo, cfg, log)

	// Handlers
	transactionHandler := handlers.NewTransactionHandler(transactions, transitions, log)
	opsHandler := handlers.NewOpsHandler(reconciler, scheduler, log)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, transactionHandler, opsHandler)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/escrow-market/backend/internal/config"
	"github.com/escrow-market/backend/internal/db"
	"github.com/escrow-market/backend/internal/events"
	"github.com/escrow-market/backend/internal/jobs"
	"github.com/escrow-market/backend/internal/repositories"
	"github.com/escrow-market/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Storage
	store := repositories.NewStore(pool)
	productRepo := repositories.NewProductRepo(pool)

	// Queue
	queue := jobs.NewRedisQueue(rdb, jobs.RedisQueueConfig{
		PollInterval: cfg.JobPollInterval,
		MaxAttempts:  cfg.JobMaxAttempts,
		RetryBase:    cfg.JobRetryBase,
		RetryCeiling: cfg.JobRetryCeiling,
		ClaimBatch:   cfg.JobClaimBatch,
	}, log)

	// Services
	publisher := events.NewRedisPublisher(rdb, log)
	scheduler := services.NewTimeoutScheduler(store, queue, cfg, log)
	hooks := []services.TransitionHook{
		services.InventoryHook(productRepo),
		services.NotifyHook(publisher),
	}
	transitions := services.NewTransitionService(store, scheduler, hooks, log)
	executor := services.NewTimeoutExecutor(store, transitions, publisher, log)
	reconciler := services.NewReconciler(store, scheduler, executor, cfg, log)

	queue.Register(jobs.TaskTimeoutExpired, executor.HandleJob)

	// Mirror transaction events into the worker log.
	subscriber := events.NewRedisSubscriber(rdb, log)
	err = subscriber.Subscribe(ctx, events.StreamTransactions, func(ev events.Event) {
		log.Info("transaction event", zap.String("type", ev.Type), zap.Any("payload", ev.Payload))
	})
	if err != nil {
		log.Error("event subscription failed", zap.Error(err))
	}

	log.Info("worker started")

	// Queue consumer
	go queue.Run(ctx)

	// Periodic reconciliation
	reconcileTicker := time.NewTicker(cfg.ReconcileInterval)
	defer reconcileTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-reconcileTicker.C:
			reconciler.Run(ctx)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/escrow-market/backend/internal/config"
	"github.com/escrow-market/backend/internal/db"
	"github.com/escrow-market/backend/internal/jobs"
	"github.com/escrow-market/backend/internal/models"
	"github.com/escrow-market/backend/internal/repositories"
	"github.com/escrow-market/backend/internal/services"
	"github.com/escrow-market/backend/internal/storage"
	"go.uber.org/zap"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report what would be scheduled without writing anything")
	force := flag.Bool("force", false, "cancel and reschedule timeouts that already exist")
	status := flag.String("status", "", "limit the scan to one timeout-eligible status")
	maxAgeHours := flag.Int("max-age-hours", 720, "skip transactions whose status is older than this")
	batchSize := flag.Int("batch-size", 200, "rows fetched per status per pass")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx := context.Background()

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

	store := repositories.NewStore(pool)
	queue := jobs.NewRedisQueue(rdb, jobs.RedisQueueConfig{
		RetryBase:    cfg.JobRetryBase,
		RetryCeiling: cfg.JobRetryCeiling,
		MaxAttempts:  cfg.JobMaxAttempts,
	}, log)
	scheduler := services.NewTimeoutScheduler(store, queue, cfg, log)

	statuses := services.TimeoutEligibleStatuses()
	if *status != "" {
		if _, ok := services.RuleForStatus(*status); !ok {
			fmt.Fprintf(os.Stderr, "status %q does not carry a timeout\n", *status)
			os.Exit(2)
		}
		statuses = []string{*status}
	}

	maxAge := time.Duration(*maxAgeHours) * time.Hour
	var scanned, scheduled, failed int

	for _, st := range statuses {
		candidates, err := collect(ctx, store, st, *force, maxAge, *batchSize)
		if err != nil {
			log.Error("candidate scan failed", zap.String("status", st), zap.Error(err))
			failed++
			continue
		}

		for _, txn := range candidates {
			scanned++
			rule, _ := services.RuleForStatus(txn.Status)
			if *dryRun {
				fmt.Printf("would schedule %s timeout for %s (status %s since %s)\n",
					rule.Type, txn.ID, txn.Status, txn.StatusChangedAt.Format(time.RFC3339))
				continue
			}

			if *force {
				err = scheduler.ForceReschedule(ctx, txn.ID)
			} else {
				err = scheduler.ScheduleRetroactive(ctx, txn.ID)
			}
			if err != nil {
				log.Error("backfill failed",
					zap.String("transaction_id", txn.ID.String()),
					zap.String("status", txn.Status),
					zap.Error(err),
				)
				failed++
				continue
			}
			scheduled++
		}
	}

	fmt.Printf("scanned=%d scheduled=%d failed=%d dry_run=%v\n", scanned, scheduled, failed, *dryRun)
	if failed > 0 {
		os.Exit(1)
	}
}

// collect fetches the transactions a pass should touch. Without
// --force that is rows missing an active timeout of the status's type;
// with --force it is every row in the status regardless.
func collect(ctx context.Context, store storage.Store, status string, force bool, maxAge time.Duration, batchSize int) ([]models.EscrowTransaction, error) {
	if !force {
		rule, _ := services.RuleForStatus(status)
		return store.MissingTimeoutCandidates(ctx, status, rule.Type, maxAge, batchSize)
	}

	var out []models.EscrowTransaction
	cutoff := time.Now().Add(-maxAge)
	offset := 0
	for {
		page, err := store.ListTransactions(ctx, storage.TransactionFilter{
			Status: &status,
			Limit:  batchSize,
			Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		for _, txn := range page {
			if txn.StatusChangedAt.After(cutoff) {
				out = append(out, txn)
			}
		}
		if len(page) < batchSize {
			return out, nil
		}
		offset += batchSize
	}
}

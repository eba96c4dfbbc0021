package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	scheduledKey = "jobs:scheduled"
	dataKeyPref  = "jobs:data:"
)

// claimScript atomically pops due handles so concurrent workers never
// double-claim the same job.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #due > 0 then
	redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`)

type jobData struct {
	Task    string  `json:"task"`
	Payload Payload `json:"payload"`
	Attempt int     `json:"attempt"`
}

// RedisQueueConfig bounds retry behavior and claim throughput.
type RedisQueueConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RetryCeiling time.Duration
	ClaimBatch   int
}

// RedisQueue is a sorted-set delay queue with at-least-once delivery.
// Handlers must be idempotent.
type RedisQueue struct {
	rdb *redis.Client
	cfg RedisQueueConfig
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRedisQueue(rdb *redis.Client, cfg RedisQueueConfig, log *zap.Logger) *RedisQueue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 50
	}
	return &RedisQueue{
		rdb:      rdb,
		cfg:      cfg,
		log:      log,
		handlers: map[string]Handler{},
	}
}

func (q *RedisQueue) Register(task string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[task] = h
}

func (q *RedisQueue) Schedule(ctx context.Context, task string, payload Payload, delay time.Duration) (string, error) {
	if delay < 0 {
		delay = 0
	}
	handle := uuid.NewString()
	data, err := json.Marshal(jobData{Task: task, Payload: payload})
	if err != nil {
		return "", err
	}

	fireAt := time.Now().Add(delay)
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, dataKeyPref+handle, data, 0)
	pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(fireAt.UnixMilli()), Member: handle})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return handle, nil
}

func (q *RedisQueue) Revoke(ctx context.Context, handle string) (bool, error) {
	removed, err := q.rdb.ZRem(ctx, scheduledKey, handle).Result()
	if err != nil {
		return false, err
	}
	if removed == 0 {
		// Already fired or never existed; nothing to un-run.
		return false, nil
	}
	_ = q.rdb.Del(ctx, dataKeyPref+handle).Err()
	return true, nil
}

// Run polls for due jobs until ctx is cancelled.
func (q *RedisQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Tick(ctx); err != nil && ctx.Err() == nil {
				q.log.Error("job claim failed", zap.Error(err))
			}
		}
	}
}

// Tick claims and executes one batch of due jobs.
func (q *RedisQueue) Tick(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	handles, err := claimScript.Run(ctx, q.rdb, []string{scheduledKey}, now, q.cfg.ClaimBatch).StringSlice()
	if err != nil {
		return fmt.Errorf("claim due jobs: %w", err)
	}

	for _, handle := range handles {
		q.execute(ctx, handle)
	}
	return nil
}

func (q *RedisQueue) execute(ctx context.Context, handle string) {
	raw, err := q.rdb.Get(ctx, dataKeyPref+handle).Bytes()
	if err != nil {
		// Revoked between claim and fetch, or data expired.
		q.log.Debug("job data missing, skipping", zap.String("handle", handle))
		return
	}

	var data jobData
	if err := json.Unmarshal(raw, &data); err != nil {
		q.log.Error("corrupt job data", zap.String("handle", handle), zap.Error(err))
		_ = q.rdb.Del(ctx, dataKeyPref+handle).Err()
		return
	}

	q.mu.RLock()
	handler, ok := q.handlers[data.Task]
	q.mu.RUnlock()
	if !ok {
		q.log.Error("no handler for task", zap.String("task", data.Task), zap.String("handle", handle))
		_ = q.rdb.Del(ctx, dataKeyPref+handle).Err()
		return
	}

	if err := handler(ctx, handle, data.Payload); err != nil {
		q.retry(ctx, handle, data, err)
		return
	}
	_ = q.rdb.Del(ctx, dataKeyPref+handle).Err()
}

func (q *RedisQueue) retry(ctx context.Context, handle string, data jobData, cause error) {
	data.Attempt++
	if data.Attempt >= q.cfg.MaxAttempts {
		q.log.Error("job failed after max attempts, dropping",
			zap.String("handle", handle),
			zap.String("task", data.Task),
			zap.Int("attempts", data.Attempt),
			zap.Error(cause),
		)
		_ = q.rdb.Del(ctx, dataKeyPref+handle).Err()
		return
	}

	delay := retryDelay(q.cfg.RetryBase, data.Attempt, q.cfg.RetryCeiling)
	raw, err := json.Marshal(data)
	if err != nil {
		q.log.Error("marshal retry job", zap.Error(err))
		return
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, dataKeyPref+handle, raw, 0)
	pipe.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: handle,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("requeue job", zap.String("handle", handle), zap.Error(err))
		return
	}

	q.log.Warn("job failed, retrying",
		zap.String("handle", handle),
		zap.Int("attempt", data.Attempt),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
}

// retryDelay grows base * 2^attempt with a hard ceiling.
func retryDelay(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d <<= 1
		if d <= 0 || (ceiling > 0 && d >= ceiling) {
			// Doubling overflowed or passed the ceiling.
			if ceiling > 0 {
				return ceiling
			}
			return base
		}
	}
	return d
}

package jobs

import (
	"context"
	"time"
)

// Task names understood by the worker.
const (
	TaskTimeoutExpired = "escrow_timeout_expired"
)

// Payload carries a job's string arguments.
type Payload map[string]string

// Handler processes a fired job. A non-nil error asks the queue to
// retry; after the attempt ceiling the job is dropped and the durable
// timeout row surfaces it through the reconciliation overdue metric.
type Handler func(ctx context.Context, handle string, payload Payload) error

// Runtime is the narrow job-scheduling contract the engine depends on.
// Any scheduler that can defer a task and best-effort revoke it fits;
// the durable EscrowTimeout row, not the queue, is the source of truth.
type Runtime interface {
	// Schedule defers a task by delay and returns an opaque handle.
	Schedule(ctx context.Context, task string, payload Payload, delay time.Duration) (string, error)
	// Revoke cancels a scheduled job. A job that already fired cannot
	// be un-run; Revoke then returns false with no error.
	Revoke(ctx context.Context, handle string) (bool, error)
}

package events

import (
	"context"
	"time"
)

// Streams
const (
	StreamTransactions = "events:transaction"
)

// Event types
const (
	EventTransactionStatusChanged = "transaction_status_changed"
	EventTimeoutExecuted          = "timeout_executed"
)

type Event struct {
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}

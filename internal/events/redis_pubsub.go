package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher fans transaction lifecycle events out over redis
// pub/sub. Delivery is fire-and-forget: escrow state lives in
// postgres, events only mirror it for observers.
type RedisPublisher struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisPublisher(client *redis.Client, log *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, stream string, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}
	if err := p.client.Publish(ctx, stream, string(data)).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	p.log.Debug("event published",
		zap.String("stream", stream),
		zap.String("type", event.Type),
	)
	return nil
}

type RedisSubscriber struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisSubscriber(client *redis.Client, log *zap.Logger) *RedisSubscriber {
	return &RedisSubscriber{client: client, log: log}
}

// Subscribe consumes a stream until ctx is cancelled. Malformed
// payloads are logged and dropped, never fed to the handler.
func (s *RedisSubscriber) Subscribe(ctx context.Context, stream string, handler func(Event)) error {
	pubsub := s.client.Subscribe(ctx, stream)
	ch := pubsub.Channel()
	s.log.Info("subscribed to event stream", zap.String("stream", stream))

	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					s.log.Error("malformed event payload",
						zap.String("stream", stream),
						zap.Error(err),
					)
					continue
				}
				handler(event)
			}
		}
	}()

	return nil
}

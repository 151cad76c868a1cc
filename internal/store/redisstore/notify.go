package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ChangeFeed publishes and receives schedule change notifications over
// Redis pub/sub so every replica can reconcile its registry
type ChangeFeed struct {
	client *redis.Client
}

// NewChangeFeed creates a change feed on ChangesChannel
func NewChangeFeed(client *redis.Client) *ChangeFeed {
	return &ChangeFeed{client: client}
}

// Publish announces that the schedule with id changed
func (f *ChangeFeed) Publish(ctx context.Context, scheduleID string) error {
	if err := f.client.Publish(ctx, ChangesChannel, scheduleID).Err(); err != nil {
		return fmt.Errorf("failed to publish schedule change: %w", err)
	}
	return nil
}

// Subscribe delivers changed schedule ids until ctx is cancelled. The
// returned channel is closed when the subscription ends.
func (f *ChangeFeed) Subscribe(ctx context.Context) (<-chan string, error) {
	pubsub := f.client.Subscribe(ctx, ChangesChannel)

	// Wait for the subscription confirmation so no publish is missed after return
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to schedule changes: %w", err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Ping checks connectivity
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Package source holds the queue of content waiting to be processed. An
// auto-selected run takes its unit of work from the head of this queue.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/pantry/internal/run"
)

// PendingKey is the Redis list holding pending items, oldest at the right
const PendingKey = "pantry:source:pending"

var (
	// ErrEmpty is returned when no pending item exists
	ErrEmpty = errors.New("no pending source")

	// ErrInvalidItem is returned when pushing an item without an id
	ErrInvalidItem = errors.New("source item requires an id")
)

// Queue is a FIFO of pending sources in a Redis list
type Queue struct {
	client *redis.Client
	key    string
}

// NewQueue creates a queue on PendingKey
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client, key: PendingKey}
}

// Push adds items to the tail of the queue
func (q *Queue) Push(ctx context.Context, items ...run.SourceRef) error {
	if len(items) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			return ErrInvalidItem
		}
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal source: %w", err)
		}
		values = append(values, data)
	}

	if err := q.client.LPush(ctx, q.key, values...).Err(); err != nil {
		return fmt.Errorf("failed to push source: %w", err)
	}
	return nil
}

// Next removes and returns the oldest pending item, or ErrEmpty
func (q *Queue) Next(ctx context.Context) (run.SourceRef, error) {
	data, err := q.client.RPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return run.SourceRef{}, ErrEmpty
	}
	if err != nil {
		return run.SourceRef{}, fmt.Errorf("failed to pop source: %w", err)
	}
	return decode(data)
}

// Requeue puts an item back at the head so it is the next one selected
func (q *Queue) Requeue(ctx context.Context, item run.SourceRef) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal source: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to requeue source: %w", err)
	}
	return nil
}

// Peek returns the oldest pending item without removing it
func (q *Queue) Peek(ctx context.Context) (run.SourceRef, error) {
	data, err := q.client.LIndex(ctx, q.key, -1).Result()
	if errors.Is(err, redis.Nil) {
		return run.SourceRef{}, ErrEmpty
	}
	if err != nil {
		return run.SourceRef{}, fmt.Errorf("failed to peek source: %w", err)
	}
	return decode(data)
}

// Len returns the number of pending items
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count sources: %w", err)
	}
	return n, nil
}

func decode(data string) (run.SourceRef, error) {
	var item run.SourceRef
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return run.SourceRef{}, fmt.Errorf("failed to unmarshal source: %w", err)
	}
	return item, nil
}

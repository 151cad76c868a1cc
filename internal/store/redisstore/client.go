package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/pantry/internal/logger"
)

// Connect parses redisURL, creates a client and tests the connection
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := Ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.For(logger.ComponentStore).Info("Connected to Redis", "addr", opts.Addr, "db", opts.DB)
	return client, nil
}

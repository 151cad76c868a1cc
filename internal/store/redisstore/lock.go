package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DistributedLock is a Redis lock that lets only one replica handle a
// schedule's firing at a time
type DistributedLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// extendIfOwner refreshes the TTL only while the caller still holds the lock
var extendIfOwner = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// AcquireLock tries to take the lock at key. It returns nil, nil when another
// holder has it.
func AcquireLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*DistributedLock, error) {
	token := uuid.NewString()

	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}

	return &DistributedLock{
		client: client,
		key:    key,
		token:  token,
		ttl:    ttl,
	}, nil
}

// Release deletes the lock if this holder still owns it
func (l *DistributedLock) Release(ctx context.Context) error {
	return delIfEquals.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// Extend sets a new TTL. It fails once the lock expired or was taken over.
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendIfOwner.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("lock %s no longer owned by this instance", l.key)
	}

	l.ttl = ttl
	return nil
}

// Key returns the Redis key for this lock
func (l *DistributedLock) Key() string {
	return l.key
}

// Token returns the lock token
func (l *DistributedLock) Token() string {
	return l.token
}

// TTL returns the lock time-to-live
func (l *DistributedLock) TTL() time.Duration {
	return l.ttl
}

// FireLocker hands out per-schedule fire locks
type FireLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewFireLocker creates a FireLocker whose locks expire after ttl
func NewFireLocker(client *redis.Client, ttl time.Duration) *FireLocker {
	return &FireLocker{client: client, ttl: ttl}
}

// TryLock takes the schedule's fire lock. ok is false when another replica
// holds it; release is then nil.
func (f *FireLocker) TryLock(ctx context.Context, scheduleID string) (release func(), ok bool, err error) {
	lock, err := AcquireLock(ctx, f.client, LockKey(scheduleID), f.ttl)
	if err != nil {
		return nil, false, err
	}
	if lock == nil {
		return nil, false, nil
	}
	return func() { _ = lock.Release(context.WithoutCancel(ctx)) }, true, nil
}

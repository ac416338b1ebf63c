package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pairly/internal/config"
	"pairly/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy is returned when a lock could not be taken within the wait.
var ErrLockBusy = errors.New("lock is held by another process")

const lockRetryInterval = 25 * time.Millisecond

// Only the owner of the token may delete the lock.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCoordinator implements domain.Coordinator on a shared Redis so
// several API processes serialise slot checks for the same partner day.
type RedisCoordinator struct {
	client  *redis.Client
	maxWait time.Duration
}

// NewRedisClient creates a Redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisCoordinator(client *redis.Client, maxWait time.Duration) *RedisCoordinator {
	if maxWait <= 0 {
		maxWait = 2 * time.Second
	}
	return &RedisCoordinator{
		client:  client,
		maxWait: maxWait,
	}
}

var _ domain.Coordinator = (*RedisCoordinator)(nil)

// Lock takes key with SET NX PX, polling until maxWait or ctx is done.
func (r *RedisCoordinator) Lock(ctx context.Context, key string, ttl time.Duration) (domain.Unlock, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	token := uuid.NewString()
	deadline := time.Now().Add(r.maxWait)

	for {
		ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := unlockScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
					return fmt.Errorf("failed to release lock %s: %w", key, err)
				}
				return nil
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%s: %w", key, ErrLockBusy)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func (r *RedisCoordinator) CheckRateLimit(ctx context.Context, userID int64, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	key := fmt.Sprintf("rate_limit:%d", userID)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	if count == 1 {
		r.client.Expire(ctx, key, window)
	}

	return count <= int64(limit), nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}

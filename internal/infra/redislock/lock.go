// Package redislock provides a Redis lease so only one process runs the
// poll sweep at a time.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock implements port.SweepLock on a Redis client.
type Lock struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// New creates a lock on client.
func New(client redis.UniversalClient, logger *zap.Logger) *Lock {
	return &Lock{client: client, logger: logger}
}

// NewClient creates a Redis client and checks the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Acquire takes the lease on key for ttl. ok is false when another holder
// has it. release gives the lease back if it is still ours.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release lease %s: %w", key, err)
		}
		if n == 0 {
			l.logger.Warn("lease expired before release", zap.String("key", key))
		}
		return nil
	}
	return release, true, nil
}

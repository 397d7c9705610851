// redis.go: Redis integration for distributed rate limiting
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore wraps go-redis so several engine processes share one budget per user.
type RedisStore struct {
	Client redis.UniversalClient
	Prefix string
}

// NewRedisClient creates a new Redis client from options
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  250 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
	})
}

// NewRedisStore creates a store keyed under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{Client: client, Prefix: prefix}
}

// --- Fixed window counter ---
// INCR and the first PEXPIRE run atomically so a crash between them cannot
// leave a counter without expiry.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := fixedWindowScript.Run(ctx, s.Client, []string{s.Prefix + key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis fixed window: %w", err)
	}
	return n, nil
}

// HealthCheck pings the backing server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

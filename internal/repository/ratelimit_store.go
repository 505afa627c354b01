package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitStore is the shared counter store behind admission control. One
// logical counter per key must be visible to every process instance, and the
// increment must be atomic at the store level.
type RateLimitStore interface {
	// IncrementWindow bumps the counter for the fixed window containing now
	// and returns the post-increment count together with the count of the
	// previous window, for sliding-window interpolation.
	IncrementWindow(ctx context.Context, key string, window time.Duration, now time.Time) (current, previous int64, err error)
}

// incrScript does the read-previous + increment-current + arm-expiry sequence
// in one atomic server-side step so two concurrent requests can never both
// observe a pre-increment count.
var incrScript = redis.NewScript(`
local prev = redis.call("GET", KEYS[2])
if prev == false then prev = 0 end
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, tonumber(prev)}
`)

type RedisRateLimitStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimitStore(client redis.UniversalClient, prefix string) *RedisRateLimitStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisRateLimitStore{client: client, prefix: prefix}
}

func (s *RedisRateLimitStore) IncrementWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int64, int64, error) {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = time.Minute.Milliseconds()
	}
	slot := now.UnixMilli() / windowMs
	curKey := fmt.Sprintf("%s:%s:%d", s.prefix, key, slot)
	prevKey := fmt.Sprintf("%s:%s:%d", s.prefix, key, slot-1)

	// Buckets live two windows so the previous bucket is still readable
	// while it decays out of the sliding count.
	res, err := incrScript.Run(ctx, s.client, []string{curKey, prevKey}, 2*windowMs).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("increment rate limit window: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("increment rate limit window: unexpected reply length %d", len(res))
	}
	return res[0], res[1], nil
}

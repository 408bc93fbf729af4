// Package redis implements the rate-limit CounterStore on Redis. Every
// check-and-increment runs as a single Lua script so concurrent gateway
// instances share one consistent counter per key.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
)

// fixedScript reads the counter for the current window and increments it
// only when under limit. ARGV: limit, ttl ms, consume flag.
// Returns {allowed, count}.
var fixedScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= limit then
  return {0, count}
end
if ARGV[3] == '1' then
  count = redis.call('INCR', KEYS[1])
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, count}
`)

// slidingScript keeps admitted timestamps (ms) in a sorted set. Entries at or
// before now-window are pruned first. ARGV: now ms, window ms, limit,
// consume flag, member. Returns {allowed, count, oldest ms}.
var slidingScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local oldest = now
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #first > 0 then
  oldest = tonumber(first[2])
end
if count >= limit then
  return {0, count, oldest}
end
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[1], now, ARGV[5])
  redis.call('PEXPIRE', KEYS[1], window)
  count = count + 1
end
return {1, count, oldest}
`)

// CounterStore is a Redis-backed interfaces.CounterStore.
type CounterStore struct {
	rdb    *redis.Client
	prefix string
	logger *common.Logger
}

// NewCounterStore connects to Redis and pings it before returning.
func NewCounterStore(ctx context.Context, logger *common.Logger, cfg common.RedisConfig) (*CounterStore, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("addr", opt.Addr).Int("db", opt.DB).Msg("Redis counter store connected")
	return NewCounterStoreFromClient(rdb, cfg.KeyPrefix, logger), nil
}

// NewCounterStoreFromClient wraps an existing client.
func NewCounterStoreFromClient(rdb *redis.Client, prefix string, logger *common.Logger) *CounterStore {
	return &CounterStore{rdb: rdb, prefix: prefix, logger: logger}
}

// Close releases the Redis client.
func (s *CounterStore) Close() error {
	return s.rdb.Close()
}

func (s *CounterStore) ConsumeWindow(ctx context.Context, key string, mode models.WindowMode, limit int, window time.Duration, now time.Time) (models.RateLimitResult, error) {
	if mode == models.WindowFixed {
		return s.fixedWindow(ctx, key, limit, window, now, true)
	}
	return s.slidingWindow(ctx, key, limit, window, now, true)
}

func (s *CounterStore) PeekWindow(ctx context.Context, key string, mode models.WindowMode, limit int, window time.Duration, now time.Time) (models.RateLimitResult, error) {
	if mode == models.WindowFixed {
		return s.fixedWindow(ctx, key, limit, window, now, false)
	}
	return s.slidingWindow(ctx, key, limit, window, now, false)
}

func (s *CounterStore) fixedWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time, consume bool) (models.RateLimitResult, error) {
	start := now.Truncate(window)
	reset := start.Add(window)
	redisKey := s.prefix + "fixed:" + key + ":" + strconv.FormatInt(start.UnixMilli(), 10)

	vals, err := fixedScript.Run(ctx, s.rdb, []string{redisKey},
		limit, reset.Sub(now).Milliseconds()+1, flag(consume)).Int64Slice()
	if err != nil {
		return models.RateLimitResult{}, fmt.Errorf("failed to update fixed window %s: %w", key, err)
	}

	res := models.RateLimitResult{
		Allowed:     vals[0] == 1,
		Limit:       limit,
		Count:       int(vals[1]),
		WindowStart: start,
		ResetAt:     reset,
	}
	if res.Allowed {
		res.Remaining = limit - res.Count
	} else {
		res.RetryAfter = reset.Sub(now)
	}
	return res, nil
}

func (s *CounterStore) slidingWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time, consume bool) (models.RateLimitResult, error) {
	redisKey := s.prefix + "sliding:" + key
	nowMs := now.UnixMilli()

	vals, err := slidingScript.Run(ctx, s.rdb, []string{redisKey},
		nowMs, window.Milliseconds(), limit, flag(consume), uuid.NewString()).Int64Slice()
	if err != nil {
		return models.RateLimitResult{}, fmt.Errorf("failed to update sliding window %s: %w", key, err)
	}

	res := models.RateLimitResult{
		Allowed:     vals[0] == 1,
		Limit:       limit,
		Count:       int(vals[1]),
		WindowStart: now.Add(-window),
		ResetAt:     time.UnixMilli(vals[2]).UTC().Add(window),
	}
	if res.Allowed {
		res.Remaining = limit - res.Count
	} else {
		res.RetryAfter = res.ResetAt.Sub(now)
	}
	return res, nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

var _ interfaces.CounterStore = (*CounterStore)(nil)

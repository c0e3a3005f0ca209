// Package ratelimit fronts plugin-server downloads with a Redis-backed
// token bucket, grounded on golang.org/x/time/rate for the bucket
// algorithm and on the teacher's internal/infrastructure/lock package for
// the Redis wiring/logging idiom (a single Lua script evaluated against a
// shared key, miniredis-testable).
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript atomically refills and withdraws from a token bucket stored
// as a Redis hash {tokens, ts}. Returns 1 if a token was granted, 0
// otherwise.
const takeScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
  ts = now
end

local delta = math.max(0, now - ts)
tokens = math.min(burst, tokens + delta * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("EXPIRE", key, 3600)
return allowed
`

// Limiter is a Redis-backed token-bucket rate limiter, one bucket per key
// (one key per plugin-server host, typically).
type Limiter struct {
	redis *redis.Client
	rate  float64 // tokens per second
	burst float64
	logger *slog.Logger
}

// New builds a Limiter allowing `rate` downloads/sec with bursts up to
// `burst`.
func New(client *redis.Client, rate, burst float64, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{redis: client, rate: rate, burst: burst, logger: logger}
}

// Allow reports whether a download against key may proceed now.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(time.Now().UnixMilli()) / 1000.0
	result, err := l.redis.Eval(ctx, takeScript, []string{"ratelimit:" + key}, l.rate, l.burst, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: eval: %w", err)
	}
	allowed, _ := result.(int64)
	if allowed == 0 {
		l.logger.Debug("download rate limited", "key", key)
	}
	return allowed == 1, nil
}

// Wait blocks (polling at a fixed interval) until Allow(key) succeeds or
// ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	for {
		ok, err := l.Allow(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

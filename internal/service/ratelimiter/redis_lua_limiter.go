// Package ratelimiter provides a Redis-backed token bucket shared across
// replicas. The webhook surface uses it per caller IP; a nil limiter fails
// open so single-node deployments can run without Redis.
package ratelimiter

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter gates one request of a class for one caller id.
type Limiter interface {
	Allow(ctx context.Context, class, id string) (allowed bool, retryAfter time.Duration, err error)
}

// BucketConfig shapes one class of buckets.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

// NewBucketConfigFromPerMinute derives a bucket from a requests-per-minute
// budget.
func NewBucketConfigFromPerMinute(perMinute int) BucketConfig {
	if perMinute <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(perMinute),
		RefillRate: float64(perMinute) / 60.0,
	}
}

// RedisLuaLimiter implements Limiter with an atomic Lua token bucket. Each
// (class, id) pair owns a bucket shaped by the class config.
type RedisLuaLimiter struct {
	redis   *redis.Client
	classes map[string]BucketConfig
	script  *redis.Script
	mu      sync.RWMutex
}

// NewRedisLuaLimiter builds a limiter; nil redis yields a nil (fail-open)
// limiter.
func NewRedisLuaLimiter(rdb *redis.Client, classes map[string]BucketConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	if classes == nil {
		classes = map[string]BucketConfig{}
	}
	return &RedisLuaLimiter{
		redis:   rdb,
		classes: classes,
		script:  redis.NewScript(luaTokenBucketScript),
	}
}

const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

if last_refill == nil then
  last_refill = now
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  local shortage = cost - tokens
  if refill_rate > 0 then
    retry_after = shortage / refill_rate
  else
    retry_after = 0
  end
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return { allowed, tokens, last_refill, retry_after }
`

// Allow spends one token from the (class, id) bucket. Unknown classes and
// Redis errors fail open; 429 handling is the caller's job.
func (l *RedisLuaLimiter) Allow(ctx context.Context, class, id string) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	l.mu.RLock()
	cfg, ok := l.classes[class]
	l.mu.RUnlock()
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0, nil
	}

	now := time.Now()
	nowSec := float64(now.UnixNano()) / 1e9
	// Idle buckets expire after twice the full-refill time.
	ttl := int64(2*float64(cfg.Capacity)/cfg.RefillRate) + 1

	redisKey := "rate:" + class + ":" + id
	res, err := l.script.Run(ctx, l.redis, []string{redisKey}, cfg.Capacity, cfg.RefillRate, nowSec, 1, ttl).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("class", class), slog.Any("error", err))
		// Fail open on Redis errors to avoid hard outages.
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		slog.Error("redis rate limiter unexpected script result", slog.String("class", class), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfterSec := toFloat64(vals[3])
	retryAfter := time.Duration(retryAfterSec * float64(time.Second))
	return allowed, retryAfter, nil
}

// SetClassConfig updates or creates the bucket shape of a class. Safe for
// concurrent use.
func (l *RedisLuaLimiter) SetClassConfig(class string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.classes == nil {
		l.classes = map[string]BucketConfig{}
	}
	l.classes[class] = cfg
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return math.NaN()
	}
}

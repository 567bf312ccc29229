package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketLua 在 Redis 中原子地执行令牌桶扣减。
//
// KEYS[1] = 桶 key
// ARGV = rate(token/s), burst, now(ms), requested
// 返回 {allowed, wait_ms, remaining}
const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1]) or burst
local ts = tonumber(data[2]) or now

local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + (elapsed * rate) / 1000.0)

local allowed = 0
local wait_ms = 0
if tokens >= requested then
  allowed = 1
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed, wait_ms, math.floor(tokens)}
`

// Decision 单次限流判定结果。
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int64
}

// Limiter 基于 Redis 的分布式令牌桶限流器，多个 API 实例共享同一个桶。
type Limiter struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
	script *redis.Script
	now    func() time.Time
}

// NewRedisRateLimiter 创建限流器。prefix 用于区分不同用途的桶（如 bot / auth）。
func NewRedisRateLimiter(rdb *redis.Client, logger *slog.Logger, prefix string) *Limiter {
	if prefix == "" {
		prefix = "taskquadrant:ratelimit"
	}
	return &Limiter{
		rdb:    rdb,
		prefix: prefix,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
		now:    time.Now,
	}
}

// AllowPerMinute 以“每分钟 limit 次、允许瞬时突发 limit 次”的规则判定 key 的一次请求。
//
// limit <= 0 表示不限流。
func (l *Limiter) AllowPerMinute(ctx context.Context, key string, limit int) (Decision, error) {
	if l == nil || l.rdb == nil || limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	return l.allow(ctx, key, float64(limit)/60.0, float64(limit))
}

func (l *Limiter) allow(ctx context.Context, key string, rate, burst float64) (Decision, error) {
	fullKey := l.prefix + ":" + key
	res, err := l.script.Run(ctx, l.rdb, []string{fullKey}, rate, burst, l.now().UnixMilli(), 1).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 3 {
		return Decision{}, fmt.Errorf("ratelimit invalid result")
	}

	d := Decision{
		Allowed:    toInt64(values[0]) == 1,
		RetryAfter: time.Duration(toInt64(values[1])) * time.Millisecond,
		Remaining:  toInt64(values[2]),
	}
	if !d.Allowed && l.logger != nil {
		l.logger.Debug("rate limited", slog.String("key", fullKey), slog.String("retry_after", d.RetryAfter.String()))
	}
	return d, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

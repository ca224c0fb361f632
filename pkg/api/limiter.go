package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter throttles token mints per client id.
type Limiter interface {
	Allow(ctx context.Context, clientID string) (bool, error)
}

// LimitPolicy caps sustained and burst mint rates.
type LimitPolicy struct {
	RPM   int
	Burst int
}

// redisTokenBucketScript handles the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter enforces the mint rate across replicas using a Redis
// token bucket.
type RedisLimiter struct {
	client *redis.Client
	policy LimitPolicy
}

// NewRedisLimiter connects to Redis at addr.
func NewRedisLimiter(addr string, policy LimitPolicy) *RedisLimiter {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisLimiter{client: rdb, policy: policy}
}

// Allow executes the Lua script to check and update the token bucket.
func (l *RedisLimiter) Allow(ctx context.Context, clientID string) (bool, error) {
	key := fmt.Sprintf("mint_limiter:%s", clientID)

	refill := float64(l.policy.RPM) / 60.0
	if refill <= 0 {
		refill = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, refill, l.policy.Burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}

	allowedVal, _ := results[0].(int64)
	return allowedVal == 1, nil
}

// LocalLimiter is the single-process fallback used when no Redis address
// is configured.
type LocalLimiter struct {
	mu       sync.Mutex
	policy   LimitPolicy
	limiters map[string]*rate.Limiter
}

// NewLocalLimiter creates an in-memory per-client limiter.
func NewLocalLimiter(policy LimitPolicy) *LocalLimiter {
	return &LocalLimiter{
		policy:   policy,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *LocalLimiter) Allow(_ context.Context, clientID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[clientID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.policy.RPM)/60.0), l.policy.Burst)
		l.limiters[clientID] = lim
	}
	return lim.Allow(), nil
}

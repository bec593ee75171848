package activity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// QuotaStore enforces the provider's global API quota. The local
// rate.Limiter on the Client smooths a single process; the quota store
// coordinates all oracle replicas sharing one provider app.
type QuotaStore interface {
	// Allow consumes cost tokens from the named bucket, reporting
	// whether the call may proceed.
	Allow(ctx context.Context, bucket string, cost int) (bool, error)
}

// quotaScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix timestamp (float seconds)
var quotaScript = redis.NewScript(`
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
    tokens = tokens + elapsed * rate
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
redis.call("EXPIRE", key, 3600)

return allowed
`)

// RedisQuota is a QuotaStore backed by a shared Redis instance.
type RedisQuota struct {
	client   *redis.Client
	ratePerS float64
	capacity int
}

// NewRedisQuota connects to addr and enforces ratePerS sustained with
// capacity burst.
func NewRedisQuota(addr, password string, db int, ratePerS float64, capacity int) *RedisQuota {
	return &RedisQuota{
		client:   redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ratePerS: ratePerS,
		capacity: capacity,
	}
}

func (q *RedisQuota) Allow(ctx context.Context, bucket string, cost int) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := quotaScript.Run(ctx, q.client, []string{"activity_quota:" + bucket},
		q.ratePerS, q.capacity, cost, now).Int()
	if err != nil {
		return false, fmt.Errorf("quota check: %w", err)
	}
	return res == 1, nil
}

// MemoryQuota is the in-process QuotaStore fallback for single-replica
// deployments and tests.
type MemoryQuota struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	ratePerS float64
	capacity int
}

// NewMemoryQuota builds an in-memory quota with the given refill rate
// and burst capacity per bucket.
func NewMemoryQuota(ratePerS float64, capacity int) *MemoryQuota {
	return &MemoryQuota{
		buckets:  make(map[string]*rate.Limiter),
		ratePerS: ratePerS,
		capacity: capacity,
	}
}

func (q *MemoryQuota) Allow(_ context.Context, bucket string, cost int) (bool, error) {
	q.mu.Lock()
	limiter, ok := q.buckets[bucket]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(q.ratePerS), q.capacity)
		q.buckets[bucket] = limiter
	}
	q.mu.Unlock()
	return limiter.AllowN(time.Now(), cost), nil
}

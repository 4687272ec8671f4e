// Package ratelimit throttles ingestion per uploader with a Redis token bucket shared by
// every gateway replica.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	Tokens  float64
}

// TokenBucket refills Refill tokens per second up to Capacity. A zero capacity disables limiting.
type TokenBucket struct {
	client   redis.Scripter
	prefix   string
	capacity int
	refill   float64
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64) *TokenBucket {
	ttl := time.Hour
	if refillPerSecond > 0 {
		// Idle buckets expire once they would have refilled completely.
		ttl = time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Minute
	}
	return &TokenBucket{
		client:   client,
		prefix:   "ratelimit:ingest:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (b *TokenBucket) Enabled() bool { return b != nil && b.capacity > 0 }

// Allow consumes one token for uploader if available.
func (b *TokenBucket) Allow(ctx context.Context, uploader string) (Decision, error) {
	if !b.Enabled() {
		return Decision{Allowed: true}, nil
	}
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + uploader},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", uploader, err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", uploader, res)
	}
	d := Decision{}
	if n, ok := res[0].(int64); ok {
		d.Allowed = n == 1
	}
	// Lua numbers come back truncated to integers; the fractional part is kept in the hash.
	if n, ok := res[1].(int64); ok {
		d.Tokens = float64(n)
	}
	return d, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)

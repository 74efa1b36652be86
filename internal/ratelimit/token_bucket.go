package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until one token is available. Zero when allowed.
	RetryAfter time.Duration
}

// TokenBucket is a Redis-backed token bucket shared by every API replica.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WebhookKey buckets hub notifications by the remote address.
func WebhookKey(remote string) string { return "webhook:" + remote }

// BackfillKey buckets backfill starts per agent.
func BackfillKey(agentID string) string { return "backfill:" + agentID }

// Take consumes one token from key's bucket when one is available.
func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	res, err := takeScript.Run(ctx, b.client, []string{keyPrefix + key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	allowed, _ := res[0].(int64)
	remaining, err := strconv.ParseFloat(fmt.Sprint(res[1]), 64)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: tokens: %w", key, err)
	}
	waitMs, _ := res[2].(int64)
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(waitMs) * time.Millisecond,
	}, nil
}

// Lua numbers are truncated to integers on the way out, so tokens travel as a string.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'at')
local tokens = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now
tokens = math.min(capacity, tokens + math.max(0, now - at) / 1000 * refill)

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  wait = math.ceil((1 - tokens) / refill * 1000)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'at', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {allowed, tostring(tokens), wait}
`)

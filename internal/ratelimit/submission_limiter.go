// Package ratelimit bounds conversion submissions per caller with a token
// bucket shared across API replicas through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"audiobook-orchestrator/internal/telemetry"
)

const keyPrefix = "conv:ratelimit:"

// SubmissionLimiter owns the per-caller bucket keys and the reject
// accounting for POST /conversions.
type SubmissionLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewSubmissionLimiter constructs a limiter over the shared Redis client.
// Idle caller buckets expire after ttl.
func NewSubmissionLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *SubmissionLimiter {
	return &SubmissionLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// submissionKey scopes bucket state to one caller. Unidentified callers
// share a single bucket.
func submissionKey(callerID string) string {
	if callerID == "" {
		callerID = "anonymous"
	}
	return keyPrefix + callerID
}

// AllowSubmission consumes one token from the caller's bucket if available
// and returns the remaining token count. Denials are counted in telemetry
// here so every caller of the limiter gets consistent accounting.
func (l *SubmissionLimiter) AllowSubmission(ctx context.Context, callerID string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := submissionScript.Run(ctx, l.client, []string{submissionKey(callerID)},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("run limiter script: %w", err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("limiter script returned %d values", len(res))
	}
	allowed, ok := res[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("limiter script allowed flag: unexpected type %T", res[0])
	}
	milli, _ := res[1].(int64)
	if allowed != 1 {
		telemetry.RateLimitRejects.Inc()
		return false, float64(milli) / 1000, nil
	}
	return true, float64(milli) / 1000, nil
}

// Bucket state is kept in milli-tokens so fractional refill survives the
// integer reply conversion Lua applies to numbers.
var submissionScript = redis.NewScript(`
local capacity_milli = tonumber(ARGV[1]) * 1000
local refill_per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens_milli', 'stamp_ms')
local tokens = tonumber(state[1])
local stamp = tonumber(state[2])
if tokens == nil then tokens = capacity_milli end
if stamp == nil then stamp = now_ms end

local elapsed = now_ms - stamp
if elapsed > 0 then
  tokens = math.min(capacity_milli, tokens + elapsed * refill_per_sec)
end

local allowed = 0
if tokens >= 1000 then
  tokens = tokens - 1000
  allowed = 1
end

redis.call('HMSET', KEYS[1], 'tokens_milli', math.floor(tokens), 'stamp_ms', now_ms)
if ttl_ms > 0 then redis.call('PEXPIRE', KEYS[1], ttl_ms) end
return {allowed, math.floor(tokens)}
`)

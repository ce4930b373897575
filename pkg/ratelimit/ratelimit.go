// Package ratelimit paces telemetry ingest with a Redis token bucket shared
// by every service replica. Keys are limited independently; a nil *Limiter
// (no Redis, or the limit disabled) allows everything.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketScript refills tokens proportionally to elapsed time and consumes one
// per call, atomically. State is a Redis hash {t: tokens, ts: unix seconds}
// so replicas share one bucket per key.
var bucketScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call('HGET', KEYS[1], 't') or cap)
local stamp = tonumber(redis.call('HGET', KEYS[1], 'ts') or now)

if now > stamp then
	tokens = math.min(cap, tokens + (now - stamp) * rate)
	stamp = now
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', KEYS[1], 't', tokens, 'ts', stamp)
redis.call('EXPIRE', KEYS[1], ttl)
return allowed
`)

// Limiter is a per-key token bucket. Capacity and refill both derive from one
// per-minute budget, so a quiet key can burst up to a minute's worth at once.
type Limiter struct {
	client *redis.Client
	cap    float64
	rate   float64 // tokens per second
	prefix string
	ttlSec int
	now    func() time.Time
}

// NewLimiter allows perMinute requests per key per minute. Returns nil
// (limiting disabled) when client is nil or perMinute <= 0.
func NewLimiter(client *redis.Client, perMinute int, prefix string) *Limiter {
	if client == nil || perMinute <= 0 {
		return nil
	}
	return &Limiter{
		client: client,
		cap:    float64(perMinute),
		rate:   float64(perMinute) / 60,
		prefix: prefix,
		ttlSec: 120,
		now:    time.Now,
	}
}

// Allow consumes one token for key. The error is advisory: when Redis is
// unreachable the verdict stays true so ingest keeps flowing.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	now := float64(l.now().UnixMicro()) / 1e6
	res, err := bucketScript.Run(ctx, l.client, []string{l.prefix + key},
		l.cap, l.rate, now, l.ttlSec).Result()
	if err != nil {
		return true, err
	}
	allowed, _ := res.(int64)
	return allowed == 1, nil
}

// Package ratelimit meters job submissions per owner with a token bucket kept
// in Redis, so every API replica draws from the same budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "styleforge:ratelimit"

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

type Config struct {
	// Capacity is the burst size; the bucket refills Capacity tokens per Window.
	Capacity int
	Window   time.Duration
	Prefix   string
}

type Bucket struct {
	client   redis.UniversalClient
	capacity int64
	window   time.Duration
	prefix   string
	now      func() time.Time
}

// refillScript takes cost tokens from the bucket at KEYS[1] after topping it
// up for the time elapsed since the last call. It returns
// {allowed, remaining, retry_after_ms}.
var refillScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "at")
local tokens = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now_ms

local rate = capacity / window_ms
tokens = math.min(capacity, tokens + math.max(0, now_ms - at) * rate)

local allowed = 0
local wait_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  wait_ms = math.ceil((cost - tokens) / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "at", now_ms)
redis.call("PEXPIRE", KEYS[1], window_ms * 2)
return {allowed, math.floor(tokens), wait_ms}
`)

func New(client redis.UniversalClient, cfg Config) (*Bucket, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Capacity <= 0 {
		return nil, errors.New("capacity must be positive")
	}
	if cfg.Window < time.Millisecond {
		return nil, errors.New("window must be at least 1ms")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Bucket{
		client:   client,
		capacity: int64(cfg.Capacity),
		window:   cfg.Window,
		prefix:   prefix,
		now:      time.Now,
	}, nil
}

func (b *Bucket) Allow(ctx context.Context, subject string) (Decision, error) {
	return b.AllowN(ctx, subject, 1)
}

// AllowN spends cost tokens from subject's bucket when enough are available.
func (b *Bucket) AllowN(ctx context.Context, subject string, cost int) (Decision, error) {
	if cost <= 0 || int64(cost) > b.capacity {
		return Decision{}, fmt.Errorf("cost %d outside 1..%d", cost, b.capacity)
	}
	reply, err := refillScript.Run(ctx, b.client, []string{b.key(subject)},
		b.capacity,
		b.window.Milliseconds(),
		b.now().UnixMilli(),
		cost,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", subject, err)
	}
	return decode(reply)
}

func (b *Bucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return b.prefix + ":" + subject
}

func decode(reply []int64) (Decision, error) {
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("token bucket reply has %d values, want 3", len(reply))
	}
	return Decision{
		Allowed:    reply[0] == 1,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// KEYS[1] bucket hash; ARGV rate (tokens/s), burst, ttl ms.
// Returns {allowed, tokens left as a string, retry after ms}.
const bucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])

local clock = redis.call("TIME")
local now = clock[1] * 1000 + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "t", "at")
local tokens = tonumber(state[1]) or burst
local at = tonumber(state[2]) or now
if now > at then
  tokens = math.min(burst, tokens + (now - at) / 1000 * rate)
end

local allowed = 0
local retry = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  retry = math.ceil((1 - tokens) / rate * 1000)
end

redis.call("HSET", KEYS[1], "t", tostring(tokens), "at", now)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {allowed, tostring(tokens), retry}
`

// Decision is the outcome of taking one token.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Bucket is a token bucket kept in Redis so every replica draws from the
// same budget.
type Bucket struct {
	client redis.Scripter
	script *redis.Script
	rate   float64
	burst  int
	ttl    time.Duration
}

func NewBucket(client redis.Scripter, rate float64, burst int) (*Bucket, error) {
	if client == nil {
		return nil, errors.New("rate limit client is required")
	}
	if rate <= 0 || burst <= 0 {
		return nil, errors.New("webhook rate limit must be positive")
	}
	return &Bucket{
		client: client,
		script: redis.NewScript(bucketScript),
		rate:   rate,
		burst:  burst,
		ttl:    bucketTTL(rate, burst),
	}, nil
}

// Take consumes one token from key.
func (b *Bucket) Take(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{}, errors.New("rate limit key is empty")
	}
	reply, err := b.script.Run(ctx, b.client, []string{key}, b.rate, b.burst, b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(reply) != 3 {
		return Decision{}, errors.New("unexpected rate limit script reply")
	}

	remaining := replyFloat(reply[1])
	return Decision{
		Allowed:    replyInt(reply[0]) == 1,
		Limit:      b.burst,
		Remaining:  int(math.Floor(remaining)),
		RetryAfter: time.Duration(replyInt(reply[2])) * time.Millisecond,
	}, nil
}

// bucketTTL lets an idle bucket expire once it would be full again, with slack.
func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Ceil(float64(burst) / rate * 2)
	return time.Duration(math.Max(seconds, 1)) * time.Second
}

func replyInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	}
	return 0
}

func replyFloat(v any) float64 {
	switch val := v.(type) {
	case int64:
		return float64(val)
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

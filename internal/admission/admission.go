// Package admission throttles new TCP connections per source IP before
// they ever reach ConnectionServer's own refuse-threshold check: a local
// token bucket by default, or a Redis-backed sliding window when
// multiple router processes need to share one throttling decision.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ringhash/ringhashd/internal/config"
)

// Limiter decides whether a new connection from addr should be admitted.
type Limiter interface {
	Allow(addr string) bool
}

// New constructs the configured limiter. A zero-value RatePerSecond
// disables throttling entirely (every connection is admitted).
func New(cfg config.AdmissionConfig) Limiter {
	if cfg.RatePerSecond <= 0 {
		return noopLimiter{}
	}
	if cfg.RedisURL != "" {
		if l, err := newRedisLimiter(cfg); err == nil {
			return l
		}
		// Malformed Redis URL: fall back to local enforcement rather
		// than disabling admission control altogether.
	}
	return &localTokenBucket{
		rate:    cfg.RatePerSecond,
		burst:   cfg.Burst,
		buckets: make(map[string]*tbBucket),
	}
}

type noopLimiter struct{}

func (noopLimiter) Allow(string) bool { return true }

// ---------------------------------------------------------------------
// Local token bucket, one per source IP.
// ---------------------------------------------------------------------

type tbBucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

type localTokenBucket struct {
	mu      sync.RWMutex
	buckets map[string]*tbBucket
	rate    float64
	burst   int
}

func (l *localTokenBucket) Allow(addr string) bool {
	bucket := l.getOrCreate(addr)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastFill).Seconds()
	bucket.tokens = min(float64(l.burst), bucket.tokens+elapsed*l.rate)
	bucket.lastFill = now

	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}

func (l *localTokenBucket) getOrCreate(addr string) *tbBucket {
	l.mu.RLock()
	b, ok := l.buckets[addr]
	l.mu.RUnlock()
	if ok {
		return b
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[addr]; ok {
		return b
	}
	b = &tbBucket{tokens: float64(l.burst), lastFill: time.Now()}
	l.buckets[addr] = b
	return b
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// ---------------------------------------------------------------------
// Redis-backed sliding window, shared across router instances.
// ---------------------------------------------------------------------

const slidingWindowLua = `
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local cutoff = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local count = redis.call('ZCARD', key)
if count >= limit then
  return {0}
end
redis.call('ZADD', key, now, now)
redis.call('EXPIRE', key, math.ceil(window/1000))
return {1}
`

type redisLimiter struct {
	client *redis.Client
	script *redis.Script
	rate   int
	window time.Duration
}

func newRedisLimiter(cfg config.AdmissionConfig) (*redisLimiter, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redisLimiter{
		client: redis.NewClient(opts),
		script: redis.NewScript(slidingWindowLua),
		rate:   cfg.Burst,
		window: time.Second,
	}, nil
}

// Allow fails open: if Redis is unreachable, the connection is admitted
// rather than rejected, because availability of the routing path matters
// more than perfect enforcement of a soft limit.
func (rl *redisLimiter) Allow(addr string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	now := time.Now().UnixMilli()
	windowMs := rl.window.Milliseconds()

	res, err := rl.script.Run(ctx, rl.client, []string{"admission:" + addr},
		now, windowMs, rl.rate).Int64Slice()
	if err != nil {
		return true
	}
	return res[0] == 1
}

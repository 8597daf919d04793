// Package ratelimit guards admin operations with Redis-backed rate limiting
// and request debouncing.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	pkgcache "mailflow/pkg/cache"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// SlidingWindowLimiter
// =============================================================================

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local max_requests = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])

if redis.call('ZCARD', key) < max_requests then
	redis.call('ZADD', key, ARGV[1], ARGV[5])
	redis.call('PEXPIRE', key, window_ms * 2)
	return 1
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest > 0 then
	return -(tonumber(oldest[2]) + window_ms - now)
end
return 0
`)

// SlidingWindowLimiter allows at most limit calls per key within window.
type SlidingWindowLimiter struct {
	cache  *pkgcache.RedisCache
	limit  int
	window time.Duration
}

func NewSlidingWindowLimiter(cache *pkgcache.RedisCache, limit int, window time.Duration) *SlidingWindowLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindowLimiter{cache: cache, limit: limit, window: window}
}

// Allow reports whether the call may proceed and, if not, how long to wait.
// Redis failures allow the call.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l == nil || l.cache == nil || l.limit <= 0 {
		return true, 0
	}

	now := time.Now()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), rand.Int63())
	result, err := slidingWindowScript.Run(ctx, l.cache.Client(),
		[]string{l.cache.Key("ratelimit:" + key)},
		now.UnixMilli(),
		now.Add(-l.window).UnixMilli(),
		l.limit,
		l.window.Milliseconds(),
		member,
	).Int64()
	if err != nil {
		return true, 0
	}

	switch {
	case result == 1:
		return true, 0
	case result < 0:
		return false, time.Duration(-result) * time.Millisecond
	default:
		return false, l.window
	}
}

// =============================================================================
// Debouncer
// =============================================================================

// Debouncer lets the first request for a key through and rejects repeats
// until the window expires.
type Debouncer struct {
	cache    *pkgcache.RedisCache
	duration time.Duration
}

func NewDebouncer(cache *pkgcache.RedisCache, duration time.Duration) *Debouncer {
	return &Debouncer{cache: cache, duration: duration}
}

// Acquire marks key and reports whether this call was first within the window.
// A nil debouncer or a Redis failure lets every call through.
func (d *Debouncer) Acquire(ctx context.Context, key string) bool {
	if d == nil || d.cache == nil || d.duration <= 0 {
		return true
	}
	ok, err := d.cache.SetNX(ctx, "debounce:"+key, "1", d.duration)
	if err != nil {
		return true
	}
	return ok
}

// Release clears key so the next request goes through immediately.
func (d *Debouncer) Release(ctx context.Context, key string) {
	if d == nil || d.cache == nil {
		return
	}
	_ = d.cache.Delete(ctx, "debounce:"+key)
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	pkgcache "mailflow/pkg/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newCache(t *testing.T) (*miniredis.Miniredis, *pkgcache.RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, pkgcache.NewRedisCache(client, "mailflow:")
}

func TestDebouncer(t *testing.T) {
	mr, cache := newCache(t)
	ctx := context.Background()
	d := NewDebouncer(cache, time.Minute)

	assert.True(t, d.Acquire(ctx, "sync:1"))
	assert.False(t, d.Acquire(ctx, "sync:1"))
	assert.True(t, d.Acquire(ctx, "sync:2"))
	assert.True(t, mr.Exists("mailflow:debounce:sync:1"))

	mr.FastForward(2 * time.Minute)
	assert.True(t, d.Acquire(ctx, "sync:1"))

	d.Release(ctx, "sync:1")
	assert.True(t, d.Acquire(ctx, "sync:1"))
}

func TestDebouncer_NilPassesThrough(t *testing.T) {
	var d *Debouncer
	assert.True(t, d.Acquire(context.Background(), "x"))
	assert.True(t, d.Acquire(context.Background(), "x"))
}

func TestSlidingWindowLimiter(t *testing.T) {
	_, cache := newCache(t)
	ctx := context.Background()
	l := NewSlidingWindowLimiter(cache, 2, time.Minute)

	ok, _ := l.Allow(ctx, "user-1")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "user-1")
	assert.True(t, ok)

	ok, wait := l.Allow(ctx, "user-1")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute)

	ok, _ = l.Allow(ctx, "user-2")
	assert.True(t, ok)
}

func TestSlidingWindowLimiter_RedisDownAllows(t *testing.T) {
	mr, cache := newCache(t)
	mr.Close()

	ok, _ := NewSlidingWindowLimiter(cache, 1, time.Second).Allow(context.Background(), "k")
	assert.True(t, ok)
}

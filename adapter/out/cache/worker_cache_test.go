package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	pkgcache "mailflow/pkg/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, *pkgcache.RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, pkgcache.NewRedisCache(client, "mailflow:")
}

func TestSyncLock_ExclusivePerAccount(t *testing.T) {
	ctx := context.Background()
	_, c := newTestCache(t)
	lock := NewSyncLock(c, time.Minute)
	other := NewSyncLock(c, time.Minute)

	ok, err := lock.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = other.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	ok, err = other.Acquire(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok, "different account is independent")

	require.NoError(t, lock.Release(ctx, 1))
	ok, err = other.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncLock_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	mr, c := newTestCache(t)
	lock := NewSyncLock(c, time.Minute)

	ok, err := lock.Acquire(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("mailflow:sync:lock:7"))

	mr.FastForward(2 * time.Minute)

	other := NewSyncLock(c, time.Minute)
	ok, err = other.Acquire(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	// The stale holder must not drop the new owner's lock.
	require.NoError(t, lock.Release(ctx, 7))
	assert.True(t, mr.Exists("mailflow:sync:lock:7"))
}

func TestSyncLock_ReleaseWithoutAcquire(t *testing.T) {
	_, c := newTestCache(t)
	assert.NoError(t, NewSyncLock(c, 0).Release(context.Background(), 99))
}

func TestSyncStatusStore(t *testing.T) {
	ctx := context.Background()
	mr, c := newTestCache(t)
	store := NewSyncStatusStore(c)

	status, err := store.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.AccountID)
	assert.False(t, status.InProgress)
	assert.Empty(t, status.LastError)

	require.NoError(t, store.SetInProgress(ctx, 3, true))
	require.NoError(t, store.SetLastError(ctx, 3, strings.Repeat("x", 800)))

	status, err = store.Get(ctx, 3)
	require.NoError(t, err)
	assert.True(t, status.InProgress)
	assert.Len(t, status.LastError, MaxErrorLength)
	assert.Equal(t, time.Hour, mr.TTL("mailflow:sync:in_progress:3"))
	assert.Equal(t, 24*time.Hour, mr.TTL("mailflow:sync:last_error:3"))

	require.NoError(t, store.SetInProgress(ctx, 3, false))
	require.NoError(t, store.ClearLastError(ctx, 3))

	status, err = store.Get(ctx, 3)
	require.NoError(t, err)
	assert.False(t, status.InProgress)
	assert.Empty(t, status.LastError)
}

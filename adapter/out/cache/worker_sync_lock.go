// Package cache implements the Redis-backed sync lock and sync status ports.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailflow/core/port/out"
	pkgcache "mailflow/pkg/cache"
	"mailflow/pkg/logger"

	"github.com/google/uuid"
)

// DefaultLockTTL bounds how long a crashed run can block its account.
const DefaultLockTTL = 10 * time.Minute

// SyncLock is an account-scoped lock stored as a Redis key with a TTL.
// Each holder writes a random token and only deletes the key while it
// still holds that token, so an expired lock taken over by another
// process is never released by the previous owner.
type SyncLock struct {
	cache *pkgcache.RedisCache
	ttl   time.Duration

	mu     sync.Mutex
	tokens map[int64]string
}

// NewSyncLock creates a lock; ttl <= 0 uses DefaultLockTTL.
func NewSyncLock(c *pkgcache.RedisCache, ttl time.Duration) *SyncLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &SyncLock{cache: c, ttl: ttl, tokens: make(map[int64]string)}
}

func lockKey(accountID int64) string {
	return fmt.Sprintf("sync:lock:%d", accountID)
}

func (l *SyncLock) Acquire(ctx context.Context, accountID int64) (bool, error) {
	token := uuid.NewString()
	ok, err := l.cache.SetNX(ctx, lockKey(accountID), token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.tokens[accountID] = token
	l.mu.Unlock()
	return true, nil
}

func (l *SyncLock) Release(ctx context.Context, accountID int64) error {
	l.mu.Lock()
	token, held := l.tokens[accountID]
	delete(l.tokens, accountID)
	l.mu.Unlock()

	if !held {
		return nil
	}
	released, err := l.cache.DeleteIfEquals(ctx, lockKey(accountID), token)
	if err != nil {
		return fmt.Errorf("release sync lock: %w", err)
	}
	if !released {
		logger.Warn("[SyncLock.Release] account=%d lock expired before release", accountID)
	}
	return nil
}

var _ out.SyncLock = (*SyncLock)(nil)

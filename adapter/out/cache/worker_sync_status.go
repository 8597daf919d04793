package cache

import (
	"context"
	"fmt"
	"time"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	pkgcache "mailflow/pkg/cache"
)

const (
	inProgressTTL = time.Hour
	lastErrorTTL  = 24 * time.Hour

	// MaxErrorLength caps the stored error message.
	MaxErrorLength = 500
)

// SyncStatusStore keeps the in-progress flag and the last sync error per account.
type SyncStatusStore struct {
	cache *pkgcache.RedisCache
}

func NewSyncStatusStore(c *pkgcache.RedisCache) *SyncStatusStore {
	return &SyncStatusStore{cache: c}
}

func inProgressKey(accountID int64) string { return fmt.Sprintf("sync:in_progress:%d", accountID) }
func lastErrorKey(accountID int64) string  { return fmt.Sprintf("sync:last_error:%d", accountID) }

func (s *SyncStatusStore) SetInProgress(ctx context.Context, accountID int64, inProgress bool) error {
	var err error
	if inProgress {
		err = s.cache.Set(ctx, inProgressKey(accountID), "1", inProgressTTL)
	} else {
		err = s.cache.Delete(ctx, inProgressKey(accountID))
	}
	if err != nil {
		return fmt.Errorf("set sync in progress: %w", err)
	}
	return nil
}

func (s *SyncStatusStore) SetLastError(ctx context.Context, accountID int64, msg string) error {
	if r := []rune(msg); len(r) > MaxErrorLength {
		msg = string(r[:MaxErrorLength])
	}
	if err := s.cache.Set(ctx, lastErrorKey(accountID), msg, lastErrorTTL); err != nil {
		return fmt.Errorf("set sync last error: %w", err)
	}
	return nil
}

func (s *SyncStatusStore) ClearLastError(ctx context.Context, accountID int64) error {
	if err := s.cache.Delete(ctx, lastErrorKey(accountID)); err != nil {
		return fmt.Errorf("clear sync last error: %w", err)
	}
	return nil
}

// Get never returns nil; LastSyncedAt is left for the caller to fill from the account.
func (s *SyncStatusStore) Get(ctx context.Context, accountID int64) (*domain.SyncStatus, error) {
	values, err := s.cache.GetMulti(ctx, inProgressKey(accountID), lastErrorKey(accountID))
	if err != nil {
		return nil, fmt.Errorf("get sync status: %w", err)
	}
	return &domain.SyncStatus{
		AccountID:  accountID,
		InProgress: values[inProgressKey(accountID)] == "1",
		LastError:  values[lastErrorKey(accountID)],
	}, nil
}

var _ out.SyncStatusStore = (*SyncStatusStore)(nil)

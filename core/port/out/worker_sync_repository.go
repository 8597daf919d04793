package out

import (
	"context"

	"mailflow/core/domain"
)

// SyncLock is the account-scoped advisory lock held during a sync run.
type SyncLock interface {
	// Acquire returns false when another run already holds the lock.
	Acquire(ctx context.Context, accountID int64) (bool, error)
	Release(ctx context.Context, accountID int64) error
}

// SyncStatusStore keeps the user-visible sync state.
type SyncStatusStore interface {
	SetInProgress(ctx context.Context, accountID int64, inProgress bool) error
	SetLastError(ctx context.Context, accountID int64, msg string) error
	ClearLastError(ctx context.Context, accountID int64) error
	Get(ctx context.Context, accountID int64) (*domain.SyncStatus, error)
}

// SyncRunRecorder appends sync audit records.
type SyncRunRecorder interface {
	Record(ctx context.Context, run *domain.SyncRun) error
}

// CredentialProvider yields valid provider credentials per account.
type CredentialProvider interface {
	GetValidCredential(ctx context.Context, account *domain.Account) domain.CredentialResult
	// Invalidate drops the cached credential after the provider rejected it.
	Invalidate(accountID int64)
}

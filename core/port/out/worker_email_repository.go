package out

import (
	"context"
	"time"

	"mailflow/core/domain"
)

// AccountRepository persists accounts and their OAuth tokens.
type AccountRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Account, error)
	ListSyncable(ctx context.Context) ([]*domain.Account, error)
	Disconnect(ctx context.Context, id int64) error

	GetToken(ctx context.Context, accountID int64) (*domain.OAuthToken, error)
	SaveToken(ctx context.Context, token *domain.OAuthToken) error
}

// SyncStore runs the writes of one sync run in a single transaction.
type SyncStore interface {
	WithinSyncTx(ctx context.Context, fn func(tx SyncTx) error) error
}

// SyncTx is the transactional view used by the sync engine.
type SyncTx interface {
	UpsertThread(ctx context.Context, accountID int64, externalThreadID, subject string) (int64, error)
	// UpsertMessage inserts or refreshes msg by (account, external id), sets msg.ID and reports creation.
	UpsertMessage(ctx context.Context, msg *domain.Message) (created bool, err error)
	ReplaceAttachments(ctx context.Context, messageID int64, attachments []*domain.Attachment) error
	SetLastSyncedAt(ctx context.Context, accountID int64, at time.Time) error
}

// EmailRepository reads stored messages.
type EmailRepository interface {
	GetMessage(ctx context.Context, id int64) (*domain.Message, error)
	DeleteMessage(ctx context.Context, id int64) error

	// FilterWithoutTasks keeps ids of messages that have no task and whose thread has no task.
	FilterWithoutTasks(ctx context.Context, accountID int64, ids []int64) ([]int64, error)
	// ListBacklogWithoutTasks returns up to limit other messages of the account without a task.
	ListBacklogWithoutTasks(ctx context.Context, accountID int64, exclude []int64, limit int) ([]int64, error)
}

// DraftRepository persists generated drafts.
type DraftRepository interface {
	Create(ctx context.Context, draft *domain.Draft) error
}

// JobRepository persists customer jobs.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
}

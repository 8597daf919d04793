package out

import (
	"context"

	"mailflow/core/domain"
)

// TaskRepository persists tasks outside of consolidation.
type TaskRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Task, error)
	GetByMessage(ctx context.Context, accountID, messageID int64) (*domain.Task, error)
	HasTaskForMessage(ctx context.Context, messageID int64) (bool, error)
	LinkJob(ctx context.Context, taskID, jobID int64) error

	WithinTaskTx(ctx context.Context, fn func(tx TaskTx) error) error
}

// TaskTx is the transactional view used by task consolidation.
// Reads of task rows lock them until the transaction ends.
type TaskTx interface {
	// LockThreadTasks returns every task of (account, thread), newest first.
	LockThreadTasks(ctx context.Context, accountID, threadID int64) ([]*domain.Task, error)
	LockMessageTask(ctx context.Context, accountID, messageID int64) (*domain.Task, error)

	ThreadHasMessageFrom(ctx context.Context, threadID int64, address string) (bool, error)
	CountThreadMessages(ctx context.Context, threadID int64) (int, error)

	// CreateTask inserts t and allocates the next per-account display number.
	CreateTask(ctx context.Context, t *domain.Task) error
	UpdateTask(ctx context.Context, t *domain.Task) error
	DeleteTasks(ctx context.Context, ids []int64) error
}

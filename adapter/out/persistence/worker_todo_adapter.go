package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mailflow/core/domain"
	"mailflow/core/port/out"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// TaskAdapter implements out.TaskRepository using PostgreSQL.
type TaskAdapter struct {
	db *sqlx.DB
}

// NewTaskAdapter creates a new TaskAdapter.
func NewTaskAdapter(db *sqlx.DB) *TaskAdapter {
	return &TaskAdapter{db: db}
}

const taskColumns = `id, account_id, email_id, thread_id, job_id, status, priority,
	title, description, due_at, completed_at, display_number, created_at, updated_at`

type taskRow struct {
	ID            int64         `db:"id"`
	AccountID     int64         `db:"account_id"`
	EmailID       sql.NullInt64 `db:"email_id"`
	ThreadID      sql.NullInt64 `db:"thread_id"`
	JobID         sql.NullInt64 `db:"job_id"`
	Status        string        `db:"status"`
	Priority      int           `db:"priority"`
	Title         string        `db:"title"`
	Description   string        `db:"description"`
	DueAt         sql.NullTime  `db:"due_at"`
	CompletedAt   sql.NullTime  `db:"completed_at"`
	DisplayNumber int           `db:"display_number"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

func (r *taskRow) toDomain() *domain.Task {
	return &domain.Task{
		ID:            r.ID,
		AccountID:     r.AccountID,
		MessageID:     int64Ptr(r.EmailID),
		ThreadID:      int64Ptr(r.ThreadID),
		JobID:         int64Ptr(r.JobID),
		Status:        domain.TaskStatus(r.Status),
		Priority:      r.Priority,
		Title:         r.Title,
		Description:   r.Description,
		DueAt:         timePtr(r.DueAt),
		CompletedAt:   timePtr(r.CompletedAt),
		DisplayNumber: r.DisplayNumber,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func tasksFromRows(rows []taskRow) []*domain.Task {
	tasks := make([]*domain.Task, len(rows))
	for i := range rows {
		tasks[i] = rows[i].toDomain()
	}
	return tasks
}

// =============================================================================
// Task CRUD
// =============================================================================

func (r *TaskAdapter) GetByID(ctx context.Context, id int64) (*domain.Task, error) {
	var row taskRow
	err := r.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toDomain(), nil
}

// GetByMessage returns the newest task of the message; nil when none.
func (r *TaskAdapter) GetByMessage(ctx context.Context, accountID, messageID int64) (*domain.Task, error) {
	var row taskRow
	err := r.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks
		WHERE account_id = $1 AND email_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, accountID, messageID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task by message: %w", err)
	}
	return row.toDomain(), nil
}

func (r *TaskAdapter) HasTaskForMessage(ctx context.Context, messageID int64) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE email_id = $1)`, messageID); err != nil {
		return false, fmt.Errorf("check task for message: %w", err)
	}
	return exists, nil
}

func (r *TaskAdapter) LinkJob(ctx context.Context, taskID, jobID int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET job_id = $2, updated_at = NOW() WHERE id = $1`, taskID, jobID)
	if err != nil {
		return fmt.Errorf("link job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("link job to task %d: %w", taskID, ErrNotFound)
	}
	return nil
}

// WithinTaskTx runs fn in one transaction. Row locks taken by fn last until commit.
func (r *TaskAdapter) WithinTaskTx(ctx context.Context, fn func(tx out.TaskTx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin task tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&taskTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task tx: %w", err)
	}
	return nil
}

// =============================================================================
// Consolidation transaction
// =============================================================================

type taskTx struct {
	tx *sqlx.Tx
}

func (t *taskTx) LockThreadTasks(ctx context.Context, accountID, threadID int64) ([]*domain.Task, error) {
	var rows []taskRow
	err := t.tx.SelectContext(ctx, &rows, `SELECT `+taskColumns+` FROM tasks
		WHERE account_id = $1 AND thread_id = $2
		ORDER BY created_at DESC, id DESC
		FOR UPDATE`, accountID, threadID)
	if err != nil {
		return nil, fmt.Errorf("lock thread tasks: %w", err)
	}
	return tasksFromRows(rows), nil
}

func (t *taskTx) LockMessageTask(ctx context.Context, accountID, messageID int64) (*domain.Task, error) {
	var row taskRow
	err := t.tx.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks
		WHERE account_id = $1 AND email_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`, accountID, messageID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock message task: %w", err)
	}
	return row.toDomain(), nil
}

func (t *taskTx) ThreadHasMessageFrom(ctx context.Context, threadID int64, address string) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `SELECT EXISTS (
		SELECT 1 FROM emails WHERE thread_id = $1 AND LOWER(from_address) = LOWER($2))`, threadID, address)
	if err != nil {
		return false, fmt.Errorf("check thread sender: %w", err)
	}
	return exists, nil
}

func (t *taskTx) CountThreadMessages(ctx context.Context, threadID int64) (int, error) {
	var n int
	if err := t.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM emails WHERE thread_id = $1`, threadID); err != nil {
		return 0, fmt.Errorf("count thread messages: %w", err)
	}
	return n, nil
}

// CreateTask locks the account row so display numbers stay dense and unique.
func (t *taskTx) CreateTask(ctx context.Context, task *domain.Task) error {
	if _, err := t.tx.ExecContext(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, task.AccountID); err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	if err := t.tx.GetContext(ctx, &task.DisplayNumber,
		`SELECT COALESCE(MAX(display_number), 0) + 1 FROM tasks WHERE account_id = $1`, task.AccountID); err != nil {
		return fmt.Errorf("allocate display number: %w", err)
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}

	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO tasks (
			account_id, email_id, thread_id, job_id, status, priority,
			title, description, due_at, completed_at, display_number
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		task.AccountID, nullInt64(task.MessageID), nullInt64(task.ThreadID), nullInt64(task.JobID),
		string(task.Status), task.Priority, task.Title, task.Description,
		nullTime(task.DueAt), nullTime(task.CompletedAt), task.DisplayNumber,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// UpdateTask writes every mutable column; the display number is kept.
func (t *taskTx) UpdateTask(ctx context.Context, task *domain.Task) error {
	err := t.tx.QueryRowxContext(ctx, `
		UPDATE tasks SET
			email_id = $2, thread_id = $3, job_id = $4, status = $5, priority = $6,
			title = $7, description = $8, due_at = $9, completed_at = $10, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		task.ID, nullInt64(task.MessageID), nullInt64(task.ThreadID), nullInt64(task.JobID),
		string(task.Status), task.Priority, task.Title, task.Description,
		nullTime(task.DueAt), nullTime(task.CompletedAt),
	).Scan(&task.UpdatedAt)
	if isNoRows(err) {
		return fmt.Errorf("update task %d: %w", task.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (t *taskTx) DeleteTasks(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	return nil
}

var _ out.TaskRepository = (*TaskAdapter)(nil)

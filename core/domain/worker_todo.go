package domain

import "time"

// TaskStatus represents the status of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsOpen reports whether the status still needs follow-up.
func (s TaskStatus) IsOpen() bool {
	return s == TaskStatusPending || s == TaskStatusInProgress
}

// Task priority bounds (1 = lowest, 5 = highest).
const (
	TaskPriorityMin = 1
	TaskPriorityMax = 5
)

// Field limits for tasks.
const (
	MaxTaskTitleLen       = 255
	MaxTaskDescriptionLen = 5000
)

// ClampPriority bounds p to the task priority range.
func ClampPriority(p int) int {
	if p < TaskPriorityMin {
		return TaskPriorityMin
	}
	if p > TaskPriorityMax {
		return TaskPriorityMax
	}
	return p
}

// Task is the unit of required follow-up.
type Task struct {
	ID            int64      `json:"id"`
	AccountID     int64      `json:"account_id"`
	MessageID     *int64     `json:"message_id,omitempty"`
	ThreadID      *int64     `json:"thread_id,omitempty"`
	JobID         *int64     `json:"job_id,omitempty"`
	Status        TaskStatus `json:"status"`
	Priority      int        `json:"priority"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	DueAt         *time.Time `json:"due_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DisplayNumber int        `json:"display_number"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// JobStatus represents the status of a customer job.
type JobStatus string

const (
	JobStatusOpen      JobStatus = "open"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
)

// Job is a customer engagement created from an inquiry email.
type Job struct {
	ID            int64     `json:"id"`
	AccountID     int64     `json:"account_id"`
	Title         string    `json:"title"`
	Status        JobStatus `json:"status"`
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

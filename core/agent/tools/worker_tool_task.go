package tools

import (
	"context"
	"fmt"
	"strings"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/logger"
)

// keywordPriority maps instruction keywords to a task priority.
func keywordPriority(instructions string) int {
	s := strings.ToLower(instructions)
	switch {
	case strings.Contains(s, "urgent"), strings.Contains(s, "priority"):
		return domain.TaskPriorityMax
	case strings.Contains(s, "high"):
		return 4
	case strings.Contains(s, "medium"):
		return 3
	default:
		return domain.TaskPriorityMin
	}
}

// createTask is idempotent per message: an existing task is reported, not duplicated.
func (r *Registry) createTask(ctx context.Context, req *Request) *Result {
	if r.deps.Tasks == nil {
		return failure("task storage unavailable")
	}
	msg := req.Message

	existing, err := r.deps.Tasks.GetByMessage(ctx, msg.AccountID, msg.ID)
	if err != nil {
		return failure(fmt.Sprintf("look up task: %v", err))
	}
	if existing != nil {
		return success(fmt.Sprintf("Task #%d already exists", existing.DisplayNumber),
			map[string]any{"task_id": existing.ID, "existing": true})
	}

	title := msg.Subject
	if title == "" {
		title = "Task for email from " + msg.Sender()
	}
	subject := msg.Subject
	if subject == "" {
		subject = domain.NoSubject
	}
	messageID := msg.ID
	task := &domain.Task{
		AccountID:   msg.AccountID,
		MessageID:   &messageID,
		ThreadID:    msg.ThreadID,
		Status:      domain.TaskStatusPending,
		Priority:    keywordPriority(req.instructions()),
		Title:       domain.Truncate(title, domain.MaxTaskTitleLen),
		Description: fmt.Sprintf("Email from %s: %s", msg.Sender(), subject),
	}
	err = r.deps.Tasks.WithinTaskTx(ctx, func(tx out.TaskTx) error {
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		return failure(fmt.Sprintf("create task: %v", err))
	}
	return success(fmt.Sprintf("Task #%d created", task.DisplayNumber),
		map[string]any{"task_id": task.ID, "existing": false})
}

// createJob opens a customer job for the sender and links the message's task to it.
func (r *Registry) createJob(ctx context.Context, req *Request) *Result {
	if r.deps.Jobs == nil {
		return failure("job storage unavailable")
	}
	msg := req.Message

	title := msg.Subject
	if title == "" {
		title = "Job for " + msg.Sender()
	}
	job := &domain.Job{
		AccountID:     msg.AccountID,
		Title:         domain.Truncate(title, domain.MaxTaskTitleLen),
		Status:        domain.JobStatusOpen,
		CustomerName:  msg.FromName,
		CustomerEmail: msg.FromAddress,
		Description:   fmt.Sprintf("Created from email: %s", msg.Subject),
	}
	if err := r.deps.Jobs.Create(ctx, job); err != nil {
		return failure(fmt.Sprintf("create job: %v", err))
	}
	data := map[string]any{"job_id": job.ID}

	if r.deps.Tasks != nil {
		task, err := r.deps.Tasks.GetByMessage(ctx, msg.AccountID, msg.ID)
		switch {
		case err != nil:
			logger.Warn("[Registry.createJob] message=%d job=%d task lookup failed: %v", msg.ID, job.ID, err)
		case task != nil:
			if err := r.deps.Tasks.LinkJob(ctx, task.ID, job.ID); err != nil {
				logger.Warn("[Registry.createJob] task=%d job=%d link failed: %v", task.ID, job.ID, err)
			} else {
				data["task_id"] = task.ID
			}
		}
	}
	return success(fmt.Sprintf("Job created for %s", msg.FromAddress), data)
}

// notify and schedule have no side effect beyond the audit log line.
func (r *Registry) notify(_ context.Context, req *Request) *Result {
	logger.WithFields(map[string]any{
		"account_id": req.Account.ID,
		"message_id": req.Message.ID,
		"action":     req.Action.Name,
	}).Info("[Registry.notify] %s", req.instructions())
	return success("Notification logged", map[string]any{"action": string(domain.ActionNotify)})
}

func (r *Registry) schedule(_ context.Context, req *Request) *Result {
	logger.WithFields(map[string]any{
		"account_id": req.Account.ID,
		"message_id": req.Message.ID,
		"action":     req.Action.Name,
	}).Info("[Registry.schedule] %s", req.instructions())
	return success("Schedule request logged", map[string]any{"action": string(domain.ActionSchedule)})
}

package todo

import (
	"context"
	"fmt"
	"time"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/logger"
)

// =============================================================================
// Task Consolidation
// =============================================================================
//
// An unanswered thread carries at most one open task. Once the account has
// replied into the thread, every later inbound message gets its own task again.

// ConsolidationService ensures exactly one task per classified message / active thread.
type ConsolidationService struct {
	taskRepo out.TaskRepository
}

// NewConsolidationService creates a new ConsolidationService.
func NewConsolidationService(taskRepo out.TaskRepository) *ConsolidationService {
	return &ConsolidationService{taskRepo: taskRepo}
}

// EnsureTask creates, merges or refreshes the task for msg inside one transaction.
func (s *ConsolidationService) EnsureTask(ctx context.Context, account *domain.Account, msg *domain.Message, c *domain.Classification) (*domain.Task, error) {
	if account == nil || msg == nil || c == nil {
		return nil, fmt.Errorf("ensure task: account, message and classification are required")
	}

	var result *domain.Task
	err := s.taskRepo.WithinTaskTx(ctx, func(tx out.TaskTx) error {
		t, err := s.ensureTask(ctx, tx, account, msg, c)
		result = t
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ensure task for message %d: %w", msg.ID, err)
	}
	return result, nil
}

func (s *ConsolidationService) ensureTask(ctx context.Context, tx out.TaskTx, account *domain.Account, msg *domain.Message, c *domain.Classification) (*domain.Task, error) {
	title := taskTitle(c, msg)
	priority := domain.ClampPriority(c.Priority)

	if msg.ThreadID == nil {
		task := &domain.Task{
			AccountID:   account.ID,
			MessageID:   &msg.ID,
			Status:      domain.TaskStatusPending,
			Priority:    priority,
			Title:       title,
			Description: domain.Truncate(c.Description, domain.MaxTaskDescriptionLen),
			DueAt:       c.DueAt,
		}
		if err := tx.CreateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("create standalone task: %w", err)
		}
		return task, nil
	}
	threadID := *msg.ThreadID

	hasReplied, err := tx.ThreadHasMessageFrom(ctx, threadID, account.Email)
	if err != nil {
		return nil, fmt.Errorf("check reply: %w", err)
	}

	all, err := tx.LockThreadTasks(ctx, account.ID, threadID)
	if err != nil {
		return nil, fmt.Errorf("lock thread tasks: %w", err)
	}
	open := openTasks(all)

	// 1. Consolidate into an existing open task
	if !hasReplied && len(open) > 0 {
		survivor := pickSurvivor(open)
		others := excludeTask(all, survivor.ID)

		mergeFields(survivor, open, priority, c.DueAt)
		survivor.MessageID = &msg.ID
		survivor.Title = title
		survivor.Description = c.Description

		if len(others) > 0 {
			count, err := tx.CountThreadMessages(ctx, threadID)
			if err != nil {
				return nil, fmt.Errorf("count thread messages: %w", err)
			}
			survivor.Description += consolidationNote(count, len(others))
		}
		survivor.Description = domain.Truncate(survivor.Description, domain.MaxTaskDescriptionLen)

		if err := tx.UpdateTask(ctx, survivor); err != nil {
			return nil, fmt.Errorf("update survivor: %w", err)
		}
		if err := tx.DeleteTasks(ctx, taskIDs(others)); err != nil {
			return nil, fmt.Errorf("delete merged tasks: %w", err)
		}

		logger.Info("[ConsolidationService.EnsureTask] account=%d thread=%d message=%d merged %d task(s) into %d",
			account.ID, threadID, msg.ID, len(others), survivor.ID)
		return survivor, nil
	}

	// 2. Get or create the task for this exact message
	task, err := tx.LockMessageTask(ctx, account.ID, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("lock message task: %w", err)
	}
	if task == nil {
		task = &domain.Task{
			AccountID:   account.ID,
			MessageID:   &msg.ID,
			ThreadID:    &threadID,
			Status:      domain.TaskStatusPending,
			Priority:    priority,
			Title:       title,
			Description: domain.Truncate(c.Description, domain.MaxTaskDescriptionLen),
			DueAt:       c.DueAt,
		}
		if err := tx.CreateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("create task: %w", err)
		}
	} else {
		task.Title = title
		task.Description = domain.Truncate(c.Description, domain.MaxTaskDescriptionLen)
		task.Priority = priority
		if c.DueAt != nil {
			task.DueAt = c.DueAt
		}
		if err := tx.UpdateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("refresh task: %w", err)
		}
	}

	if hasReplied {
		return task, nil
	}

	// 3. Fold in open tasks that a concurrent caller committed for the same thread
	rescanned, err := tx.LockThreadTasks(ctx, account.ID, threadID)
	if err != nil {
		return nil, fmt.Errorf("rescan thread tasks: %w", err)
	}
	others := excludeTask(openTasks(rescanned), task.ID)
	if len(others) == 0 {
		return task, nil
	}

	mergeFields(task, append(others, task), task.Priority, task.DueAt)
	count, err := tx.CountThreadMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("count thread messages: %w", err)
	}
	task.Description = domain.Truncate(c.Description+consolidationNote(count, len(others)), domain.MaxTaskDescriptionLen)
	task.MessageID = &msg.ID

	if err := tx.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("update after rescan: %w", err)
	}
	if err := tx.DeleteTasks(ctx, taskIDs(others)); err != nil {
		return nil, fmt.Errorf("delete concurrent tasks: %w", err)
	}

	logger.Warn("[ConsolidationService.EnsureTask] account=%d thread=%d folded %d concurrent task(s) into %d",
		account.ID, threadID, len(others), task.ID)
	return task, nil
}

// =============================================================================
// Merge helpers
// =============================================================================

// pickSurvivor prefers an in-progress task, else the most recently created one.
func pickSurvivor(open []*domain.Task) *domain.Task {
	var newest *domain.Task
	for _, t := range open {
		if t.Status == domain.TaskStatusInProgress {
			return t
		}
		if newest == nil || t.CreatedAt.After(newest.CreatedAt) ||
			(t.CreatedAt.Equal(newest.CreatedAt) && t.ID > newest.ID) {
			newest = t
		}
	}
	return newest
}

// mergeFields applies max priority, earliest due date and the status rule to survivor.
func mergeFields(survivor *domain.Task, group []*domain.Task, priority int, due *time.Time) {
	merged := priority
	earliest := due
	for _, t := range group {
		if t.Priority > merged {
			merged = t.Priority
		}
		if t.DueAt != nil && (earliest == nil || t.DueAt.Before(*earliest)) {
			earliest = t.DueAt
		}
	}
	survivor.Priority = merged
	survivor.DueAt = earliest
	if survivor.Status != domain.TaskStatusInProgress {
		survivor.Status = domain.TaskStatusPending
	}
}

func consolidationNote(threadMessages, folded int) string {
	if threadMessages > 1 {
		return fmt.Sprintf("\n\n[Part of conversation thread with %d message(s). Consolidated from %d previous task(s).]",
			threadMessages, folded)
	}
	return fmt.Sprintf("\n\n[Consolidated from %d previous task(s).]", folded)
}

func taskTitle(c *domain.Classification, msg *domain.Message) string {
	title := c.Title
	if title == "" {
		title = msg.Subject
	}
	return domain.Truncate(title, domain.MaxTaskTitleLen)
}

func openTasks(tasks []*domain.Task) []*domain.Task {
	var open []*domain.Task
	for _, t := range tasks {
		if t.Status.IsOpen() {
			open = append(open, t)
		}
	}
	return open
}

func excludeTask(tasks []*domain.Task, id int64) []*domain.Task {
	var rest []*domain.Task
	for _, t := range tasks {
		if t.ID != id {
			rest = append(rest, t)
		}
	}
	return rest
}

func taskIDs(tasks []*domain.Task) []int64 {
	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

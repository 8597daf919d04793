package worker

import (
	"context"
	"errors"
	"fmt"

	"mailflow/core/agent"
	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/core/service/classification"
	"mailflow/pkg/logger"
)

// AccountSyncer runs the sync jobs.
type AccountSyncer interface {
	SyncAccount(ctx context.Context, job *out.SyncAccountJob) (*domain.SyncResult, error)
	SyncAllAccounts(ctx context.Context) (int, error)
}

// MessageProcessor classifies one message.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, messageID int64) (*classification.ProcessResult, error)
}

// LabelTrigger runs the actions of an applied label.
type LabelTrigger interface {
	TriggerLabelActions(ctx context.Context, labelID, messageID int64, triggeredByAction bool) *agent.OrchestrationResult
}

// ErrUnknownJob is returned for job types the handler does not know. Such
// jobs are not retried.
var ErrUnknownJob = errors.New("unknown job type")

// Handler dispatches pool messages to the services.
type Handler struct {
	syncer    AccountSyncer
	processor MessageProcessor
	trigger   LabelTrigger
}

func NewHandler(syncer AccountSyncer, processor MessageProcessor, trigger LabelTrigger) *Handler {
	return &Handler{syncer: syncer, processor: processor, trigger: trigger}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("[Handler.Process] job=%s type=%s retries=%d", msg.ID, msg.Type, msg.Retries)

	switch msg.Type {
	case JobSyncAccount:
		return h.syncAccount(ctx, msg)
	case JobSyncAllAccounts:
		_, err := h.syncer.SyncAllAccounts(ctx)
		return err
	case JobProcessEmail:
		return h.processEmail(ctx, msg)
	case JobTriggerLabel:
		return h.triggerLabel(ctx, msg)
	default:
		logger.Warn("[Handler.Process] job=%s unknown type %q", msg.ID, msg.Type)
		return fmt.Errorf("%w: %s", ErrUnknownJob, msg.Type)
	}
}

func (h *Handler) syncAccount(ctx context.Context, msg *Message) error {
	job, err := ParsePayload[SyncAccountPayload](msg)
	if err != nil {
		return err
	}
	res, err := h.syncer.SyncAccount(ctx, job)
	if err != nil {
		return fmt.Errorf("sync account %d: %w", job.AccountID, err)
	}
	if res != nil {
		logger.Info("[Handler.syncAccount] account=%d created=%d updated=%d synced=%d",
			job.AccountID, res.Created, res.Updated, len(res.SyncedMessageIDs))
	}
	return nil
}

func (h *Handler) processEmail(ctx context.Context, msg *Message) error {
	job, err := ParsePayload[ProcessEmailPayload](msg)
	if err != nil {
		return err
	}
	if _, err := h.processor.ProcessMessage(ctx, job.MessageID); err != nil {
		return fmt.Errorf("process message %d: %w", job.MessageID, err)
	}
	return nil
}

// triggerLabel never asks for a retry; orchestration failures are reported
// in the result and logged by the orchestrator.
func (h *Handler) triggerLabel(ctx context.Context, msg *Message) error {
	job, err := ParsePayload[TriggerLabelPayload](msg)
	if err != nil {
		return err
	}
	res := h.trigger.TriggerLabelActions(ctx, job.LabelID, job.MessageID, job.TriggeredByAction)
	if res != nil && !res.Success {
		logger.Warn("[Handler.triggerLabel] label=%d message=%d not successful: %s",
			job.LabelID, job.MessageID, res.Message)
	}
	return nil
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrUnknownJob) || errors.Is(err, ErrBadPayload)
}

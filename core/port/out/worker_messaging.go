package out

import (
	"context"
)

// MessageProducer publishes pipeline jobs to the queue.
type MessageProducer interface {
	PublishSyncAccount(ctx context.Context, job *SyncAccountJob) error
	PublishSyncAllAccounts(ctx context.Context) error
	PublishProcessEmail(ctx context.Context, job *ProcessEmailJob) error
	PublishTriggerLabel(ctx context.Context, job *TriggerLabelJob) error
}

// SyncAccountJob syncs a single account.
type SyncAccountJob struct {
	AccountID    int64 `json:"account_id"`
	BackfillMode bool  `json:"backfill_mode,omitempty"`
	ForceInitial bool  `json:"force_initial,omitempty"`
}

// ProcessEmailJob classifies one message.
type ProcessEmailJob struct {
	MessageID int64 `json:"message_id"`
}

// TriggerLabelJob orchestrates the actions of one applied label.
type TriggerLabelJob struct {
	LabelID           int64 `json:"label_id"`
	MessageID         int64 `json:"message_id"`
	TriggeredByAction bool  `json:"triggered_by_action,omitempty"`
}

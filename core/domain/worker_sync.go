package domain

import "time"

// SyncPhase names the kind of sync invocation, recorded on SyncRun.
type SyncPhase string

const (
	SyncPhaseInitial     SyncPhase = "initial"
	SyncPhaseIncremental SyncPhase = "incremental"
	SyncPhaseBackfill    SyncPhase = "backfill"
)

// SyncOptions tunes a single sync invocation.
type SyncOptions struct {
	BackfillMode bool // ignore the checkpoint
	ForceInitial bool // use the initial cap even with a checkpoint
	PageSize     int  // 0 = configured default
}

// BackfillStats summarizes the thread materializer pass.
type BackfillStats struct {
	Threads  int `json:"threads" bson:"threads"`
	Fetched  int `json:"fetched" bson:"fetched"`
	Created  int `json:"created" bson:"created"`
	Updated  int `json:"updated" bson:"updated"`
	Failures int `json:"failures" bson:"failures"`
}

// SyncResult is returned by the sync engine.
type SyncResult struct {
	Created          int           `json:"created"`
	Updated          int           `json:"updated"`
	Total            int           `json:"total"`
	SyncedMessageIDs []int64       `json:"synced_message_ids"`
	Backfill         BackfillStats `json:"thread_backfill"`

	// Run is the audit record of this invocation; the caller completes and records it.
	Run *SyncRun `json:"-"`
}

// SyncRun is an append-only audit record of one sync invocation.
type SyncRun struct {
	AccountID        int64         `json:"account_id" bson:"account_id"`
	Phase            SyncPhase     `json:"phase" bson:"phase"`
	StartedAt        time.Time     `json:"started_at" bson:"started_at"`
	FinishedAt       time.Time     `json:"finished_at" bson:"finished_at"`
	Since            *time.Time    `json:"since,omitempty" bson:"since,omitempty"`
	Cap              int           `json:"cap" bson:"cap"`
	PageSize         int           `json:"page_size" bson:"page_size"`
	SeenExternalIDs  []string      `json:"seen_external_ids" bson:"seen_external_ids"`
	StoredMessageIDs []int64       `json:"stored_message_ids" bson:"stored_message_ids"`
	Backfill         BackfillStats `json:"backfill" bson:"backfill"`
	QueuedMessageIDs []int64       `json:"queued_message_ids" bson:"queued_message_ids"`
	Error            string        `json:"error,omitempty" bson:"error,omitempty"`
}

// SyncStatus is the user-visible sync state of an account.
type SyncStatus struct {
	AccountID    int64      `json:"account_id"`
	InProgress   bool       `json:"in_progress"`
	LastError    string     `json:"last_error,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

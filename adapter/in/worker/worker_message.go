// Package worker runs queued pipeline jobs on a bounded pool.
package worker

import (
	"errors"
	"fmt"
	"time"

	"mailflow/core/port/out"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// JobType represents the type of a job.
type JobType string

const (
	JobSyncAccount     JobType = "sync_account"
	JobSyncAllAccounts JobType = "sync_all_accounts"
	JobProcessEmail    JobType = "process_email"
	JobTriggerLabel    JobType = "trigger_label_actions"
)

// Message is one unit of work inside the pool.
type Message struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Retries   int             `json:"retries"`

	done func(handled bool)
}

// OnDone registers fn to run once when the pool is finished with the message.
// handled is false when the message was dropped and should be redelivered.
func (m *Message) OnDone(fn func(handled bool)) *Message {
	m.done = fn
	return m
}

func (m *Message) finish(handled bool) {
	if fn := m.done; fn != nil {
		m.done = nil
		fn(handled)
	}
}

// NewMessage wraps a raw JSON payload. An empty id gets a fresh uuid.
func NewMessage(id string, jobType JobType, payload []byte) *Message {
	if id == "" {
		id = uuid.NewString()
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return &Message{
		ID:        id,
		Type:      jobType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// ErrBadPayload marks payloads that cannot be decoded.
var ErrBadPayload = errors.New("malformed job payload")

// ParsePayload decodes the message payload into T.
func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, msg.Type, err)
	}
	return &payload, nil
}

// Payload types travel as the producer's job structs.
type (
	SyncAccountPayload  = out.SyncAccountJob
	ProcessEmailPayload = out.ProcessEmailJob
	TriggerLabelPayload = out.TriggerLabelJob
)

package domain

import (
	"strings"
	"time"
)

// singletonThreadPrefix marks threads synthesized for messages without a provider conversation id.
const singletonThreadPrefix = "single-"

// SingletonThreadID returns the synthesized conversation id for a message that has none.
func SingletonThreadID(externalMessageID string) string {
	return singletonThreadPrefix + externalMessageID
}

// IsSingletonThreadID reports whether id was synthesized by SingletonThreadID.
func IsSingletonThreadID(id string) bool {
	return strings.HasPrefix(id, singletonThreadPrefix)
}

// Thread is a provider conversation, unique per (account, external thread id).
type Thread struct {
	ID               int64     `json:"id"`
	AccountID        int64     `json:"account_id"`
	ExternalThreadID string    `json:"external_thread_id"`
	Subject          string    `json:"subject"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Message is an immutable snapshot of a provider message, unique per (account, external message id).
type Message struct {
	ID                int64         `json:"id"`
	AccountID         int64         `json:"account_id"`
	ThreadID          *int64        `json:"thread_id,omitempty"`
	ExternalMessageID string        `json:"external_message_id"`
	ExternalThreadID  string        `json:"external_thread_id"`
	Subject           string        `json:"subject"`
	FromAddress       string        `json:"from_address"`
	FromName          string        `json:"from_name"`
	To                []string      `json:"to"`
	Cc                []string      `json:"cc,omitempty"`
	Bcc               []string      `json:"bcc,omitempty"`
	DateSent          time.Time     `json:"date_sent"`
	BodyHTML          string        `json:"body_html"`
	BodyText          string        `json:"body_text,omitempty"`
	Attachments       []*Attachment `json:"attachments,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Sender formats the sender for prompts and task descriptions.
func (m *Message) Sender() string {
	if m.FromName != "" {
		return m.FromName
	}
	return m.FromAddress
}

// Attachment is a parsed attachment of a message. The set is replaced on every upsert.
type Attachment struct {
	ID          int64  `json:"id"`
	MessageID   int64  `json:"message_id"`
	ExternalID  string `json:"external_id,omitempty"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	ContentID   string `json:"content_id,omitempty"`
	IsInline    bool   `json:"is_inline"`
}

// Draft is a locally persisted reply draft.
type Draft struct {
	ID              int64     `json:"id"`
	AccountID       int64     `json:"account_id"`
	MessageID       *int64    `json:"message_id,omitempty"`
	ExternalDraftID string    `json:"external_draft_id,omitempty"`
	To              []string  `json:"to"`
	Subject         string    `json:"subject"`
	BodyHTML        string    `json:"body_html"`
	CreatedAt       time.Time `json:"created_at"`
}

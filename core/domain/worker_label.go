package domain

import (
	"strings"
	"time"
)

// Label is an account-scoped classification tag.
// Shared labels are visible to the accounts listed in SharedWith.
type Label struct {
	ID           int64     `json:"id"`
	AccountID    int64     `json:"account_id"`
	SharedWith   []int64   `json:"shared_with,omitempty"`
	Name         string    `json:"name"`
	Prompt       string    `json:"prompt"`
	Instructions string    `json:"instructions"`
	Priority     int       `json:"priority"`
	IsActive     bool      `json:"is_active"`
	Actions      []*Action `json:"actions,omitempty"` // configured order
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EmailLabel records a label applied to a message. Creating one triggers orchestration.
type EmailLabel struct {
	ID        int64     `json:"id"`
	MessageID int64     `json:"message_id"`
	LabelID   int64     `json:"label_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ActionFunction is the closed set of executable side effects.
type ActionFunction string

const (
	ActionDraftReply   ActionFunction = "draft_reply"
	ActionSendReply    ActionFunction = "send_reply"
	ActionCreateTask   ActionFunction = "create_task"
	ActionNotify       ActionFunction = "notify"
	ActionSchedule     ActionFunction = "schedule"
	ActionForwardEmail ActionFunction = "forward_email"
	ActionArchiveEmail ActionFunction = "archive_email"
	ActionMarkAsSpam   ActionFunction = "mark_as_spam"
	ActionDeleteEmail  ActionFunction = "delete_email"
	ActionAddLabel     ActionFunction = "add_label"
	ActionRemoveLabel  ActionFunction = "remove_label"
	ActionCreateJob    ActionFunction = "create_job"
)

// ActionFunctions lists every supported function in declaration order.
var ActionFunctions = []ActionFunction{
	ActionDraftReply, ActionSendReply, ActionCreateTask, ActionNotify, ActionSchedule,
	ActionForwardEmail, ActionArchiveEmail, ActionMarkAsSpam, ActionDeleteEmail,
	ActionAddLabel, ActionRemoveLabel, ActionCreateJob,
}

// Valid reports whether f is part of the enumeration.
func (f ActionFunction) Valid() bool {
	for _, known := range ActionFunctions {
		if f == known {
			return true
		}
	}
	return false
}

// Action is an account-scoped operation definition.
type Action struct {
	ID              int64          `json:"id"`
	AccountID       int64          `json:"account_id"`
	Name            string         `json:"name"`
	Function        ActionFunction `json:"function"`
	Instructions    string         `json:"instructions"`
	ToolName        string         `json:"tool_name,omitempty"`
	ToolDescription string         `json:"tool_description,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// EffectiveToolName is the name the planner refers to this action by.
func (a *Action) EffectiveToolName() string {
	if a.ToolName != "" {
		return a.ToolName
	}
	return string(a.Function)
}

// Description returns the catalog text shown to the planner.
func (a *Action) Description() string {
	switch {
	case a.ToolDescription != "":
		return a.ToolDescription
	case a.Instructions != "":
		return a.Instructions
	default:
		return a.Name
	}
}

// FindLabelByName matches a label name case-insensitively.
func FindLabelByName(labels []*Label, name string) *Label {
	name = strings.TrimSpace(name)
	for _, l := range labels {
		if strings.EqualFold(l.Name, name) {
			return l
		}
	}
	return nil
}

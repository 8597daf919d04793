package domain

import (
	"fmt"
	"time"
)

// Classification is the structured result of classifying one message.
type Classification struct {
	Title       string     `json:"task_title"`
	Description string     `json:"task_description"`
	Priority    int        `json:"priority"`
	Labels      []string   `json:"labels"`
	DueAt       *time.Time `json:"due_date,omitempty"`
	Reasoning   string     `json:"reasoning"`
}

// AwaitingReplyLabel is preferred by the default classification.
const AwaitingReplyLabel = "Awaiting Reply"

// NoSubject stands in for an empty subject in titles and prompts.
const NoSubject = "(No subject)"

// DefaultClassification is used when the classifier is unavailable or fails.
func DefaultClassification(msg *Message, available []*Label) *Classification {
	subject := msg.Subject
	if subject == "" {
		subject = NoSubject
	}
	c := &Classification{
		Title:       Truncate(subject, MaxTaskTitleLen),
		Description: fmt.Sprintf("Email from %s: %s", msg.Sender(), subject),
		Priority:    TaskPriorityMin,
		Reasoning:   "Default classification (AI unavailable)",
	}
	if l := FindLabelByName(available, AwaitingReplyLabel); l != nil {
		c.Labels = []string{l.Name}
	} else if len(available) > 0 {
		c.Labels = []string{available[0].Name}
	}
	return c
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

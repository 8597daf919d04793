package llm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"mailflow/core/domain"
)

const classifyBodyLimit = 3000

const classifySystemPrompt = `You are an email classification assistant for a small service business.
You analyse emails and return structured JSON with task classification.

Return JSON with these exact fields:
- task_title: Clear, actionable task title (max 255 chars)
- task_description: Summary of email content and required action
- priority: Integer 1-5 (1=low priority, 5=urgent)
- labels: Array of applicable label names from the available labels list
- due_date: YYYY-MM-DD format if mentioned in email, null otherwise
- reasoning: Brief explanation of your classification

Be concise but informative.`

// classificationResponse tolerates loosely typed model output.
type classificationResponse struct {
	TaskTitle       string `json:"task_title"`
	TaskDescription string `json:"task_description"`
	Priority        any    `json:"priority"`
	Labels          any    `json:"labels"`
	DueDate         any    `json:"due_date"`
	Reasoning       string `json:"reasoning"`
}

// Classifier implements out.Classifier with a single JSON-mode completion.
type Classifier struct {
	client *Client
}

func NewClassifier(client *Client) *Classifier {
	return &Classifier{client: client}
}

// Classify returns an error when the model is unavailable or its output cannot
// be parsed; callers fall back to domain.DefaultClassification.
func (c *Classifier) Classify(ctx context.Context, msg *domain.Message, labels []*domain.Label) (*domain.Classification, error) {
	subject := msg.Subject
	if subject == "" {
		subject = domain.NoSubject
	}

	userPrompt := fmt.Sprintf(`Available Labels:
%s

Email to classify:
Subject: %s
From: %s
Body:
%s

Return JSON only, no additional text.`,
		formatLabels(labels), subject, msg.Sender(),
		truncateBody(messageText(msg.BodyHTML, msg.BodyText), classifyBodyLimit))

	raw, err := c.client.CompleteJSON(ctx, classifySystemPrompt, userPrompt, c.client.temperature)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty classification response", ErrUnavailable)
	}

	var resp classificationResponse
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse classification response: %w", err)
	}

	return sanitizeClassification(&resp, msg, subject, labels), nil
}

func sanitizeClassification(resp *classificationResponse, msg *domain.Message, subject string, labels []*domain.Label) *domain.Classification {
	title := strings.TrimSpace(resp.TaskTitle)
	if title == "" {
		title = subject
	}
	description := strings.TrimSpace(resp.TaskDescription)
	if description == "" {
		description = fmt.Sprintf("Email from %s: %s", msg.Sender(), subject)
	}

	return &domain.Classification{
		Title:       domain.Truncate(title, domain.MaxTaskTitleLen),
		Description: description,
		Priority:    parsePriority(resp.Priority),
		Labels:      matchLabels(resp.Labels, labels),
		DueAt:       parseDueDate(resp.DueDate),
		Reasoning:   resp.Reasoning,
	}
}

func formatLabels(labels []*domain.Label) string {
	if len(labels) == 0 {
		return "No labels available"
	}
	var sb strings.Builder
	for i, l := range labels {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("- ")
		sb.WriteString(l.Name)
		if l.Prompt != "" {
			sb.WriteString(" (" + l.Prompt + ")")
		}
	}
	return sb.String()
}

func parsePriority(v any) int {
	p := domain.TaskPriorityMin
	switch x := v.(type) {
	case float64:
		p = int(x)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			p = n
		}
	}
	return domain.ClampPriority(p)
}

// matchLabels keeps names of available labels, matched case-insensitively and
// returned with the stored casing.
func matchLabels(v any, available []*domain.Label) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		name, ok := item.(string)
		if !ok {
			continue
		}
		if l := domain.FindLabelByName(available, name); l != nil {
			names = append(names, l.Name)
		}
	}
	return names
}

// parseDueDate accepts YYYY-MM-DD only.
func parseDueDate(v any) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &t
}

package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mailflow/core/domain"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChat struct {
	content string
	err     error
	last    openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.last = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.content}}},
	}, nil
}

func fakeClient(content string) (*Client, *fakeChat) {
	chat := &fakeChat{content: content}
	c := NewClient("")
	c.client = chat
	return c, chat
}

func TestTruncateBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		maxLen   int
		expected string
	}{
		{
			name:     "short body",
			body:     "Hello world",
			maxLen:   100,
			expected: "Hello world",
		},
		{
			name:     "exact length",
			body:     "Hello",
			maxLen:   5,
			expected: "Hello",
		},
		{
			name:     "truncated",
			body:     "Hello world, this is a long message",
			maxLen:   10,
			expected: "Hello worl...",
		},
		{
			name:     "empty body",
			body:     "",
			maxLen:   100,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := truncateBody(tt.body, tt.maxLen)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestHTMLToText(t *testing.T) {
	html := `<html><head><style>p{color:red}</style></head><body><p>Hi   Ann,</p><script>x()</script><p>See &amp; sign</p></body></html>`
	assert.Equal(t, "Hi Ann,See & sign", HTMLToText(html))
	assert.Equal(t, "", HTMLToText("   "))
	assert.Equal(t, "plain text", messageText("", " plain\n text "))
}

func TestClassify_SanitizesModelOutput(t *testing.T) {
	client, chat := fakeClient("```json\n" + `{
		"task_title": "",
		"task_description": "",
		"priority": "9",
		"labels": ["quotes", "Nonexistent", 4],
		"due_date": "2026-04-01",
		"reasoning": "asks for a quote"
	}` + "\n```")
	labels := []*domain.Label{{Name: "Quotes", Prompt: "pricing requests"}, {Name: "Spam"}}
	msg := &domain.Message{Subject: "Line marking quote", FromName: "Ann", BodyHTML: "<p>How much?</p>"}

	c, err := NewClassifier(client).Classify(context.Background(), msg, labels)
	require.NoError(t, err)
	assert.Equal(t, "Line marking quote", c.Title)
	assert.Equal(t, "Email from Ann: Line marking quote", c.Description)
	assert.Equal(t, 5, c.Priority)
	assert.Equal(t, []string{"Quotes"}, c.Labels)
	require.NotNil(t, c.DueAt)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), *c.DueAt)

	user := chat.last.Messages[1].Content
	assert.Contains(t, user, "- Quotes (pricing requests)")
	assert.Contains(t, user, "How much?")
	assert.NotContains(t, user, "<p>")
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, chat.last.ResponseFormat.Type)
}

func TestClassify_PriorityAndDueDateEdges(t *testing.T) {
	tests := []struct {
		raw      string
		priority int
		hasDue   bool
	}{
		{`{"priority": 0, "due_date": null}`, 1, false},
		{`{"priority": 3.7, "due_date": "next week"}`, 3, false},
		{`{"priority": "high", "due_date": "2026-01-31"}`, 1, true},
	}
	for _, tt := range tests {
		client, _ := fakeClient(tt.raw)
		c, err := NewClassifier(client).Classify(context.Background(), &domain.Message{Subject: "s"}, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.priority, c.Priority, tt.raw)
		assert.Equal(t, tt.hasDue, c.DueAt != nil, tt.raw)
		assert.Equal(t, []string{}, c.Labels)
	}
}

func TestClassify_Errors(t *testing.T) {
	_, err := NewClassifier(NewClient("")).Classify(context.Background(), &domain.Message{}, nil)
	assert.ErrorIs(t, err, ErrUnavailable)

	client, _ := fakeClient("not json")
	_, err = NewClassifier(client).Classify(context.Background(), &domain.Message{}, nil)
	assert.Error(t, err)

	client, chat := fakeClient("")
	chat.err = errors.New("429")
	_, err = NewClassifier(client).Classify(context.Background(), &domain.Message{}, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPlan(t *testing.T) {
	client, chat := fakeClient(`{"reasoning": "needs a reply", "actions": [
		{"tool_name": "draft_reply", "reason": "customer asked"},
		{"tool_name": "", "reason": "dropped"},
		"garbage",
		{"tool_name": "archive_email"}
	]}`)

	plan, err := NewPlanner(client).Plan(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "needs a reply", plan.Reasoning)
	require.Len(t, plan.Actions, 2)
	assert.Equal(t, "draft_reply", plan.Actions[0].ToolName)
	assert.Equal(t, "archive_email", plan.Actions[1].ToolName)
	assert.InDelta(t, 0.3, chat.last.Temperature, 0.0001)
}

func TestPlan_Failures(t *testing.T) {
	_, err := NewPlanner(NewClient("")).Plan(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, domain.ErrPlannerUnavailable)

	client, _ := fakeClient("[1, 2]")
	_, err = NewPlanner(client).Plan(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, domain.ErrMalformedPlan)

	client, _ = fakeClient(`{"reasoning": "nothing to do", "actions": "none"}`)
	plan, err := NewPlanner(client).Plan(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Empty(t, plan.Actions)
}

func TestDraft(t *testing.T) {
	client, chat := fakeClient("  <p>Thanks, we will be in touch.</p> ")
	body, err := NewDrafter(client).Draft(context.Background(), "Reply politely", "Subject: Hi")
	require.NoError(t, err)
	assert.Equal(t, "<p>Thanks, we will be in touch.</p>", body)
	assert.True(t, strings.HasPrefix(chat.last.Messages[1].Content, "Reply politely\n\nContext:\n"))

	client, _ = fakeClient("")
	_, err = NewDrafter(client).Draft(context.Background(), "x", "y")
	assert.ErrorIs(t, err, ErrUnavailable)
}

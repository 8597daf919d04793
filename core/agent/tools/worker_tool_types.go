package tools

import (
	"context"

	"mailflow/core/domain"
	"mailflow/core/port/out"
)

// ToolCategory groups executors by the resource they touch.
type ToolCategory string

const (
	CategoryEmail ToolCategory = "email"
	CategoryLabel ToolCategory = "label"
	CategoryTask  ToolCategory = "task"
)

// Request is the input of a single action execution.
type Request struct {
	Account *domain.Account
	Message *domain.Message
	Label   *domain.Label
	Action  *domain.Action
	Reason  string

	// Context carries values produced by earlier steps of the same run.
	Context map[string]any
}

// Result reports the outcome of one execution. Data is merged into the
// shared context of the run when Success is true.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Executor performs one action function.
type Executor interface {
	Execute(ctx context.Context, req *Request) *Result
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req *Request) *Result

func (f ExecutorFunc) Execute(ctx context.Context, req *Request) *Result {
	return f(ctx, req)
}

// LabelTrigger re-enters label orchestration after add_label applied a new label.
type LabelTrigger interface {
	Retrigger(ctx context.Context, labelID, messageID int64)
}

// Dependencies are the ports the executors act through.
type Dependencies struct {
	Providers   out.EmailProviderRegistry
	Credentials out.CredentialProvider
	Drafter     out.Drafter
	Emails      out.EmailRepository
	Drafts      out.DraftRepository
	Tasks       out.TaskRepository
	Jobs        out.JobRepository
	Labels      out.LabelRepository
	Trigger     LabelTrigger
}

func success(msg string, data map[string]any) *Result {
	return &Result{Success: true, Message: msg, Data: data}
}

func failure(msg string) *Result {
	return &Result{Success: false, Message: msg}
}

// contextString reads a string value from the shared context.
func (r *Request) contextString(key string) string {
	if r.Context == nil {
		return ""
	}
	s, _ := r.Context[key].(string)
	return s
}

// instructions returns the action instructions, else the label instructions.
func (r *Request) instructions() string {
	if r.Action != nil && r.Action.Instructions != "" {
		return r.Action.Instructions
	}
	if r.Label != nil {
		return r.Label.Instructions
	}
	return ""
}

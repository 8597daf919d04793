package out

import (
	"context"

	"mailflow/core/domain"
)

// Classifier turns a message and its candidate labels into a classification.
type Classifier interface {
	Classify(ctx context.Context, msg *domain.Message, labels []*domain.Label) (*domain.Classification, error)
}

// Planner chooses which actions to run, in order.
type Planner interface {
	Plan(ctx context.Context, systemPrompt, userPrompt string) (*Plan, error)
}

// Drafter composes reply bodies.
type Drafter interface {
	Draft(ctx context.Context, instructions, contextText string) (string, error)
}

// Plan is the planner output.
type Plan struct {
	Reasoning string          `json:"reasoning"`
	Actions   []PlannedAction `json:"actions"`
}

// PlannedAction is one ordered step of a plan.
type PlannedAction struct {
	ToolName string `json:"tool_name"`
	Reason   string `json:"reason"`
}

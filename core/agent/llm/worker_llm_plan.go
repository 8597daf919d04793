package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"mailflow/core/domain"
	"mailflow/core/port/out"
)

// planTemperature keeps action selection consistent between runs.
const planTemperature = 0.3

// Planner implements out.Planner in JSON mode.
type Planner struct {
	client *Client
}

func NewPlanner(client *Client) *Planner {
	return &Planner{client: client}
}

// Plan returns domain.ErrPlannerUnavailable or domain.ErrMalformedPlan so the
// orchestrator can fall back to the configured action order.
func (p *Planner) Plan(ctx context.Context, systemPrompt, userPrompt string) (*out.Plan, error) {
	raw, err := p.client.CompleteJSON(ctx, systemPrompt, userPrompt, planTemperature)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", domain.ErrPlannerUnavailable, err)
		}
		return nil, err
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty response", domain.ErrPlannerUnavailable)
	}
	return parsePlan(raw)
}

func parsePlan(raw string) (*out.Plan, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPlan, err)
	}

	plan := &out.Plan{Actions: []out.PlannedAction{}}
	plan.Reasoning, _ = doc["reasoning"].(string)

	items, _ := doc["actions"].([]any)
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := obj["tool_name"].(string)
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		reason, _ := obj["reason"].(string)
		plan.Actions = append(plan.Actions, out.PlannedAction{ToolName: name, Reason: reason})
	}
	return plan, nil
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailflow/core/agent/tools"
	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/logger"
)

// FallbackReason marks steps run without a plan.
const FallbackReason = "fallback"

// maxReentry bounds add_label re-triggering per original trigger.
const maxReentry = 1

type depthKey struct{}

func triggerDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// StepResult is the outcome of one planned action.
type StepResult struct {
	ToolName string         `json:"tool_name"`
	ActionID int64          `json:"action_id,omitempty"`
	Reason   string         `json:"reason"`
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// OrchestrationResult aggregates one label trigger. Success reports whether
// orchestration ran to completion; individual steps may still have failed.
type OrchestrationResult struct {
	LabelID   int64        `json:"label_id"`
	MessageID int64        `json:"message_id"`
	Success   bool         `json:"success"`
	Message   string       `json:"message"`
	Reasoning string       `json:"reasoning"`
	Fallback  bool         `json:"fallback"`
	Steps     []StepResult `json:"steps"`
}

// FailedSteps counts steps that did not succeed.
func (r *OrchestrationResult) FailedSteps() int {
	n := 0
	for _, s := range r.Steps {
		if !s.Success {
			n++
		}
	}
	return n
}

// Orchestrator runs the actions of a label applied to a message, in the
// order chosen by the planner.
type Orchestrator struct {
	labels   out.LabelRepository
	actions  out.ActionRepository
	emails   out.EmailRepository
	accounts out.AccountRepository
	planner  out.Planner
	registry *tools.Registry
}

// NewOrchestrator installs itself as the registry's add_label trigger.
func NewOrchestrator(
	labels out.LabelRepository,
	actions out.ActionRepository,
	emails out.EmailRepository,
	accounts out.AccountRepository,
	planner out.Planner,
	registry *tools.Registry,
) *Orchestrator {
	o := &Orchestrator{
		labels:   labels,
		actions:  actions,
		emails:   emails,
		accounts: accounts,
		planner:  planner,
		registry: registry,
	}
	registry.SetTrigger(o)
	return o
}

// TriggerLabelActions never returns an error: orchestration failures are
// logged with ids and reported as a single failed result.
func (o *Orchestrator) TriggerLabelActions(ctx context.Context, labelID, messageID int64, triggeredByAction bool) (res *OrchestrationResult) {
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			logger.Error("[Orchestrator.TriggerLabelActions] label=%d message=%d panic: %v", labelID, messageID, p)
			res = &OrchestrationResult{LabelID: labelID, MessageID: messageID, Message: fmt.Sprintf("orchestration panic: %v", p)}
		}
	}()

	res, err := o.run(ctx, labelID, messageID, triggeredByAction)
	if err != nil {
		logger.Error("[Orchestrator.TriggerLabelActions] label=%d message=%d failed: %v", labelID, messageID, err)
		return &OrchestrationResult{LabelID: labelID, MessageID: messageID, Message: err.Error()}
	}

	logger.Info("[Orchestrator.TriggerLabelActions] label=%d message=%d steps=%d failed=%d fallback=%v took=%v",
		labelID, messageID, len(res.Steps), res.FailedSteps(), res.Fallback, time.Since(start))
	return res
}

// Retrigger is called by add_label after it created a new label application.
func (o *Orchestrator) Retrigger(ctx context.Context, labelID, messageID int64) {
	depth := triggerDepth(ctx)
	if depth >= maxReentry {
		logger.Warn("[Orchestrator.Retrigger] label=%d message=%d depth=%d, not re-entering", labelID, messageID, depth)
		return
	}
	o.TriggerLabelActions(context.WithValue(ctx, depthKey{}, depth+1), labelID, messageID, true)
}

func (o *Orchestrator) run(ctx context.Context, labelID, messageID int64, triggeredByAction bool) (*OrchestrationResult, error) {
	res := &OrchestrationResult{LabelID: labelID, MessageID: messageID}

	label, err := o.labels.GetByID(ctx, labelID)
	if err != nil {
		return nil, fmt.Errorf("load label: %w", err)
	}
	if label == nil {
		return nil, fmt.Errorf("label %d not found", labelID)
	}
	if !label.IsActive {
		res.Success = true
		res.Message = "label inactive, skipped"
		return res, nil
	}

	msg, err := o.emails.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("message %d not found", messageID)
	}

	if triggeredByAction {
		applied, err := o.labels.IsApplied(ctx, msg.ID, label.ID)
		if err != nil {
			return nil, fmt.Errorf("check applied label: %w", err)
		}
		if !applied {
			logger.Info("[Orchestrator.run] label=%d message=%d no longer applied, skipping", label.ID, msg.ID)
			res.Success = true
			res.Message = "label not applied, skipped"
			return res, nil
		}
	}

	account, err := o.accounts.GetByID(ctx, msg.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("account %d not found", msg.AccountID)
	}

	available, err := o.availableActions(ctx, msg, label)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		res.Success = true
		res.Message = "No actions available"
		return res, nil
	}

	steps, reasoning, fallback := o.plan(ctx, account, msg, label, available)
	res.Reasoning = reasoning
	res.Fallback = fallback

	byTool := make(map[string]*domain.Action, len(available))
	for _, a := range available {
		if _, ok := byTool[a.EffectiveToolName()]; !ok {
			byTool[a.EffectiveToolName()] = a
		}
	}

	shared := map[string]any{"label_id": label.ID, "message_id": msg.ID}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Steps = append(res.Steps, o.execute(ctx, account, msg, label, byTool, step, shared))
	}

	res.Success = true
	res.Message = fmt.Sprintf("Executed %d actions", len(res.Steps))
	return res, nil
}

// availableActions is the union of actions linked to every label on the
// message, the triggering label first. With none linked it falls back to the
// account's action catalog.
func (o *Orchestrator) availableActions(ctx context.Context, msg *domain.Message, label *domain.Label) ([]*domain.Action, error) {
	applied, err := o.labels.ListApplied(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("list applied labels: %w", err)
	}

	seen := make(map[int64]bool)
	var actions []*domain.Action
	add := func(list []*domain.Action) {
		for _, a := range list {
			if a == nil || seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			actions = append(actions, a)
		}
	}
	add(label.Actions)
	for _, l := range applied {
		add(l.Actions)
	}
	if len(actions) > 0 {
		return actions, nil
	}

	catalog, err := o.actions.ListByAccount(ctx, msg.AccountID)
	if err != nil {
		return nil, fmt.Errorf("list account actions: %w", err)
	}
	add(catalog)
	return actions, nil
}

// plan asks the planner for ordered steps, falling back to the label's
// configured actions when it is unavailable or its output is malformed.
func (o *Orchestrator) plan(ctx context.Context, account *domain.Account, msg *domain.Message, label *domain.Label, available []*domain.Action) ([]out.PlannedAction, string, bool) {
	var others []*domain.Label
	if all, err := o.labels.ListAvailable(ctx, msg.AccountID); err != nil {
		logger.Warn("[Orchestrator.plan] account=%d list labels failed: %v", msg.AccountID, err)
	} else {
		others = otherLabels(all, label)
	}

	pc := &planContext{
		Account:      account,
		Label:        label,
		OtherLabels:  others,
		LabelActions: label.Actions,
		Available:    available,
		Message:      msg,
	}

	var p *out.Plan
	var err error
	if o.planner == nil {
		err = domain.ErrPlannerUnavailable
	} else {
		p, err = o.planner.Plan(ctx, buildSystemPrompt(pc), buildUserPrompt(msg))
	}
	if err == nil {
		return p.Actions, p.Reasoning, false
	}

	switch {
	case errors.Is(err, domain.ErrMalformedPlan):
		logger.Warn("[Orchestrator.plan] label=%d message=%d malformed plan, using fallback: %v", label.ID, msg.ID, err)
	default:
		logger.Warn("[Orchestrator.plan] label=%d message=%d planner unavailable, using fallback: %v", label.ID, msg.ID, err)
	}

	configured := label.Actions
	if len(configured) == 0 {
		configured = available
	}
	steps := make([]out.PlannedAction, 0, len(configured))
	for _, a := range configured {
		steps = append(steps, out.PlannedAction{ToolName: a.EffectiveToolName(), Reason: FallbackReason})
	}
	return steps, "AI unavailable, using fallback", true
}

func (o *Orchestrator) execute(ctx context.Context, account *domain.Account, msg *domain.Message, label *domain.Label,
	byTool map[string]*domain.Action, step out.PlannedAction, shared map[string]any) StepResult {
	sr := StepResult{ToolName: step.ToolName, Reason: step.Reason}

	action, ok := byTool[step.ToolName]
	if !ok {
		logger.Warn("[Orchestrator.execute] label=%d message=%d unknown tool %q", label.ID, msg.ID, step.ToolName)
		sr.Message = fmt.Sprintf("%v: %s", domain.ErrUnknownAction, step.ToolName)
		return sr
	}
	sr.ActionID = action.ID

	result := o.registry.Execute(ctx, &tools.Request{
		Account: account,
		Message: msg,
		Label:   label,
		Action:  action,
		Reason:  step.Reason,
		Context: shared,
	})
	sr.Success = result.Success
	sr.Message = result.Message
	sr.Data = result.Data

	if !result.Success {
		logger.Warn("[Orchestrator.execute] label=%d message=%d action=%s failed: %s",
			label.ID, msg.ID, action.Function, result.Message)
		return sr
	}
	for k, v := range result.Data {
		shared[k] = v
	}
	return sr
}

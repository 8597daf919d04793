package tools

import (
	"context"
	"fmt"
	"strings"

	"mailflow/core/domain"
)

// labelCandidates lists the names add_label and remove_label try, in order:
// a "label: X" line of the instructions, the whole instructions, then the
// label_name context value.
func labelCandidates(req *Request) []string {
	var names []string
	instructions := strings.TrimSpace(req.instructions())
	if idx := strings.Index(strings.ToLower(instructions), "label:"); idx >= 0 {
		rest := instructions[idx+len("label:"):]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[:nl]
		}
		if name := strings.Trim(strings.TrimSpace(rest), `"'.`); name != "" {
			names = append(names, name)
		}
	}
	if instructions != "" && !strings.Contains(instructions, "\n") {
		names = append(names, instructions)
	}
	if name := strings.TrimSpace(req.contextString("label_name")); name != "" {
		names = append(names, name)
	}
	return names
}

func (r *Registry) resolveLabel(ctx context.Context, req *Request) (*domain.Label, *Result) {
	if r.deps.Labels == nil {
		return nil, failure("label storage unavailable")
	}
	candidates := labelCandidates(req)
	if len(candidates) == 0 {
		return nil, failure("no label name given")
	}
	for _, name := range candidates {
		label, err := r.deps.Labels.FindByName(ctx, req.Message.AccountID, name)
		if err != nil {
			return nil, failure(fmt.Sprintf("find label %q: %v", name, err))
		}
		if label != nil {
			return label, nil
		}
	}
	return nil, failure(fmt.Sprintf("label %q not found", candidates[0]))
}

// addLabel applies a label and, when the application is new, hands it to the
// trigger so the label's own actions run.
func (r *Registry) addLabel(ctx context.Context, req *Request) *Result {
	label, res := r.resolveLabel(ctx, req)
	if res != nil {
		return res
	}
	_, created, err := r.deps.Labels.Apply(ctx, req.Message.ID, label.ID)
	if err != nil {
		return failure(fmt.Sprintf("apply label %q: %v", label.Name, err))
	}
	data := map[string]any{"added_label_id": label.ID, "applied_label": label.Name, "created": created}
	if !created {
		return success(fmt.Sprintf("Label %q already applied", label.Name), data)
	}
	if r.deps.Trigger != nil {
		r.deps.Trigger.Retrigger(ctx, label.ID, req.Message.ID)
	}
	return success(fmt.Sprintf("Label %q applied", label.Name), data)
}

func (r *Registry) removeLabel(ctx context.Context, req *Request) *Result {
	label, res := r.resolveLabel(ctx, req)
	if res != nil {
		return res
	}
	removed, err := r.deps.Labels.Unapply(ctx, req.Message.ID, label.ID)
	if err != nil {
		return failure(fmt.Sprintf("remove label %q: %v", label.Name, err))
	}
	data := map[string]any{"removed_label_id": label.ID, "removed": removed}
	if !removed {
		return success(fmt.Sprintf("Label %q was not applied", label.Name), data)
	}
	return success(fmt.Sprintf("Label %q removed", label.Name), data)
}

package agent

import (
	"fmt"
	"sort"
	"strings"

	"mailflow/core/agent/llm"
	"mailflow/core/domain"
)

const (
	maxOtherLabels    = 5
	promptBodyPreview = 1000
)

// planContext is everything the planner prompt is built from.
type planContext struct {
	Account      *domain.Account
	Label        *domain.Label
	OtherLabels  []*domain.Label
	LabelActions []*domain.Action
	Available    []*domain.Action
	Message      *domain.Message
}

// otherLabels keeps up to maxOtherLabels labels besides current, highest priority first.
func otherLabels(all []*domain.Label, current *domain.Label) []*domain.Label {
	others := make([]*domain.Label, 0, len(all))
	for _, l := range all {
		if l.ID != current.ID {
			others = append(others, l)
		}
	}
	sort.SliceStable(others, func(i, j int) bool {
		if others[i].Priority != others[j].Priority {
			return others[i].Priority > others[j].Priority
		}
		return others[i].Name < others[j].Name
	})
	if len(others) > maxOtherLabels {
		others = others[:maxOtherLabels]
	}
	return others
}

func buildSystemPrompt(pc *planContext) string {
	var sb strings.Builder

	sb.WriteString("You decide which automation actions to run for an email that just received a label.\n")
	sb.WriteString("Pick only actions from the catalog below and order them as they should run.\n\n")

	fmt.Fprintf(&sb, "CURRENT LABEL: %s (Priority: %d)\n\n", pc.Label.Name, pc.Label.Priority)
	if pc.Label.Prompt != "" {
		fmt.Fprintf(&sb, "WHEN THIS LABEL APPLIES:\n%s\n\n", pc.Label.Prompt)
	}
	if pc.Label.Instructions != "" {
		fmt.Fprintf(&sb, "WHAT TO DO:\n%s\n\n", pc.Label.Instructions)
	}

	if len(pc.OtherLabels) > 0 {
		sb.WriteString("OTHER ACTIVE LABELS:\n")
		for _, l := range pc.OtherLabels {
			fmt.Fprintf(&sb, "**%s** (Priority: %d)\n", l.Name, l.Priority)
			if l.Prompt != "" {
				fmt.Fprintf(&sb, "  When: %s\n", l.Prompt)
			}
			if l.Instructions != "" {
				fmt.Fprintf(&sb, "  Instructions: %s\n", l.Instructions)
			}
		}
		sb.WriteString("\n")
	}

	if len(pc.LabelActions) > 0 {
		sb.WriteString("LABEL-LINKED ACTIONS:\n")
		for _, a := range pc.LabelActions {
			fmt.Fprintf(&sb, "- %s\n", a.EffectiveToolName())
		}
		sb.WriteString("\n")
	}

	sb.WriteString("ALL AVAILABLE ACTIONS:\n")
	for _, a := range pc.Available {
		fmt.Fprintf(&sb, "- **%s**: %s\n", a.EffectiveToolName(), a.Description())
		if a.Instructions != "" && a.Instructions != a.Description() {
			fmt.Fprintf(&sb, "  Instructions: %s\n", a.Instructions)
		}
	}
	sb.WriteString("\n")

	if pc.Account != nil && strings.TrimSpace(pc.Account.WritingStyle) != "" {
		fmt.Fprintf(&sb, "Writing Style:\n%s\n\n", strings.TrimSpace(pc.Account.WritingStyle))
	}

	sb.WriteString(`Respond with JSON only:
{"reasoning": "why these actions", "actions": [{"tool_name": "name from the catalog", "reason": "why"}]}
Return an empty actions list when nothing should run.`)
	return sb.String()
}

func buildUserPrompt(msg *domain.Message) string {
	subject := msg.Subject
	if subject == "" {
		subject = domain.NoSubject
	}
	to := "N/A"
	if len(msg.To) > 0 {
		to = strings.Join(msg.To, ", ")
	}
	body := llm.HTMLToText(msg.BodyHTML)
	if body == "" {
		body = strings.TrimSpace(msg.BodyText)
	}
	if r := []rune(body); len(r) > promptBodyPreview {
		body = string(r[:promptBodyPreview]) + "..."
	}

	return fmt.Sprintf("Subject: %s\nFrom: %s (%s)\nTo: %s\n\nBody preview:\n%s",
		subject, msg.FromName, msg.FromAddress, to, body)
}

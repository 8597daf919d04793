package llm

import (
	"context"
	"fmt"
	"strings"
)

const draftSystemPrompt = "You respond as a polite, concise operations assistant. Reply with the email body only, as simple HTML paragraphs."

// Drafter implements out.Drafter.
type Drafter struct {
	client *Client
}

func NewDrafter(client *Client) *Drafter {
	return &Drafter{client: client}
}

// Draft composes a reply body from instructions and the email context.
func (d *Drafter) Draft(ctx context.Context, instructions, contextText string) (string, error) {
	body, err := d.client.CompleteWithSystem(ctx, draftSystemPrompt,
		fmt.Sprintf("%s\n\nContext:\n%s", instructions, contextText))
	if err != nil {
		return "", err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", fmt.Errorf("%w: empty draft", ErrUnavailable)
	}
	return body, nil
}

package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/logger"
)

// =============================================================================
// Replies
// =============================================================================

var errDraftingUnavailable = errors.New("drafting unavailable")

func (r *Registry) composeReply(ctx context.Context, req *Request) (string, error) {
	if r.deps.Drafter == nil {
		return "", errDraftingUnavailable
	}
	body, err := r.deps.Drafter.Draft(ctx, replyInstructions(req), messageContext(req.Message))
	if err != nil {
		return "", err
	}
	if sig := strings.TrimSpace(req.Account.SignatureHTML); sig != "" {
		body += "\n<br>" + sig
	}
	return body, nil
}

// draftReply stores a generated reply locally and, when the account is
// connected, mirrors it as a provider draft.
func (r *Registry) draftReply(ctx context.Context, req *Request) *Result {
	msg := req.Message
	body, err := r.composeReply(ctx, req)
	if err != nil {
		return failure(fmt.Sprintf("draft generation failed: %v", err))
	}

	messageID := msg.ID
	draft := &domain.Draft{
		AccountID: req.Account.ID,
		MessageID: &messageID,
		To:        []string{msg.FromAddress},
		Subject:   replySubject(msg),
		BodyHTML:  body,
	}

	if conn, res := r.connect(ctx, req); res == nil {
		pd, err := conn.adapter.CreateDraft(ctx, conn.token, &out.ProviderOutgoingMessage{
			From:     out.ProviderEmailAddress{Email: req.Account.Email},
			To:       sender(msg),
			Subject:  draft.Subject,
			Body:     body,
			IsHTML:   true,
			ThreadID: threadRef(msg),
		})
		if err != nil {
			r.invalidateOnAuth(req, err)
			logger.Warn("[Registry.draftReply] account=%d message=%d provider draft failed, keeping local draft: %v",
				req.Account.ID, msg.ID, err)
		} else {
			draft.ExternalDraftID = pd.ExternalID
		}
	}

	if r.deps.Drafts == nil {
		return failure("draft storage unavailable")
	}
	if err := r.deps.Drafts.Create(ctx, draft); err != nil {
		return failure(fmt.Sprintf("save draft: %v", err))
	}

	data := map[string]any{"draft_id": draft.ID, "draft_body": body}
	if draft.ExternalDraftID != "" {
		data["external_draft_id"] = draft.ExternalDraftID
	}
	return success(fmt.Sprintf("Draft reply created for %s", msg.FromAddress), data)
}

// sendReply sends immediately, reusing a body drafted earlier in the same run.
func (r *Registry) sendReply(ctx context.Context, req *Request) *Result {
	conn, res := r.connect(ctx, req)
	if res != nil {
		return res
	}
	msg := req.Message

	body := req.contextString("draft_body")
	if body == "" {
		var err error
		if body, err = r.composeReply(ctx, req); err != nil {
			return failure(fmt.Sprintf("reply generation failed: %v", err))
		}
	}

	sent, err := conn.adapter.Send(ctx, conn.token, &out.ProviderOutgoingMessage{
		From:     out.ProviderEmailAddress{Email: req.Account.Email},
		To:       sender(msg),
		Subject:  replySubject(msg),
		Body:     body,
		IsHTML:   true,
		ThreadID: threadRef(msg),
	})
	if err != nil {
		return r.providerFailed(req, "sendReply", err)
	}
	return success(fmt.Sprintf("Reply sent to %s", msg.FromAddress), map[string]any{"sent_message_id": sent.ExternalID})
}

// =============================================================================
// Forwarding
// =============================================================================

func (r *Registry) forwardEmail(ctx context.Context, req *Request) *Result {
	recipients := forwardRecipients(req)
	if len(recipients) == 0 {
		return failure("no forward recipients configured")
	}
	conn, res := r.connect(ctx, req)
	if res != nil {
		return res
	}
	msg := req.Message

	to := make([]out.ProviderEmailAddress, 0, len(recipients))
	for _, addr := range recipients {
		to = append(to, out.ProviderEmailAddress{Email: addr})
	}
	body := msg.BodyHTML
	if body == "" {
		body = msg.BodyText
	}
	sent, err := conn.adapter.Send(ctx, conn.token, &out.ProviderOutgoingMessage{
		From:    out.ProviderEmailAddress{Email: req.Account.Email},
		To:      to,
		Subject: "Fwd: " + msg.Subject,
		Body: fmt.Sprintf("---------- Forwarded message ----------<br>From: %s &lt;%s&gt;<br>Subject: %s<br><br>%s",
			msg.FromName, msg.FromAddress, msg.Subject, body),
		IsHTML: true,
	})
	if err != nil {
		return r.providerFailed(req, "forwardEmail", err)
	}
	return success(fmt.Sprintf("Forwarded to %s", strings.Join(recipients, ", ")), map[string]any{
		"forwarded_to":    recipients,
		"sent_message_id": sent.ExternalID,
	})
}

// forwardRecipients reads "to: a@x, b@y" from the instructions, else the
// forward_to context value.
func forwardRecipients(req *Request) []string {
	if addrs := parseRecipients(req.instructions()); len(addrs) > 0 {
		return addrs
	}
	switch v := req.Context["forward_to"].(type) {
	case string:
		return splitAddresses(v)
	case []string:
		return splitAddresses(strings.Join(v, ","))
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return splitAddresses(strings.Join(parts, ","))
	}
	return nil
}

func parseRecipients(instructions string) []string {
	lower := strings.ToLower(instructions)
	idx := strings.Index(lower, "to:")
	if idx < 0 {
		return nil
	}
	rest := instructions[idx+len("to:"):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return splitAddresses(rest)
}

func splitAddresses(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	var addrs []string
	for _, f := range fields {
		f = strings.Trim(f, "<>.")
		if strings.Contains(f, "@") {
			addrs = append(addrs, f)
		}
	}
	return addrs
}

// =============================================================================
// Mailbox state
// =============================================================================

func (r *Registry) archiveEmail(ctx context.Context, req *Request) *Result {
	conn, res := r.connect(ctx, req)
	if res != nil {
		return res
	}
	if err := conn.adapter.Archive(ctx, conn.token, req.Message.ExternalMessageID); err != nil {
		return r.providerFailed(req, "archiveEmail", err)
	}
	return success("Email archived", nil)
}

func (r *Registry) markAsSpam(ctx context.Context, req *Request) *Result {
	conn, res := r.connect(ctx, req)
	if res != nil {
		return res
	}
	if err := conn.adapter.MarkAsSpam(ctx, conn.token, req.Message.ExternalMessageID); err != nil {
		return r.providerFailed(req, "markAsSpam", err)
	}
	return success("Email marked as spam", nil)
}

// deleteEmail trashes the message at the provider, then removes the local copy.
func (r *Registry) deleteEmail(ctx context.Context, req *Request) *Result {
	conn, res := r.connect(ctx, req)
	if res != nil {
		return res
	}
	if err := conn.adapter.Delete(ctx, conn.token, req.Message.ExternalMessageID); err != nil {
		return r.providerFailed(req, "deleteEmail", err)
	}
	if r.deps.Emails != nil {
		if err := r.deps.Emails.DeleteMessage(ctx, req.Message.ID); err != nil {
			return failure(fmt.Sprintf("deleted at provider, local delete failed: %v", err))
		}
	}
	return success("Email deleted", nil)
}

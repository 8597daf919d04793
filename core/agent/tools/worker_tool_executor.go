package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/logger"

	"golang.org/x/oauth2"
)

// connection is a provider adapter with a credential valid for this run.
type connection struct {
	adapter out.EmailProviderPort
	token   *oauth2.Token
}

// connect resolves the provider adapter of the request account. A non-nil
// Result means the action cannot reach the provider.
func (r *Registry) connect(ctx context.Context, req *Request) (*connection, *Result) {
	account := req.Account
	if !account.IsConnected || r.deps.Credentials == nil || r.deps.Providers == nil {
		return nil, failure("account not connected")
	}

	cred := r.deps.Credentials.GetValidCredential(ctx, account)
	if !cred.Usable() {
		return nil, failure(fmt.Sprintf("credential unavailable: %v", cred.Err))
	}

	adapter, err := r.deps.Providers.Get(account.Provider)
	if err != nil {
		return nil, failure(fmt.Sprintf("%v: %s", domain.ErrUnsupportedProvider, account.Provider))
	}
	return &connection{adapter: adapter, token: cred.Token}, nil
}

// invalidateOnAuth drops the cached credential when the provider rejected it.
func (r *Registry) invalidateOnAuth(req *Request, err error) {
	var perr *out.ProviderError
	if errors.As(err, &perr) && perr.IsAuth() && r.deps.Credentials != nil {
		r.deps.Credentials.Invalidate(req.Account.ID)
	}
}

func (r *Registry) providerFailed(req *Request, op string, err error) *Result {
	r.invalidateOnAuth(req, err)
	logger.Warn("[Registry.%s] account=%d message=%d: %v", op, req.Account.ID, req.Message.ID, err)
	return failure(fmt.Sprintf("%s failed: %v", op, err))
}

func replySubject(msg *domain.Message) string {
	subject := msg.Subject
	if subject == "" {
		subject = "your message"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// replyInstructions combines the action instructions with the account's writing style.
func replyInstructions(req *Request) string {
	instructions := req.instructions()
	if instructions == "" {
		instructions = req.Action.Name
	}
	if style := strings.TrimSpace(req.Account.WritingStyle); style != "" {
		instructions += "\n\nWriting style: " + style
	}
	return instructions
}

func messageContext(msg *domain.Message) string {
	body := msg.BodyHTML
	if body == "" {
		body = msg.BodyText
	}
	return fmt.Sprintf("Subject: %s\nFrom: %s\nBody:\n%s", msg.Subject, msg.Sender(), body)
}

func sender(msg *domain.Message) []out.ProviderEmailAddress {
	return []out.ProviderEmailAddress{{Name: msg.FromName, Email: msg.FromAddress}}
}

// threadRef returns the provider conversation id, empty for synthesized threads.
func threadRef(msg *domain.Message) string {
	if domain.IsSingletonThreadID(msg.ExternalThreadID) {
		return ""
	}
	return msg.ExternalThreadID
}

// Package provider implements mail provider adapters.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/logger"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	gmailMaxPageSize = 500
	gmailUser        = "me"
	// gmailFetchConcurrency limits parallel message fetches per page (API rate limits).
	gmailFetchConcurrency = 10
)

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailConfig configures the Gmail adapter.
type GmailConfig struct {
	Call CallConfig
	// ClientOptions are appended to every service (endpoint overrides in tests).
	ClientOptions []option.ClientOption
}

// GmailAdapter implements out.EmailProviderPort on the Gmail REST API.
// Tokens are supplied per call by the credential provider and never refreshed here.
type GmailAdapter struct {
	caller  *caller
	options []option.ClientOption
	now     func() time.Time
}

// NewGmailAdapter creates a Gmail adapter.
func NewGmailAdapter(cfg GmailConfig) *GmailAdapter {
	return &GmailAdapter{
		caller:  newCaller(string(domain.ProviderGmail), cfg.Call, classifyGoogleError),
		options: cfg.ClientOptions,
		now:     time.Now,
	}
}

// GetProviderType returns the provider type.
func (a *GmailAdapter) GetProviderType() domain.Provider {
	return domain.ProviderGmail
}

// MaxPageSize is the largest maxResults Gmail accepts for messages.list.
func (a *GmailAdapter) MaxPageSize() int {
	return gmailMaxPageSize
}

// =============================================================================
// Reading
// =============================================================================

// inboxQuery lists received inbox mail, optionally after a day (Gmail granularity).
func inboxQuery(since *time.Time) string {
	parts := []string{"-in:sent", "is:inbox", "-in:spam", "-in:trash"}
	if since != nil {
		parts = append(parts, "after:"+since.UTC().Format("2006/01/02"))
	}
	return strings.Join(parts, " ")
}

// ListInboxPage lists one page of inbox messages and fetches each in raw form.
func (a *GmailAdapter) ListInboxPage(ctx context.Context, token *oauth2.Token, req *out.InboxPageRequest) (*out.InboxPage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	size := req.PageSize
	if size <= 0 || size > gmailMaxPageSize {
		size = gmailMaxPageSize
	}

	var resp *gmail.ListMessagesResponse
	err = a.caller.do(ctx, "ListInboxPage", func(ctx context.Context) error {
		call := svc.Users.Messages.List(gmailUser).
			Q(inboxQuery(req.Since)).
			MaxResults(int64(size)).
			IncludeSpamTrash(false)
		if req.PageToken != "" {
			call = call.PageToken(req.PageToken)
		}
		var apiErr error
		resp, apiErr = call.Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, ref := range resp.Messages {
		ids = append(ids, ref.Id)
	}

	messages, failures, err := a.fetchRawParallel(ctx, svc, ids)
	if err != nil {
		return nil, err
	}

	return &out.InboxPage{
		Messages:      messages,
		Failures:      failures,
		NextPageToken: resp.NextPageToken,
	}, nil
}

// GetFullConversation returns every message of a Gmail thread, oldest first.
func (a *GmailAdapter) GetFullConversation(ctx context.Context, token *oauth2.Token, externalThreadID string) ([]*out.ProviderMailMessage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var thread *gmail.Thread
	err = a.caller.do(ctx, "GetFullConversation", func(ctx context.Context) error {
		var apiErr error
		thread, apiErr = svc.Users.Threads.Get(gmailUser, externalThreadID).Format("minimal").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		ids = append(ids, m.Id)
	}

	messages, failures, err := a.fetchRawParallel(ctx, svc, ids)
	if err != nil {
		return nil, err
	}
	for _, f := range failures {
		logger.Warn("[GmailAdapter.GetFullConversation] thread=%s skipping message: %v", externalThreadID, f)
	}
	return messages, nil
}

// fetchRawParallel fetches and parses messages with bounded concurrency, keeping order.
// Per-message failures are returned as ParseErrors; an auth failure aborts the batch.
func (a *GmailAdapter) fetchRawParallel(ctx context.Context, svc *gmail.Service, ids []string) ([]*out.ProviderMailMessage, []*domain.ParseError, error) {
	if len(ids) == 0 {
		return []*out.ProviderMailMessage{}, nil, nil
	}

	type result struct {
		msg *out.ProviderMailMessage
		err error
	}
	results := make([]result, len(ids))
	sem := make(chan struct{}, gmailFetchConcurrency)

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(idx int, id string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = result{err: ctx.Err()}
				return
			}
			msg, err := a.fetchRaw(ctx, svc, id)
			results[idx] = result{msg: msg, err: err}
		}(i, id)
	}
	wg.Wait()

	messages := make([]*out.ProviderMailMessage, 0, len(ids))
	var failures []*domain.ParseError
	for i, r := range results {
		if r.err == nil {
			messages = append(messages, r.msg)
			continue
		}
		if perr, ok := asProviderError(r.err); ok && perr.IsAuth() {
			return nil, nil, r.err
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		failures = append(failures, &domain.ParseError{ExternalID: ids[i], Err: r.err})
	}
	return messages, failures, nil
}

func (a *GmailAdapter) fetchRaw(ctx context.Context, svc *gmail.Service, id string) (*out.ProviderMailMessage, error) {
	var raw *gmail.Message
	err := a.caller.do(ctx, "GetMessage", func(ctx context.Context) error {
		var apiErr error
		raw, apiErr = svc.Users.Messages.Get(gmailUser, id).Format("raw").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	return convertRawMessage(raw)
}

// convertRawMessage decodes messages.get?format=raw into the provider-neutral form.
func convertRawMessage(m *gmail.Message) (*out.ProviderMailMessage, error) {
	data, err := decodeBase64URL(m.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw: %w", err)
	}
	msg, err := parseRawMessage(data)
	if err != nil {
		return nil, err
	}
	msg.ExternalID = m.Id
	msg.ExternalThreadID = m.ThreadId
	if msg.Date.IsZero() && m.InternalDate > 0 {
		msg.Date = time.UnixMilli(m.InternalDate).UTC()
	}
	return msg, nil
}

// decodeBase64URL accepts padded and unpadded URL-safe base64.
func decodeBase64URL(s string) ([]byte, error) {
	if data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return data, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// =============================================================================
// Sending
// =============================================================================

// Send sends a message, threaded when ThreadID is set.
func (a *GmailAdapter) Send(ctx context.Context, token *oauth2.Token, msg *out.ProviderOutgoingMessage) (*out.ProviderSendResult, error) {
	gmailMsg, err := a.outgoing(msg)
	if err != nil {
		return nil, err
	}
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var sent *gmail.Message
	err = a.caller.do(ctx, "Send", func(ctx context.Context) error {
		var apiErr error
		sent, apiErr = svc.Users.Messages.Send(gmailUser, gmailMsg).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}

	return &out.ProviderSendResult{
		ExternalID:       sent.Id,
		ExternalThreadID: sent.ThreadId,
		SentAt:           a.now(),
	}, nil
}

// CreateDraft creates a provider-side draft.
func (a *GmailAdapter) CreateDraft(ctx context.Context, token *oauth2.Token, msg *out.ProviderOutgoingMessage) (*out.ProviderDraftResult, error) {
	gmailMsg, err := a.outgoing(msg)
	if err != nil {
		return nil, err
	}
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var created *gmail.Draft
	err = a.caller.do(ctx, "CreateDraft", func(ctx context.Context) error {
		var apiErr error
		created, apiErr = svc.Users.Drafts.Create(gmailUser, &gmail.Draft{Message: gmailMsg}).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}

	return &out.ProviderDraftResult{ExternalID: created.Id}, nil
}

func (a *GmailAdapter) outgoing(msg *out.ProviderOutgoingMessage) (*gmail.Message, error) {
	raw, err := buildRawMessage(msg, a.now())
	if err != nil {
		return nil, out.NewProviderError(string(domain.ProviderGmail), out.ProviderErrInvalidInput, "invalid outgoing message", err, false)
	}
	return &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: msg.ThreadID,
	}, nil
}

// =============================================================================
// Modification
// =============================================================================

// MarkAsRead marks a message as read.
func (a *GmailAdapter) MarkAsRead(ctx context.Context, token *oauth2.Token, externalID string) error {
	return a.ModifyLabels(ctx, token, externalID, nil, []string{"UNREAD"})
}

// Archive removes a message from the inbox.
func (a *GmailAdapter) Archive(ctx context.Context, token *oauth2.Token, externalID string) error {
	return a.ModifyLabels(ctx, token, externalID, nil, []string{"INBOX"})
}

// MarkAsSpam moves a message to spam.
func (a *GmailAdapter) MarkAsSpam(ctx context.Context, token *oauth2.Token, externalID string) error {
	return a.ModifyLabels(ctx, token, externalID, []string{"SPAM"}, []string{"INBOX"})
}

// Delete moves a message to trash.
func (a *GmailAdapter) Delete(ctx context.Context, token *oauth2.Token, externalID string) error {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return err
	}
	return a.caller.do(ctx, "Delete", func(ctx context.Context) error {
		_, apiErr := svc.Users.Messages.Trash(gmailUser, externalID).Context(ctx).Do()
		return apiErr
	})
}

// ModifyLabels adds and removes Gmail label ids on a message.
func (a *GmailAdapter) ModifyLabels(ctx context.Context, token *oauth2.Token, externalID string, add, remove []string) error {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return err
	}

	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}
	return a.caller.do(ctx, "ModifyLabels", func(ctx context.Context) error {
		_, apiErr := svc.Users.Messages.Modify(gmailUser, externalID, req).Context(ctx).Do()
		return apiErr
	})
}

// =============================================================================
// Helpers
// =============================================================================

func (a *GmailAdapter) getService(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	if token == nil {
		return nil, out.NewProviderError(string(domain.ProviderGmail), out.ProviderErrAuth, "missing token", nil, false)
	}
	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}, a.options...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, out.NewProviderError(string(domain.ProviderGmail), out.ProviderErrServer, "create gmail service", err, false)
	}
	return svc, nil
}

// classifyGoogleError maps googleapi status codes to provider error codes.
func classifyGoogleError(err error, op string) *out.ProviderError {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return nil
	}

	provider := string(domain.ProviderGmail)
	switch {
	case apiErr.Code == 401:
		return out.NewProviderError(provider, out.ProviderErrTokenExpired, "token expired", err, false)
	case apiErr.Code == 403 && isGoogleRateLimit(apiErr):
		return out.NewProviderError(provider, out.ProviderErrRateLimit, "rate limit exceeded", err, true)
	case apiErr.Code == 403:
		return out.NewProviderError(provider, out.ProviderErrAuth, "access denied", err, false)
	case apiErr.Code == 404:
		return out.NewProviderError(provider, out.ProviderErrNotFound, op+": not found", err, false)
	case apiErr.Code == 429:
		return out.NewProviderError(provider, out.ProviderErrRateLimit, "too many requests", err, true)
	case apiErr.Code >= 500:
		return out.NewProviderError(provider, out.ProviderErrServer, "server error", err, true)
	case apiErr.Code >= 400:
		return out.NewProviderError(provider, out.ProviderErrInvalidInput, op+": bad request", err, false)
	}
	return nil
}

func isGoogleRateLimit(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return strings.Contains(apiErr.Message, "Rate Limit")
}

func asProviderError(err error) (*out.ProviderError, bool) {
	var perr *out.ProviderError
	ok := errors.As(err, &perr)
	return perr, ok
}

var _ out.EmailProviderPort = (*GmailAdapter)(nil)

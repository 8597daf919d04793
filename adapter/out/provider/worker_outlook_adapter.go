package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/logger"

	"golang.org/x/oauth2"
)

const (
	graphBaseURL       = "https://graph.microsoft.com/v1.0"
	outlookMaxPageSize = 100
	graphMessageSelect = "id,conversationId,internetMessageId,subject,body,from,toRecipients,ccRecipients,bccRecipients,receivedDateTime,sentDateTime,hasAttachments"
)

// =============================================================================
// Outlook Adapter
// =============================================================================

// OutlookConfig configures the Microsoft Graph adapter.
type OutlookConfig struct {
	Call       CallConfig
	BaseURL    string       // defaults to graphBaseURL
	HTTPClient *http.Client // defaults to http.DefaultClient
}

// OutlookAdapter implements out.EmailProviderPort on Microsoft Graph.
type OutlookAdapter struct {
	caller  *caller
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewOutlookAdapter creates an Outlook adapter.
func NewOutlookAdapter(cfg OutlookConfig) *OutlookAdapter {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = graphBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &OutlookAdapter{
		caller:  newCaller(string(domain.ProviderOutlook), cfg.Call, nil),
		baseURL: base,
		client:  client,
		now:     time.Now,
	}
}

// GetProviderType returns the provider type.
func (a *OutlookAdapter) GetProviderType() domain.Provider {
	return domain.ProviderOutlook
}

// MaxPageSize bounds $top for inbox listings.
func (a *OutlookAdapter) MaxPageSize() int {
	return outlookMaxPageSize
}

// =============================================================================
// Reading
// =============================================================================

// ListInboxPage lists one page of the inbox folder. The page token is the
// opaque @odata.nextLink returned by Graph.
func (a *OutlookAdapter) ListInboxPage(ctx context.Context, token *oauth2.Token, req *out.InboxPageRequest) (*out.InboxPage, error) {
	size := req.PageSize
	if size <= 0 || size > outlookMaxPageSize {
		size = outlookMaxPageSize
	}

	endpoint := req.PageToken
	if endpoint == "" {
		params := url.Values{}
		params.Set("$top", fmt.Sprintf("%d", size))
		params.Set("$orderby", "receivedDateTime desc")
		params.Set("$select", graphMessageSelect)
		if req.Since != nil {
			params.Set("$filter", "receivedDateTime ge "+req.Since.UTC().Format("2006-01-02T15:04:05Z"))
		}
		endpoint = a.baseURL + "/me/mailFolders/inbox/messages?" + params.Encode()
	} else if !strings.HasPrefix(endpoint, a.baseURL) {
		return nil, out.NewProviderError(string(domain.ProviderOutlook), out.ProviderErrInvalidInput, "foreign page token", nil, false)
	}

	var resp graphMessageList
	if err := a.caller.do(ctx, "ListInboxPage", func(ctx context.Context) error {
		return a.doJSON(ctx, token, http.MethodGet, endpoint, nil, &resp)
	}); err != nil {
		return nil, err
	}

	page := &out.InboxPage{
		Messages:      make([]*out.ProviderMailMessage, 0, len(resp.Value)),
		NextPageToken: resp.NextLink,
	}
	for i := range resp.Value {
		msg, err := a.complete(ctx, token, &resp.Value[i])
		if err != nil {
			if perr, ok := asProviderError(err); ok && perr.IsAuth() {
				return nil, err
			}
			page.Failures = append(page.Failures, &domain.ParseError{ExternalID: resp.Value[i].ID, Err: err})
			continue
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

// GetFullConversation returns every message with the conversation id, oldest first.
func (a *OutlookAdapter) GetFullConversation(ctx context.Context, token *oauth2.Token, externalThreadID string) ([]*out.ProviderMailMessage, error) {
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("conversationId eq '%s'", strings.ReplaceAll(externalThreadID, "'", "''")))
	params.Set("$select", graphMessageSelect)
	params.Set("$top", fmt.Sprintf("%d", outlookMaxPageSize))
	endpoint := a.baseURL + "/me/messages?" + params.Encode()

	var messages []*out.ProviderMailMessage
	for endpoint != "" {
		var resp graphMessageList
		if err := a.caller.do(ctx, "GetFullConversation", func(ctx context.Context) error {
			return a.doJSON(ctx, token, http.MethodGet, endpoint, nil, &resp)
		}); err != nil {
			return nil, err
		}
		for i := range resp.Value {
			msg, err := a.complete(ctx, token, &resp.Value[i])
			if err != nil {
				if perr, ok := asProviderError(err); ok && perr.IsAuth() {
					return nil, err
				}
				logger.Warn("[OutlookAdapter.GetFullConversation] thread=%s skipping message %s: %v",
					externalThreadID, resp.Value[i].ID, err)
				continue
			}
			messages = append(messages, msg)
		}
		endpoint = resp.NextLink
	}

	sort.SliceStable(messages, func(i, j int) bool { return messages[i].Date.Before(messages[j].Date) })
	return messages, nil
}

// complete converts a Graph message and loads its attachment metadata.
func (a *OutlookAdapter) complete(ctx context.Context, token *oauth2.Token, gm *graphMessage) (*out.ProviderMailMessage, error) {
	msg := convertGraphMessage(gm)
	if !gm.HasAttachments {
		return msg, nil
	}
	attachments, err := a.listAttachments(ctx, token, gm.ID)
	if err != nil {
		return nil, err
	}
	msg.Attachments = attachments
	return msg, nil
}

func (a *OutlookAdapter) listAttachments(ctx context.Context, token *oauth2.Token, messageID string) ([]out.ProviderMailAttachment, error) {
	var resp struct {
		Value []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			ContentType string `json:"contentType"`
			Size        int64  `json:"size"`
			ContentID   string `json:"contentId"`
			IsInline    bool   `json:"isInline"`
		} `json:"value"`
	}

	endpoint := a.baseURL + "/me/messages/" + url.PathEscape(messageID) + "/attachments?$select=id,name,contentType,size,contentId,isInline"
	if err := a.caller.do(ctx, "ListAttachments", func(ctx context.Context) error {
		return a.doJSON(ctx, token, http.MethodGet, endpoint, nil, &resp)
	}); err != nil {
		return nil, err
	}

	attachments := make([]out.ProviderMailAttachment, 0, len(resp.Value))
	for _, att := range resp.Value {
		attachments = append(attachments, out.ProviderMailAttachment{
			ID:        att.ID,
			Filename:  att.Name,
			MimeType:  att.ContentType,
			Size:      att.Size,
			ContentID: att.ContentID,
			IsInline:  att.IsInline,
		})
	}
	return attachments, nil
}

// =============================================================================
// Sending
// =============================================================================

// Send sends a message through /me/sendMail. Graph returns no id for it.
func (a *OutlookAdapter) Send(ctx context.Context, token *oauth2.Token, msg *out.ProviderOutgoingMessage) (*out.ProviderSendResult, error) {
	body := map[string]interface{}{
		"message":         buildGraphMessage(msg),
		"saveToSentItems": true,
	}
	if err := a.caller.do(ctx, "Send", func(ctx context.Context) error {
		return a.doJSON(ctx, token, http.MethodPost, a.baseURL+"/me/sendMail", body, nil)
	}); err != nil {
		return nil, err
	}
	return &out.ProviderSendResult{ExternalThreadID: msg.ThreadID, SentAt: a.now()}, nil
}

// CreateDraft stores a draft in the Drafts folder.
func (a *OutlookAdapter) CreateDraft(ctx context.Context, token *oauth2.Token, msg *out.ProviderOutgoingMessage) (*out.ProviderDraftResult, error) {
	var created graphMessage
	if err := a.caller.do(ctx, "CreateDraft", func(ctx context.Context) error {
		return a.doJSON(ctx, token, http.MethodPost, a.baseURL+"/me/messages", buildGraphMessage(msg), &created)
	}); err != nil {
		return nil, err
	}
	return &out.ProviderDraftResult{ExternalID: created.ID}, nil
}

// =============================================================================
// Modification
// =============================================================================

// MarkAsRead marks a message as read.
func (a *OutlookAdapter) MarkAsRead(ctx context.Context, token *oauth2.Token, externalID string) error {
	return a.caller.do(ctx, "MarkAsRead", func(ctx context.Context) error {
		return a.doJSON(ctx, token, http.MethodPatch, a.messageURL(externalID), map[string]bool{"isRead": true}, nil)
	})
}

// Archive moves a message to the Archive folder.
func (a *OutlookAdapter) Archive(ctx context.Context, token *oauth2.Token, externalID string) error {
	return a.move(ctx, token, externalID, "archive")
}

// MarkAsSpam moves a message to Junk Email.
func (a *OutlookAdapter) MarkAsSpam(ctx context.Context, token *oauth2.Token, externalID string) error {
	return a.move(ctx, token, externalID, "junkemail")
}

// Delete moves a message to Deleted Items.
func (a *OutlookAdapter) Delete(ctx context.Context, token *oauth2.Token, externalID string) error {
	return a.move(ctx, token, externalID, "deleteditems")
}

// ModifyLabels edits Outlook categories, which stand in for labels.
func (a *OutlookAdapter) ModifyLabels(ctx context.Context, token *oauth2.Token, externalID string, add, remove []string) error {
	var current struct {
		Categories []string `json:"categories"`
	}
	if err := a.caller.do(ctx, "GetCategories", func(ctx context.Context) error {
		return a.doJSON(ctx, token, http.MethodGet, a.messageURL(externalID)+"?$select=categories", nil, &current)
	}); err != nil {
		return err
	}

	categories := mergeCategories(current.Categories, add, remove)
	return a.caller.do(ctx, "ModifyLabels", func(ctx context.Context) error {
		return a.doJSON(ctx, token, http.MethodPatch, a.messageURL(externalID), map[string][]string{"categories": categories}, nil)
	})
}

func mergeCategories(current, add, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, r := range remove {
		drop[strings.ToLower(r)] = true
	}
	seen := make(map[string]bool)
	result := []string{}
	for _, c := range append(append([]string{}, current...), add...) {
		key := strings.ToLower(c)
		if c == "" || drop[key] || seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, c)
	}
	return result
}

func (a *OutlookAdapter) move(ctx context.Context, token *oauth2.Token, externalID, folder string) error {
	return a.caller.do(ctx, "Move", func(ctx context.Context) error {
		return a.doJSON(ctx, token, http.MethodPost, a.messageURL(externalID)+"/move",
			map[string]string{"destinationId": folder}, nil)
	})
}

// =============================================================================
// HTTP helpers
// =============================================================================

func (a *OutlookAdapter) messageURL(externalID string) string {
	return a.baseURL + "/me/messages/" + url.PathEscape(externalID)
}

// doJSON sends one Graph request; statuses >= 400 become ProviderErrors.
func (a *OutlookAdapter) doJSON(ctx context.Context, token *oauth2.Token, method, endpoint string, body, result interface{}) error {
	if token == nil {
		return out.NewProviderError(string(domain.ProviderOutlook), out.ProviderErrAuth, "missing token", nil, false)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return out.NewProviderError(string(domain.ProviderOutlook), out.ProviderErrInvalidInput, "encode request", err, false)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return out.NewProviderError(string(domain.ProviderOutlook), out.ProviderErrInvalidInput, "build request", err, false)
	}
	token.SetAuthHeader(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return wrapGraphStatus(resp.StatusCode, string(respBody))
	}
	if result == nil || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusAccepted {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return out.NewProviderError(string(domain.ProviderOutlook), out.ProviderErrServer, "decode response", err, false)
	}
	return nil
}

func wrapGraphStatus(statusCode int, body string) error {
	provider := string(domain.ProviderOutlook)
	switch {
	case statusCode == 401:
		return out.NewProviderError(provider, out.ProviderErrTokenExpired, "token expired", nil, false)
	case statusCode == 403:
		return out.NewProviderError(provider, out.ProviderErrAuth, "access denied", nil, false)
	case statusCode == 404:
		return out.NewProviderError(provider, out.ProviderErrNotFound, "not found", nil, false)
	case statusCode == 429:
		return out.NewProviderError(provider, out.ProviderErrRateLimit, "too many requests", nil, true)
	case statusCode >= 500:
		return out.NewProviderError(provider, out.ProviderErrServer, fmt.Sprintf("HTTP %d: %s", statusCode, body), nil, true)
	default:
		return out.NewProviderError(provider, out.ProviderErrInvalidInput, fmt.Sprintf("HTTP %d: %s", statusCode, body), nil, false)
	}
}

// =============================================================================
// Conversion
// =============================================================================

func convertGraphMessage(gm *graphMessage) *out.ProviderMailMessage {
	msg := &out.ProviderMailMessage{
		ExternalID:       gm.ID,
		ExternalThreadID: gm.ConversationID,
		MessageID:        gm.InternetMessageID,
		Subject:          strings.TrimSpace(gm.Subject),
		From:             gm.From.address(),
		To:               graphAddresses(gm.ToRecipients),
		CC:               graphAddresses(gm.CcRecipients),
		BCC:              graphAddresses(gm.BccRecipients),
	}

	if strings.EqualFold(gm.Body.ContentType, "html") {
		msg.BodyHTML = gm.Body.Content
	} else {
		msg.BodyText = gm.Body.Content
		msg.BodyHTML = htmlBody("", gm.Body.Content)
	}

	stamp := gm.SentDateTime
	if stamp == "" {
		stamp = gm.ReceivedDateTime
	}
	if t, err := time.Parse(time.RFC3339, stamp); err == nil {
		msg.Date = t.UTC()
	}
	return msg
}

func graphAddresses(list []graphRecipient) []out.ProviderEmailAddress {
	addrs := make([]out.ProviderEmailAddress, 0, len(list))
	for _, r := range list {
		if a := r.address(); a.Email != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

func buildGraphMessage(msg *out.ProviderOutgoingMessage) map[string]interface{} {
	contentType := "html"
	if !msg.IsHTML {
		contentType = "text"
	}

	result := map[string]interface{}{
		"subject": msg.Subject,
		"body": map[string]string{
			"contentType": contentType,
			"content":     msg.Body,
		},
		"toRecipients": graphRecipients(msg.To),
	}
	if len(msg.CC) > 0 {
		result["ccRecipients"] = graphRecipients(msg.CC)
	}
	return result
}

func graphRecipients(list []out.ProviderEmailAddress) []graphRecipient {
	recipients := make([]graphRecipient, 0, len(list))
	for _, a := range list {
		recipients = append(recipients, graphRecipient{EmailAddress: graphEmailAddress{Name: a.Name, Address: a.Email}})
	}
	return recipients
}

// Graph API types

type graphMessageList struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

type graphMessage struct {
	ID                string           `json:"id"`
	ConversationID    string           `json:"conversationId"`
	InternetMessageID string           `json:"internetMessageId"`
	Subject           string           `json:"subject"`
	Body              graphBody        `json:"body"`
	From              graphRecipient   `json:"from"`
	ToRecipients      []graphRecipient `json:"toRecipients"`
	CcRecipients      []graphRecipient `json:"ccRecipients"`
	BccRecipients     []graphRecipient `json:"bccRecipients"`
	HasAttachments    bool             `json:"hasAttachments"`
	ReceivedDateTime  string           `json:"receivedDateTime"`
	SentDateTime      string           `json:"sentDateTime"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

func (r graphRecipient) address() out.ProviderEmailAddress {
	return out.ProviderEmailAddress{
		Name:  r.EmailAddress.Name,
		Email: strings.ToLower(strings.TrimSpace(r.EmailAddress.Address)),
	}
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

var _ out.EmailProviderPort = (*OutlookAdapter)(nil)

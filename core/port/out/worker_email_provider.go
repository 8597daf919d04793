// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"time"

	"mailflow/core/domain"

	"golang.org/x/oauth2"
)

// =============================================================================
// Mail Provider Port (Gmail, Outlook)
// =============================================================================

// EmailProviderPort is the Provider Adapter: one implementation per mailbox provider.
// Pagination, per-request retry and backoff live in the implementation.
type EmailProviderPort interface {
	GetProviderType() domain.Provider
	MaxPageSize() int

	MailMessageReader
	MailMessageSender
	MailMessageModifier
}

// MailMessageReader handles reading messages.
type MailMessageReader interface {
	// ListInboxPage lists one page of inbox messages (no trash, no spam) and fetches each.
	// Messages that fail to fetch or parse are reported in InboxPage.Failures.
	ListInboxPage(ctx context.Context, token *oauth2.Token, req *InboxPageRequest) (*InboxPage, error)
	GetFullConversation(ctx context.Context, token *oauth2.Token, externalThreadID string) ([]*ProviderMailMessage, error)
}

// MailMessageSender handles outgoing mail.
type MailMessageSender interface {
	Send(ctx context.Context, token *oauth2.Token, msg *ProviderOutgoingMessage) (*ProviderSendResult, error)
	CreateDraft(ctx context.Context, token *oauth2.Token, msg *ProviderOutgoingMessage) (*ProviderDraftResult, error)
}

// MailMessageModifier changes provider-side message state.
type MailMessageModifier interface {
	MarkAsRead(ctx context.Context, token *oauth2.Token, externalID string) error
	Archive(ctx context.Context, token *oauth2.Token, externalID string) error
	MarkAsSpam(ctx context.Context, token *oauth2.Token, externalID string) error
	Delete(ctx context.Context, token *oauth2.Token, externalID string) error
	ModifyLabels(ctx context.Context, token *oauth2.Token, externalID string, add, remove []string) error
}

// EmailProviderRegistry resolves the adapter for a provider.
type EmailProviderRegistry interface {
	Get(provider domain.Provider) (EmailProviderPort, error)
}

// =============================================================================
// Provider Types
// =============================================================================

// InboxPageRequest represents one page request.
type InboxPageRequest struct {
	Since     *time.Time
	PageToken string
	PageSize  int
}

// InboxPage represents one page of fetched inbox messages.
type InboxPage struct {
	Messages      []*ProviderMailMessage
	Failures      []*domain.ParseError
	NextPageToken string
}

// ProviderMailMessage represents a mail message from provider.
type ProviderMailMessage struct {
	ExternalID       string
	ExternalThreadID string
	MessageID        string
	InReplyTo        string
	References       string

	Subject string
	From    ProviderEmailAddress
	To      []ProviderEmailAddress
	CC      []ProviderEmailAddress
	BCC     []ProviderEmailAddress
	Date    time.Time

	BodyHTML    string
	BodyText    string
	Attachments []ProviderMailAttachment
}

// ProviderEmailAddress represents an email address.
type ProviderEmailAddress struct {
	Name  string
	Email string
}

// ProviderMailAttachment represents an attachment.
type ProviderMailAttachment struct {
	ID        string
	Filename  string
	MimeType  string
	Size      int64
	ContentID string
	IsInline  bool
}

// ProviderOutgoingMessage represents outgoing message.
type ProviderOutgoingMessage struct {
	From    ProviderEmailAddress
	To      []ProviderEmailAddress
	CC      []ProviderEmailAddress
	Subject string
	Body    string
	IsHTML  bool

	InReplyTo  string
	References string
	ThreadID   string
}

// ProviderSendResult represents send result.
type ProviderSendResult struct {
	ExternalID       string
	ExternalThreadID string
	SentAt           time.Time
}

// ProviderDraftResult represents draft result.
type ProviderDraftResult struct {
	ExternalID string
}

// Addresses returns the bare addresses of a list.
func Addresses(list []ProviderEmailAddress) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Email != "" {
			out = append(out, a.Email)
		}
	}
	return out
}

// =============================================================================
// Provider Error
// =============================================================================

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsAuth reports whether the error means the credential is unusable.
func (e *ProviderError) IsAuth() bool {
	return e.Code == ProviderErrAuth || e.Code == ProviderErrTokenExpired
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

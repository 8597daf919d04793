package domain

import (
	"strings"
	"time"
)

// Provider identifies the mailbox provider behind an account.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// Account is a connected mailbox identity.
type Account struct {
	ID            int64      `json:"id"`
	Provider      Provider   `json:"provider"`
	Email         string     `json:"email"`
	SignatureHTML string     `json:"signature_html,omitempty"`
	WritingStyle  string     `json:"writing_style,omitempty"`
	IsConnected   bool       `json:"is_connected"`
	SyncEnabled   bool       `json:"sync_enabled"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CanSync reports whether background sync should run for this account.
func (a *Account) CanSync() bool {
	return a != nil && a.IsConnected && a.SyncEnabled
}

// IsOwnAddress reports whether addr belongs to this account (case-insensitive).
func (a *Account) IsOwnAddress(addr string) bool {
	return a != nil && addr != "" && strings.EqualFold(strings.TrimSpace(addr), strings.TrimSpace(a.Email))
}

// OAuthToken is the stored OAuth credential of an account.
type OAuthToken struct {
	AccountID    int64     `json:"account_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ScopeList parses a comma separated scope column.
func ScopeList(raw string) []string {
	var scopes []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

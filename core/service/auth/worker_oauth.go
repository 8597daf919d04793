package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/logger"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// =============================================================================
// CredentialService - per-account OAuth credentials
// =============================================================================

// refreshWindow refreshes tokens that expire within this window.
const refreshWindow = 5 * time.Minute

// Scopes the mail pipeline needs per provider.
var (
	GmailScopes = []string{
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/gmail.modify",
	}
	OutlookScopes = []string{
		"Mail.Read",
		"Mail.ReadWrite",
		"Mail.Send",
		"offline_access",
	}
)

// ErrTokenExpired indicates that the refresh token was revoked and the account needs re-authentication.
var ErrTokenExpired = errors.New("oauth token expired, re-authentication required")

type OAuthConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenant       string
}

type CredentialService struct {
	accounts out.AccountRepository
	configs  map[domain.Provider]*oauth2.Config

	mu    sync.Mutex
	cache map[int64]*oauth2.Token

	refresh func(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token) (*oauth2.Token, error)
	now     func() time.Time
}

func NewCredentialService(accounts out.AccountRepository, cfg OAuthConfig) *CredentialService {
	configs := make(map[domain.Provider]*oauth2.Config)
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		configs[domain.ProviderGmail] = &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			Scopes:       GmailScopes,
			Endpoint:     google.Endpoint,
		}
	}
	if cfg.MicrosoftClientID != "" && cfg.MicrosoftClientSecret != "" {
		tenant := cfg.MicrosoftTenant
		if tenant == "" {
			tenant = "common"
		}
		configs[domain.ProviderOutlook] = &oauth2.Config{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			RedirectURL:  cfg.MicrosoftRedirectURL,
			Scopes:       OutlookScopes,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
		}
	}

	return &CredentialService{
		accounts: accounts,
		configs:  configs,
		cache:    make(map[int64]*oauth2.Token),
		refresh:  refreshToken,
		now:      time.Now,
	}
}

func refreshToken(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token) (*oauth2.Token, error) {
	return cfg.TokenSource(ctx, tok).Token()
}

// GetValidCredential returns a usable token, refreshing and persisting it when
// it is about to expire. A revoked refresh token disconnects the account.
func (s *CredentialService) GetValidCredential(ctx context.Context, account *domain.Account) domain.CredentialResult {
	if account == nil || !account.IsConnected {
		return failure(domain.ErrNotConnected)
	}

	if tok := s.cached(account.ID); tok != nil {
		return domain.CredentialResult{Status: domain.CredentialOK, Token: tok}
	}

	stored, err := s.accounts.GetToken(ctx, account.ID)
	if err != nil {
		return failure(fmt.Errorf("load token: %w", err))
	}
	if stored == nil || stored.AccessToken == "" {
		return failure(domain.ErrNotConnected)
	}

	tok := &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		TokenType:    stored.TokenType,
		Expiry:       stored.ExpiresAt,
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	granted := stored.Scopes

	if s.expiresSoon(tok) {
		if tok.RefreshToken == "" {
			logger.Warn("[CredentialService.GetValidCredential] account=%d token expired without refresh token", account.ID)
			return failure(domain.ErrNotConnected)
		}

		refreshed, err := s.refreshAndStore(ctx, account, tok)
		if err != nil {
			return failure(err)
		}
		tok = refreshed
		if scopes := grantedScopes(refreshed); len(scopes) > 0 {
			granted = scopes
		}
	}

	s.store(account.ID, tok)

	required := s.requiredScopes(account.Provider)
	missing, extra := diffScopes(required, granted)
	if len(granted) > 0 && (len(missing) > 0 || len(extra) > 0) {
		return domain.CredentialResult{
			Status:        domain.CredentialScopeWarning,
			Token:         tok,
			MissingScopes: missing,
			ExtraScopes:   extra,
		}
	}
	return domain.CredentialResult{Status: domain.CredentialOK, Token: tok}
}

// Invalidate drops the cached token of an account.
func (s *CredentialService) Invalidate(accountID int64) {
	s.mu.Lock()
	delete(s.cache, accountID)
	s.mu.Unlock()
}

func (s *CredentialService) refreshAndStore(ctx context.Context, account *domain.Account, tok *oauth2.Token) (*oauth2.Token, error) {
	cfg, ok := s.configs[account.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: no oauth config for %s", domain.ErrUnsupportedProvider, account.Provider)
	}

	refreshed, err := s.refresh(ctx, cfg, tok)
	if err != nil {
		if isTokenExpiredError(err) {
			logger.Warn("[CredentialService.refreshAndStore] account=%d refresh token invalid, disconnecting: %v", account.ID, err)
			s.Invalidate(account.ID)
			if derr := s.accounts.Disconnect(ctx, account.ID); derr != nil {
				logger.Error("[CredentialService.refreshAndStore] account=%d failed to disconnect: %v", account.ID, derr)
			}
			account.IsConnected = false
			return nil, fmt.Errorf("%w: %w", domain.ErrNotConnected, ErrTokenExpired)
		}
		logger.Warn("[CredentialService.refreshAndStore] account=%d refresh failed (non-fatal): %v", account.ID, err)
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tok.RefreshToken
	}

	record := &domain.OAuthToken{
		AccountID:    account.ID,
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		TokenType:    refreshed.TokenType,
		ExpiresAt:    refreshed.Expiry,
		Scopes:       grantedScopes(refreshed),
		UpdatedAt:    s.now(),
	}
	if err := s.accounts.SaveToken(ctx, record); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}

	logger.Debug("[CredentialService.refreshAndStore] account=%d token refreshed", account.ID)
	return refreshed, nil
}

func (s *CredentialService) cached(accountID int64) *oauth2.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.cache[accountID]
	if !ok || s.expiresSoon(tok) {
		return nil
	}
	return tok
}

func (s *CredentialService) store(accountID int64, tok *oauth2.Token) {
	s.mu.Lock()
	s.cache[accountID] = tok
	s.mu.Unlock()
}

func (s *CredentialService) expiresSoon(tok *oauth2.Token) bool {
	if tok.Expiry.IsZero() {
		return false
	}
	return tok.Expiry.Sub(s.now()) < refreshWindow
}

func (s *CredentialService) requiredScopes(p domain.Provider) []string {
	switch p {
	case domain.ProviderGmail:
		return GmailScopes
	case domain.ProviderOutlook:
		return OutlookScopes
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func failure(err error) domain.CredentialResult {
	return domain.CredentialResult{Status: domain.CredentialFailure, Err: err}
}

// isTokenExpiredError reports a permanent refresh failure.
func isTokenExpiredError(err error) bool {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		switch rerr.ErrorCode {
		case "invalid_grant", "invalid_token", "unauthorized_client", "invalid_client":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, keyword := range []string{"invalid_grant", "invalid_token", "unauthorized_client", "token has been expired or revoked"} {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}

func grantedScopes(tok *oauth2.Token) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// diffScopes ignores identity scopes that providers add on their own.
func diffScopes(required, granted []string) (missing, extra []string) {
	have := make(map[string]bool, len(granted))
	for _, g := range granted {
		have[g] = true
	}
	want := make(map[string]bool, len(required))
	for _, r := range required {
		want[r] = true
		if !have[r] {
			missing = append(missing, r)
		}
	}
	for _, g := range granted {
		if !want[g] && !identityScope(g) {
			extra = append(extra, g)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}

func identityScope(scope string) bool {
	switch scope {
	case "openid", "email", "profile", "User.Read",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile":
		return true
	}
	return false
}

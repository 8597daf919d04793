package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailflow/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeAccounts struct {
	tokens       map[int64]*domain.OAuthToken
	saved        []*domain.OAuthToken
	disconnected []int64
	getCalls     int
}

func (f *fakeAccounts) GetByID(context.Context, int64) (*domain.Account, error) { return nil, nil }
func (f *fakeAccounts) ListSyncable(context.Context) ([]*domain.Account, error) { return nil, nil }
func (f *fakeAccounts) Disconnect(_ context.Context, id int64) error {
	f.disconnected = append(f.disconnected, id)
	delete(f.tokens, id)
	return nil
}
func (f *fakeAccounts) GetToken(_ context.Context, id int64) (*domain.OAuthToken, error) {
	f.getCalls++
	return f.tokens[id], nil
}
func (f *fakeAccounts) SaveToken(_ context.Context, t *domain.OAuthToken) error {
	f.saved = append(f.saved, t)
	f.tokens[t.AccountID] = t
	return nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newCredentialFixture(stored *domain.OAuthToken) (*CredentialService, *fakeAccounts) {
	accounts := &fakeAccounts{tokens: map[int64]*domain.OAuthToken{}}
	if stored != nil {
		accounts.tokens[stored.AccountID] = stored
	}
	svc := NewCredentialService(accounts, OAuthConfig{GoogleClientID: "id", GoogleClientSecret: "secret"})
	svc.now = func() time.Time { return fixedNow }
	return svc, accounts
}

func gmailAccount() *domain.Account {
	return &domain.Account{ID: 1, Provider: domain.ProviderGmail, Email: "me@example.com", IsConnected: true}
}

func TestGetValidCredential_FreshTokenIsCached(t *testing.T) {
	svc, accounts := newCredentialFixture(&domain.OAuthToken{
		AccountID: 1, AccessToken: "a", RefreshToken: "r", ExpiresAt: fixedNow.Add(time.Hour), Scopes: GmailScopes,
	})

	res := svc.GetValidCredential(context.Background(), gmailAccount())
	require.True(t, res.Usable())
	assert.Equal(t, domain.CredentialOK, res.Status)
	assert.Equal(t, "a", res.Token.AccessToken)

	svc.GetValidCredential(context.Background(), gmailAccount())
	assert.Equal(t, 1, accounts.getCalls)

	svc.Invalidate(1)
	svc.GetValidCredential(context.Background(), gmailAccount())
	assert.Equal(t, 2, accounts.getCalls)
}

func TestGetValidCredential_RefreshesAndPersists(t *testing.T) {
	svc, accounts := newCredentialFixture(&domain.OAuthToken{
		AccountID: 1, AccessToken: "old", RefreshToken: "r", ExpiresAt: fixedNow.Add(time.Minute),
	})
	svc.refresh = func(_ context.Context, _ *oauth2.Config, tok *oauth2.Token) (*oauth2.Token, error) {
		assert.Equal(t, "r", tok.RefreshToken)
		return &oauth2.Token{AccessToken: "new", TokenType: "Bearer", Expiry: fixedNow.Add(time.Hour)}, nil
	}

	res := svc.GetValidCredential(context.Background(), gmailAccount())
	require.True(t, res.Usable())
	assert.Equal(t, "new", res.Token.AccessToken)
	require.Len(t, accounts.saved, 1)
	assert.Equal(t, "new", accounts.saved[0].AccessToken)
	assert.Equal(t, "r", accounts.saved[0].RefreshToken, "refresh token is kept when the provider omits it")
}

func TestGetValidCredential_RevokedRefreshTokenDisconnects(t *testing.T) {
	svc, accounts := newCredentialFixture(&domain.OAuthToken{
		AccountID: 1, AccessToken: "old", RefreshToken: "r", ExpiresAt: fixedNow.Add(-time.Hour),
	})
	svc.refresh = func(context.Context, *oauth2.Config, *oauth2.Token) (*oauth2.Token, error) {
		return nil, &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
	}
	account := gmailAccount()

	res := svc.GetValidCredential(context.Background(), account)
	assert.False(t, res.Usable())
	assert.ErrorIs(t, res.Err, domain.ErrNotConnected)
	assert.ErrorIs(t, res.Err, ErrTokenExpired)
	assert.Equal(t, []int64{1}, accounts.disconnected)
	assert.False(t, account.IsConnected)

	res = svc.GetValidCredential(context.Background(), account)
	assert.ErrorIs(t, res.Err, domain.ErrNotConnected)
}

func TestGetValidCredential_TransientRefreshFailureKeepsConnection(t *testing.T) {
	svc, accounts := newCredentialFixture(&domain.OAuthToken{
		AccountID: 1, AccessToken: "old", RefreshToken: "r", ExpiresAt: fixedNow.Add(-time.Hour),
	})
	svc.refresh = func(context.Context, *oauth2.Config, *oauth2.Token) (*oauth2.Token, error) {
		return nil, errors.New("dial tcp: i/o timeout")
	}

	res := svc.GetValidCredential(context.Background(), gmailAccount())
	assert.Equal(t, domain.CredentialFailure, res.Status)
	assert.NotErrorIs(t, res.Err, domain.ErrNotConnected)
	assert.Empty(t, accounts.disconnected)
}

func TestGetValidCredential_ExpiredWithoutRefreshToken(t *testing.T) {
	svc, _ := newCredentialFixture(&domain.OAuthToken{
		AccountID: 1, AccessToken: "old", ExpiresAt: fixedNow.Add(-time.Hour),
	})
	res := svc.GetValidCredential(context.Background(), gmailAccount())
	assert.ErrorIs(t, res.Err, domain.ErrNotConnected)
}

func TestGetValidCredential_ScopeWarning(t *testing.T) {
	svc, _ := newCredentialFixture(&domain.OAuthToken{
		AccountID: 1, AccessToken: "a", ExpiresAt: fixedNow.Add(time.Hour),
		Scopes: []string{"openid", "https://www.googleapis.com/auth/gmail.readonly"},
	})

	res := svc.GetValidCredential(context.Background(), gmailAccount())
	assert.Equal(t, domain.CredentialScopeWarning, res.Status)
	assert.True(t, res.Usable())
	assert.Equal(t, []string{"https://www.googleapis.com/auth/gmail.modify"}, res.MissingScopes)
	assert.Empty(t, res.ExtraScopes)
}

func TestGetValidCredential_NoToken(t *testing.T) {
	svc, _ := newCredentialFixture(nil)
	res := svc.GetValidCredential(context.Background(), gmailAccount())
	assert.ErrorIs(t, res.Err, domain.ErrNotConnected)

	disconnected := gmailAccount()
	disconnected.IsConnected = false
	res = svc.GetValidCredential(context.Background(), disconnected)
	assert.ErrorIs(t, res.Err, domain.ErrNotConnected)
}

func TestDiffScopes(t *testing.T) {
	missing, extra := diffScopes([]string{"a", "b"}, []string{"b", "c", "openid"})
	assert.Equal(t, []string{"a"}, missing)
	assert.Equal(t, []string{"c"}, extra)
}

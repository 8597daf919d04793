// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/crypto"
	"mailflow/pkg/logger"

	"github.com/jmoiron/sqlx"
)

// AccountAdapter implements out.AccountRepository using PostgreSQL.
// Tokens are encrypted at rest when an encryptor is configured.
type AccountAdapter struct {
	db        *sqlx.DB
	encryptor *crypto.Encryptor
}

// NewAccountAdapter creates a new AccountAdapter. encryptor may be nil.
func NewAccountAdapter(db *sqlx.DB, encryptor *crypto.Encryptor) *AccountAdapter {
	if encryptor == nil {
		logger.Warn("[AccountAdapter] token encryption disabled")
	}
	return &AccountAdapter{db: db, encryptor: encryptor}
}

const accountColumns = `id, provider, email, signature_html, writing_style,
	is_connected, sync_enabled, last_synced_at, created_at, updated_at`

type accountRow struct {
	ID            int64        `db:"id"`
	Provider      string       `db:"provider"`
	Email         string       `db:"email"`
	SignatureHTML string       `db:"signature_html"`
	WritingStyle  string       `db:"writing_style"`
	IsConnected   bool         `db:"is_connected"`
	SyncEnabled   bool         `db:"sync_enabled"`
	LastSyncedAt  sql.NullTime `db:"last_synced_at"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (r *accountRow) toDomain() *domain.Account {
	return &domain.Account{
		ID:            r.ID,
		Provider:      domain.Provider(r.Provider),
		Email:         r.Email,
		SignatureHTML: r.SignatureHTML,
		WritingStyle:  r.WritingStyle,
		IsConnected:   r.IsConnected,
		SyncEnabled:   r.SyncEnabled,
		LastSyncedAt:  timePtr(r.LastSyncedAt),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// GetByID returns nil when the account does not exist.
func (a *AccountAdapter) GetByID(ctx context.Context, id int64) (*domain.Account, error) {
	var row accountRow
	err := a.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return row.toDomain(), nil
}

// ListSyncable returns connected accounts with sync enabled.
func (a *AccountAdapter) ListSyncable(ctx context.Context) ([]*domain.Account, error) {
	var rows []accountRow
	query := `SELECT ` + accountColumns + ` FROM accounts
		WHERE is_connected = TRUE AND sync_enabled = TRUE
		ORDER BY id`
	if err := a.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list syncable accounts: %w", err)
	}

	accounts := make([]*domain.Account, len(rows))
	for i := range rows {
		accounts[i] = rows[i].toDomain()
	}
	return accounts, nil
}

// Disconnect marks the account as no longer connected.
func (a *AccountAdapter) Disconnect(ctx context.Context, id int64) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE accounts SET is_connected = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("disconnect account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("disconnect account %d: %w", id, ErrNotFound)
	}
	return nil
}

// =============================================================================
// Tokens
// =============================================================================

type tokenRow struct {
	AccountID    int64     `db:"account_id"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	TokenType    string    `db:"token_type"`
	ExpiresAt    time.Time `db:"expires_at"`
	Scopes       string    `db:"scopes"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// GetToken returns nil when the account has no stored token.
func (a *AccountAdapter) GetToken(ctx context.Context, accountID int64) (*domain.OAuthToken, error) {
	var row tokenRow
	err := a.db.GetContext(ctx, &row, `
		SELECT account_id, access_token, refresh_token, token_type, expires_at, scopes, updated_at
		FROM oauth_tokens
		WHERE account_id = $1`, accountID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	access, err := a.decrypt(row.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	refresh, err := a.decrypt(row.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	return &domain.OAuthToken{
		AccountID:    row.AccountID,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    row.TokenType,
		ExpiresAt:    row.ExpiresAt,
		Scopes:       domain.ScopeList(row.Scopes),
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

// SaveToken upserts the account's token.
func (a *AccountAdapter) SaveToken(ctx context.Context, token *domain.OAuthToken) error {
	access, err := a.encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := a.encrypt(token.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (account_id, access_token, refresh_token, token_type, expires_at, scopes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			updated_at = NOW()`,
		token.AccountID, access, refresh, token.TokenType, token.ExpiresAt, strings.Join(token.Scopes, ","))
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (a *AccountAdapter) encrypt(v string) (string, error) {
	if a.encryptor == nil {
		return v, nil
	}
	return a.encryptor.Encrypt(v)
}

func (a *AccountAdapter) decrypt(v string) (string, error) {
	if a.encryptor == nil {
		return v, nil
	}
	return a.encryptor.Decrypt(v)
}

var _ out.AccountRepository = (*AccountAdapter)(nil)

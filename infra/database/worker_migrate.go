package database

import (
	"context"
	"fmt"
	"time"

	"mailflow/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied statement by statement; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id BIGSERIAL PRIMARY KEY,
		provider TEXT NOT NULL,
		email TEXT NOT NULL,
		signature_html TEXT NOT NULL DEFAULT '',
		writing_style TEXT NOT NULL DEFAULT '',
		is_connected BOOLEAN NOT NULL DEFAULT TRUE,
		sync_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		last_synced_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (provider, email)
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_tokens (
		account_id BIGINT PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		token_type TEXT NOT NULL DEFAULT 'Bearer',
		expires_at TIMESTAMPTZ NOT NULL,
		scopes TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS email_threads (
		id BIGSERIAL PRIMARY KEY,
		account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		external_thread_id TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (account_id, external_thread_id)
	)`,
	`CREATE TABLE IF NOT EXISTS emails (
		id BIGSERIAL PRIMARY KEY,
		account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		thread_id BIGINT REFERENCES email_threads(id) ON DELETE SET NULL,
		external_message_id TEXT NOT NULL,
		external_thread_id TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		from_address TEXT NOT NULL DEFAULT '',
		from_name TEXT NOT NULL DEFAULT '',
		to_addresses TEXT[] NOT NULL DEFAULT '{}',
		cc_addresses TEXT[] NOT NULL DEFAULT '{}',
		bcc_addresses TEXT[] NOT NULL DEFAULT '{}',
		date_sent TIMESTAMPTZ NOT NULL,
		body_html TEXT NOT NULL DEFAULT '',
		body_text TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (account_id, external_message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_thread ON emails (thread_id)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_account_date ON emails (account_id, date_sent DESC)`,
	`CREATE TABLE IF NOT EXISTS email_attachments (
		id BIGSERIAL PRIMARY KEY,
		email_id BIGINT NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
		external_id TEXT NOT NULL DEFAULT '',
		filename TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		size BIGINT NOT NULL DEFAULT 0,
		content_id TEXT NOT NULL DEFAULT '',
		is_inline BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS labels (
		id BIGSERIAL PRIMARY KEY,
		account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		shared_with BIGINT[] NOT NULL DEFAULT '{}',
		name TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		instructions TEXT NOT NULL DEFAULT '',
		priority INT NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_labels_account_name ON labels (account_id, LOWER(name))`,
	`CREATE TABLE IF NOT EXISTS actions (
		id BIGSERIAL PRIMARY KEY,
		account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		function TEXT NOT NULL,
		instructions TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		tool_description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS label_actions (
		label_id BIGINT NOT NULL REFERENCES labels(id) ON DELETE CASCADE,
		action_id BIGINT NOT NULL REFERENCES actions(id) ON DELETE CASCADE,
		position INT NOT NULL DEFAULT 0,
		PRIMARY KEY (label_id, action_id)
	)`,
	`CREATE TABLE IF NOT EXISTS email_labels (
		id BIGSERIAL PRIMARY KEY,
		email_id BIGINT NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
		label_id BIGINT NOT NULL REFERENCES labels(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (email_id, label_id)
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id BIGSERIAL PRIMARY KEY,
		account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		customer_name TEXT NOT NULL DEFAULT '',
		customer_email TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id BIGSERIAL PRIMARY KEY,
		account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		email_id BIGINT REFERENCES emails(id) ON DELETE SET NULL,
		thread_id BIGINT REFERENCES email_threads(id) ON DELETE SET NULL,
		job_id BIGINT REFERENCES jobs(id) ON DELETE SET NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INT NOT NULL DEFAULT 1,
		title VARCHAR(255) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		due_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		display_number INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (account_id, display_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_thread ON tasks (account_id, thread_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_email ON tasks (email_id)`,
	`CREATE TABLE IF NOT EXISTS drafts (
		id BIGSERIAL PRIMARY KEY,
		account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		email_id BIGINT REFERENCES emails(id) ON DELETE SET NULL,
		external_draft_id TEXT NOT NULL DEFAULT '',
		to_addresses TEXT[] NOT NULL DEFAULT '{}',
		subject TEXT NOT NULL DEFAULT '',
		body_html TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates missing tables and indexes.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	start := time.Now()
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	logger.Info("[database.Migrate] applied %d statements in %v", len(schema), time.Since(start))
	return nil
}

// Health pings the pool with a short deadline.
func Health(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return pool.Ping(ctx)
}

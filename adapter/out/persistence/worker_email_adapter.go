package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mailflow/core/domain"
	"mailflow/core/port/out"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// EmailAdapter implements out.EmailRepository and out.SyncStore using PostgreSQL.
type EmailAdapter struct {
	db *sqlx.DB
}

// NewEmailAdapter creates a new EmailAdapter.
func NewEmailAdapter(db *sqlx.DB) *EmailAdapter {
	return &EmailAdapter{db: db}
}

const emailColumns = `id, account_id, thread_id, external_message_id, external_thread_id,
	subject, from_address, from_name, to_addresses, cc_addresses, bcc_addresses,
	date_sent, body_html, body_text, created_at, updated_at`

type emailRow struct {
	ID                int64          `db:"id"`
	AccountID         int64          `db:"account_id"`
	ThreadID          sql.NullInt64  `db:"thread_id"`
	ExternalMessageID string         `db:"external_message_id"`
	ExternalThreadID  string         `db:"external_thread_id"`
	Subject           string         `db:"subject"`
	FromAddress       string         `db:"from_address"`
	FromName          string         `db:"from_name"`
	To                pq.StringArray `db:"to_addresses"`
	Cc                pq.StringArray `db:"cc_addresses"`
	Bcc               pq.StringArray `db:"bcc_addresses"`
	DateSent          time.Time      `db:"date_sent"`
	BodyHTML          string         `db:"body_html"`
	BodyText          string         `db:"body_text"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r *emailRow) toDomain() *domain.Message {
	return &domain.Message{
		ID:                r.ID,
		AccountID:         r.AccountID,
		ThreadID:          int64Ptr(r.ThreadID),
		ExternalMessageID: r.ExternalMessageID,
		ExternalThreadID:  r.ExternalThreadID,
		Subject:           r.Subject,
		FromAddress:       r.FromAddress,
		FromName:          r.FromName,
		To:                []string(r.To),
		Cc:                []string(r.Cc),
		Bcc:               []string(r.Bcc),
		DateSent:          r.DateSent,
		BodyHTML:          r.BodyHTML,
		BodyText:          r.BodyText,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type attachmentRow struct {
	ID          int64  `db:"id"`
	EmailID     int64  `db:"email_id"`
	ExternalID  string `db:"external_id"`
	Filename    string `db:"filename"`
	ContentType string `db:"content_type"`
	Size        int64  `db:"size"`
	ContentID   string `db:"content_id"`
	IsInline    bool   `db:"is_inline"`
}

// =============================================================================
// Reads
// =============================================================================

// GetMessage loads a message with its attachments; nil when missing.
func (a *EmailAdapter) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	var row emailRow
	err := a.db.GetContext(ctx, &row, `SELECT `+emailColumns+` FROM emails WHERE id = $1`, id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}

	var attachments []attachmentRow
	if err := a.db.SelectContext(ctx, &attachments, `
		SELECT id, email_id, external_id, filename, content_type, size, content_id, is_inline
		FROM email_attachments
		WHERE email_id = $1
		ORDER BY id`, id); err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}

	msg := row.toDomain()
	for _, att := range attachments {
		msg.Attachments = append(msg.Attachments, &domain.Attachment{
			ID:          att.ID,
			MessageID:   att.EmailID,
			ExternalID:  att.ExternalID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size,
			ContentID:   att.ContentID,
			IsInline:    att.IsInline,
		})
	}
	return msg, nil
}

// DeleteMessage removes the local copy of a message. Attachments and applied labels cascade.
func (a *EmailAdapter) DeleteMessage(ctx context.Context, id int64) error {
	if _, err := a.db.ExecContext(ctx, `DELETE FROM emails WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// FilterWithoutTasks keeps, in input order, the ids whose message and thread have no task.
func (a *EmailAdapter) FilterWithoutTasks(ctx context.Context, accountID int64, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return []int64{}, nil
	}

	var found []int64
	err := a.db.SelectContext(ctx, &found, `
		SELECT e.id FROM emails e
		WHERE e.account_id = $1
		  AND e.id = ANY($2)
		  AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.email_id = e.id)
		  AND (e.thread_id IS NULL OR NOT EXISTS (SELECT 1 FROM tasks t WHERE t.thread_id = e.thread_id))`,
		accountID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("filter without tasks: %w", err)
	}

	keep := make(map[int64]bool, len(found))
	for _, id := range found {
		keep[id] = true
	}
	result := make([]int64, 0, len(found))
	for _, id := range ids {
		if keep[id] {
			result = append(result, id)
			delete(keep, id)
		}
	}
	return result, nil
}

// ListBacklogWithoutTasks returns the most recently stored task-less messages not in exclude.
func (a *EmailAdapter) ListBacklogWithoutTasks(ctx context.Context, accountID int64, exclude []int64, limit int) ([]int64, error) {
	if limit <= 0 {
		return []int64{}, nil
	}
	if exclude == nil {
		exclude = []int64{}
	}

	ids := []int64{}
	err := a.db.SelectContext(ctx, &ids, `
		SELECT e.id FROM emails e
		WHERE e.account_id = $1
		  AND NOT (e.id = ANY($2))
		  AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.email_id = e.id)
		  AND (e.thread_id IS NULL OR NOT EXISTS (SELECT 1 FROM tasks t WHERE t.thread_id = e.thread_id))
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT $3`,
		accountID, pq.Array(exclude), limit)
	if err != nil {
		return nil, fmt.Errorf("list backlog: %w", err)
	}
	return ids, nil
}

// =============================================================================
// Sync transaction
// =============================================================================

// WithinSyncTx runs fn in one transaction; any error rolls everything back.
func (a *EmailAdapter) WithinSyncTx(ctx context.Context, fn func(tx out.SyncTx) error) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sync tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&syncTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync tx: %w", err)
	}
	return nil
}

type syncTx struct {
	tx *sqlx.Tx
}

// UpsertThread keeps the first non-empty subject seen for the conversation.
func (s *syncTx) UpsertThread(ctx context.Context, accountID int64, externalThreadID, subject string) (int64, error) {
	var id int64
	err := s.tx.QueryRowxContext(ctx, `
		INSERT INTO email_threads (account_id, external_thread_id, subject)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, external_thread_id) DO UPDATE SET
			subject = CASE WHEN email_threads.subject = '' THEN EXCLUDED.subject ELSE email_threads.subject END,
			updated_at = NOW()
		RETURNING id`,
		accountID, externalThreadID, subject).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert thread: %w", err)
	}
	return id, nil
}

// UpsertMessage relies on xmax = 0 to tell an insert from a conflict update.
func (s *syncTx) UpsertMessage(ctx context.Context, msg *domain.Message) (bool, error) {
	var created bool
	err := s.tx.QueryRowxContext(ctx, `
		INSERT INTO emails (
			account_id, thread_id, external_message_id, external_thread_id,
			subject, from_address, from_name, to_addresses, cc_addresses, bcc_addresses,
			date_sent, body_html, body_text
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (account_id, external_message_id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			external_thread_id = EXCLUDED.external_thread_id,
			subject = EXCLUDED.subject,
			from_address = EXCLUDED.from_address,
			from_name = EXCLUDED.from_name,
			to_addresses = EXCLUDED.to_addresses,
			cc_addresses = EXCLUDED.cc_addresses,
			bcc_addresses = EXCLUDED.bcc_addresses,
			date_sent = EXCLUDED.date_sent,
			body_html = EXCLUDED.body_html,
			body_text = EXCLUDED.body_text,
			updated_at = NOW()
		RETURNING id, created_at, updated_at, (xmax = 0) AS inserted`,
		msg.AccountID, nullInt64(msg.ThreadID), msg.ExternalMessageID, msg.ExternalThreadID,
		msg.Subject, msg.FromAddress, msg.FromName,
		pq.Array(nonNil(msg.To)), pq.Array(nonNil(msg.Cc)), pq.Array(nonNil(msg.Bcc)),
		msg.DateSent, msg.BodyHTML, msg.BodyText,
	).Scan(&msg.ID, &msg.CreatedAt, &msg.UpdatedAt, &created)
	if err != nil {
		return false, fmt.Errorf("upsert message %s: %w", msg.ExternalMessageID, err)
	}
	return created, nil
}

// ReplaceAttachments swaps the attachment set of a message.
func (s *syncTx) ReplaceAttachments(ctx context.Context, messageID int64, attachments []*domain.Attachment) error {
	if _, err := s.tx.ExecContext(ctx, `DELETE FROM email_attachments WHERE email_id = $1`, messageID); err != nil {
		return fmt.Errorf("clear attachments: %w", err)
	}
	for _, att := range attachments {
		err := s.tx.QueryRowxContext(ctx, `
			INSERT INTO email_attachments (email_id, external_id, filename, content_type, size, content_id, is_inline)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			messageID, att.ExternalID, att.Filename, att.ContentType, att.Size, att.ContentID, att.IsInline,
		).Scan(&att.ID)
		if err != nil {
			return fmt.Errorf("insert attachment %q: %w", att.Filename, err)
		}
		att.MessageID = messageID
	}
	return nil
}

// SetLastSyncedAt stores the checkpoint.
func (s *syncTx) SetLastSyncedAt(ctx context.Context, accountID int64, at time.Time) error {
	if _, err := s.tx.ExecContext(ctx,
		`UPDATE accounts SET last_synced_at = $2, updated_at = NOW() WHERE id = $1`, accountID, at); err != nil {
		return fmt.Errorf("set last synced at: %w", err)
	}
	return nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

// =============================================================================
// Drafts & Jobs
// =============================================================================

// DraftAdapter implements out.DraftRepository.
type DraftAdapter struct {
	db *sqlx.DB
}

// NewDraftAdapter creates a new DraftAdapter.
func NewDraftAdapter(db *sqlx.DB) *DraftAdapter {
	return &DraftAdapter{db: db}
}

func (a *DraftAdapter) Create(ctx context.Context, draft *domain.Draft) error {
	err := a.db.QueryRowxContext(ctx, `
		INSERT INTO drafts (account_id, email_id, external_draft_id, to_addresses, subject, body_html)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		draft.AccountID, nullInt64(draft.MessageID), draft.ExternalDraftID,
		pq.Array(nonNil(draft.To)), draft.Subject, draft.BodyHTML,
	).Scan(&draft.ID, &draft.CreatedAt)
	if err != nil {
		return fmt.Errorf("create draft: %w", err)
	}
	return nil
}

// JobAdapter implements out.JobRepository.
type JobAdapter struct {
	db *sqlx.DB
}

// NewJobAdapter creates a new JobAdapter.
func NewJobAdapter(db *sqlx.DB) *JobAdapter {
	return &JobAdapter{db: db}
}

func (a *JobAdapter) Create(ctx context.Context, job *domain.Job) error {
	if job.Status == "" {
		job.Status = domain.JobStatusOpen
	}
	err := a.db.QueryRowxContext(ctx, `
		INSERT INTO jobs (account_id, title, status, customer_name, customer_email, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		job.AccountID, job.Title, job.Status, job.CustomerName, job.CustomerEmail, job.Description,
	).Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

var (
	_ out.EmailRepository = (*EmailAdapter)(nil)
	_ out.SyncStore       = (*EmailAdapter)(nil)
	_ out.DraftRepository = (*DraftAdapter)(nil)
	_ out.JobRepository   = (*JobAdapter)(nil)
)

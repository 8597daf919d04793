package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailflow/core/domain"
	"mailflow/core/port/out"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// LabelAdapter implements out.LabelRepository and out.ActionRepository using PostgreSQL.
type LabelAdapter struct {
	db *sqlx.DB
}

// NewLabelAdapter creates a new LabelAdapter.
func NewLabelAdapter(db *sqlx.DB) *LabelAdapter {
	return &LabelAdapter{db: db}
}

const labelColumns = `l.id, l.account_id, l.shared_with, l.name, l.prompt, l.instructions,
	l.priority, l.is_active, l.created_at, l.updated_at`

// labelRow represents the database row for labels.
type labelRow struct {
	ID           int64         `db:"id"`
	AccountID    int64         `db:"account_id"`
	SharedWith   pq.Int64Array `db:"shared_with"`
	Name         string        `db:"name"`
	Prompt       string        `db:"prompt"`
	Instructions string        `db:"instructions"`
	Priority     int           `db:"priority"`
	IsActive     bool          `db:"is_active"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

func (r *labelRow) toEntity() *domain.Label {
	return &domain.Label{
		ID:           r.ID,
		AccountID:    r.AccountID,
		SharedWith:   []int64(r.SharedWith),
		Name:         r.Name,
		Prompt:       r.Prompt,
		Instructions: r.Instructions,
		Priority:     r.Priority,
		IsActive:     r.IsActive,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

const actionColumns = `a.id, a.account_id, a.name, a.function, a.instructions,
	a.tool_name, a.tool_description, a.created_at`

type actionRow struct {
	ID              int64     `db:"id"`
	AccountID       int64     `db:"account_id"`
	Name            string    `db:"name"`
	Function        string    `db:"function"`
	Instructions    string    `db:"instructions"`
	ToolName        string    `db:"tool_name"`
	ToolDescription string    `db:"tool_description"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r *actionRow) toEntity() *domain.Action {
	return &domain.Action{
		ID:              r.ID,
		AccountID:       r.AccountID,
		Name:            r.Name,
		Function:        domain.ActionFunction(r.Function),
		Instructions:    r.Instructions,
		ToolName:        r.ToolName,
		ToolDescription: r.ToolDescription,
		CreatedAt:       r.CreatedAt,
	}
}

type linkedActionRow struct {
	LabelID int64 `db:"label_id"`
	actionRow
}

// =============================================================================
// Labels
// =============================================================================

// GetByID returns nil when the label does not exist.
func (a *LabelAdapter) GetByID(ctx context.Context, id int64) (*domain.Label, error) {
	var row labelRow
	err := a.db.GetContext(ctx, &row, `SELECT `+labelColumns+` FROM labels l WHERE l.id = $1`, id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get label: %w", err)
	}

	labels, err := a.withActions(ctx, []labelRow{row})
	if err != nil {
		return nil, err
	}
	return labels[0], nil
}

// ListAvailable returns active labels owned by or shared with the account.
func (a *LabelAdapter) ListAvailable(ctx context.Context, accountID int64) ([]*domain.Label, error) {
	var rows []labelRow
	query := `SELECT ` + labelColumns + ` FROM labels l
		WHERE l.is_active = TRUE
		  AND (l.account_id = $1 OR $1 = ANY(l.shared_with))
		ORDER BY l.priority DESC, l.name ASC`
	if err := a.db.SelectContext(ctx, &rows, query, accountID); err != nil {
		return nil, fmt.Errorf("list available labels: %w", err)
	}
	return a.withActions(ctx, rows)
}

// FindByName matches owned labels case-insensitively; nil when none.
func (a *LabelAdapter) FindByName(ctx context.Context, accountID int64, name string) (*domain.Label, error) {
	var row labelRow
	err := a.db.GetContext(ctx, &row, `SELECT `+labelColumns+` FROM labels l
		WHERE l.account_id = $1 AND LOWER(l.name) = LOWER($2)
		ORDER BY l.id
		LIMIT 1`, accountID, strings.TrimSpace(name))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find label by name: %w", err)
	}
	return row.toEntity(), nil
}

// Create inserts a label.
func (a *LabelAdapter) Create(ctx context.Context, label *domain.Label) error {
	shared := label.SharedWith
	if shared == nil {
		shared = []int64{}
	}
	err := a.db.QueryRowxContext(ctx, `
		INSERT INTO labels (account_id, shared_with, name, prompt, instructions, priority, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		label.AccountID, pq.Array(shared), label.Name, label.Prompt, label.Instructions,
		label.Priority, label.IsActive,
	).Scan(&label.ID, &label.CreatedAt, &label.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("create label %q: %w", label.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create label: %w", err)
	}
	return nil
}

// LinkAction attaches an action at position; relinking updates the position.
func (a *LabelAdapter) LinkAction(ctx context.Context, labelID, actionID int64, position int) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO label_actions (label_id, action_id, position)
		VALUES ($1, $2, $3)
		ON CONFLICT (label_id, action_id) DO UPDATE SET position = EXCLUDED.position`,
		labelID, actionID, position)
	if err != nil {
		return fmt.Errorf("link action: %w", err)
	}
	return nil
}

// withActions loads the linked actions of every label in one query.
func (a *LabelAdapter) withActions(ctx context.Context, rows []labelRow) ([]*domain.Label, error) {
	labels := make([]*domain.Label, len(rows))
	if len(rows) == 0 {
		return labels, nil
	}

	byID := make(map[int64]*domain.Label, len(rows))
	ids := make([]int64, len(rows))
	for i := range rows {
		labels[i] = rows[i].toEntity()
		byID[labels[i].ID] = labels[i]
		ids[i] = labels[i].ID
	}

	var linked []linkedActionRow
	err := a.db.SelectContext(ctx, &linked, `
		SELECT la.label_id, `+actionColumns+`
		FROM label_actions la
		JOIN actions a ON a.id = la.action_id
		WHERE la.label_id = ANY($1)
		ORDER BY la.label_id, la.position, a.id`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load label actions: %w", err)
	}
	for i := range linked {
		if l := byID[linked[i].LabelID]; l != nil {
			l.Actions = append(l.Actions, linked[i].actionRow.toEntity())
		}
	}
	return labels, nil
}

// =============================================================================
// Applied labels
// =============================================================================

// ListApplied returns the labels applied to a message, oldest application first.
func (a *LabelAdapter) ListApplied(ctx context.Context, messageID int64) ([]*domain.Label, error) {
	var rows []labelRow
	query := `SELECT ` + labelColumns + ` FROM labels l
		JOIN email_labels el ON el.label_id = l.id
		WHERE el.email_id = $1
		ORDER BY el.created_at, el.id`
	if err := a.db.SelectContext(ctx, &rows, query, messageID); err != nil {
		return nil, fmt.Errorf("list applied labels: %w", err)
	}
	return a.withActions(ctx, rows)
}

func (a *LabelAdapter) IsApplied(ctx context.Context, messageID, labelID int64) (bool, error) {
	var exists bool
	err := a.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM email_labels WHERE email_id = $1 AND label_id = $2)`, messageID, labelID)
	if err != nil {
		return false, fmt.Errorf("check applied label: %w", err)
	}
	return exists, nil
}

// Apply is get-or-create on (email, label). The insert is attempted first so
// concurrent callers agree on which one created the row.
func (a *LabelAdapter) Apply(ctx context.Context, messageID, labelID int64) (*domain.EmailLabel, bool, error) {
	el := &domain.EmailLabel{MessageID: messageID, LabelID: labelID}

	err := a.db.QueryRowxContext(ctx, `
		INSERT INTO email_labels (email_id, label_id)
		VALUES ($1, $2)
		ON CONFLICT (email_id, label_id) DO NOTHING
		RETURNING id, created_at`, messageID, labelID).Scan(&el.ID, &el.CreatedAt)
	if err == nil {
		return el, true, nil
	}
	if !isNoRows(err) {
		return nil, false, fmt.Errorf("apply label: %w", err)
	}

	err = a.db.QueryRowxContext(ctx,
		`SELECT id, created_at FROM email_labels WHERE email_id = $1 AND label_id = $2`,
		messageID, labelID).Scan(&el.ID, &el.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("load applied label: %w", err)
	}
	return el, false, nil
}

// Unapply reports whether a row was removed.
func (a *LabelAdapter) Unapply(ctx context.Context, messageID, labelID int64) (bool, error) {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM email_labels WHERE email_id = $1 AND label_id = $2`, messageID, labelID)
	if err != nil {
		return false, fmt.Errorf("unapply label: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// =============================================================================
// Actions
// =============================================================================

// ActionAdapter implements out.ActionRepository.
type ActionAdapter struct {
	db *sqlx.DB
}

// NewActionAdapter creates a new ActionAdapter.
func NewActionAdapter(db *sqlx.DB) *ActionAdapter {
	return &ActionAdapter{db: db}
}

func (a *ActionAdapter) ListByAccount(ctx context.Context, accountID int64) ([]*domain.Action, error) {
	var rows []actionRow
	if err := a.db.SelectContext(ctx, &rows,
		`SELECT `+actionColumns+` FROM actions a WHERE a.account_id = $1 ORDER BY a.id`, accountID); err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	actions := make([]*domain.Action, len(rows))
	for i := range rows {
		actions[i] = rows[i].toEntity()
	}
	return actions, nil
}

// FindByFunction returns the first action of the account with fn; nil when none.
func (a *ActionAdapter) FindByFunction(ctx context.Context, accountID int64, fn domain.ActionFunction) (*domain.Action, error) {
	var row actionRow
	err := a.db.GetContext(ctx, &row, `SELECT `+actionColumns+` FROM actions a
		WHERE a.account_id = $1 AND a.function = $2
		ORDER BY a.id
		LIMIT 1`, accountID, string(fn))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find action: %w", err)
	}
	return row.toEntity(), nil
}

func (a *ActionAdapter) Create(ctx context.Context, action *domain.Action) error {
	if !action.Function.Valid() {
		return fmt.Errorf("create action %q: %w: unknown function %q", action.Name, ErrInvalidInput, action.Function)
	}
	err := a.db.QueryRowxContext(ctx, `
		INSERT INTO actions (account_id, name, function, instructions, tool_name, tool_description)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		action.AccountID, action.Name, string(action.Function), action.Instructions,
		action.ToolName, action.ToolDescription,
	).Scan(&action.ID, &action.CreatedAt)
	if err != nil {
		return fmt.Errorf("create action: %w", err)
	}
	return nil
}

var (
	_ out.LabelRepository  = (*LabelAdapter)(nil)
	_ out.ActionRepository = (*ActionAdapter)(nil)
)

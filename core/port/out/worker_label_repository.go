package out

import (
	"context"

	"mailflow/core/domain"
)

// LabelRepository persists labels, their action links and applied email labels.
type LabelRepository interface {
	// GetByID loads a label together with its linked actions in configured order.
	GetByID(ctx context.Context, id int64) (*domain.Label, error)
	// ListAvailable returns active labels owned by or shared to the account.
	ListAvailable(ctx context.Context, accountID int64) ([]*domain.Label, error)
	FindByName(ctx context.Context, accountID int64, name string) (*domain.Label, error)
	Create(ctx context.Context, label *domain.Label) error
	LinkAction(ctx context.Context, labelID, actionID int64, position int) error

	// ListApplied returns the labels currently applied to a message, with actions.
	ListApplied(ctx context.Context, messageID int64) ([]*domain.Label, error)
	IsApplied(ctx context.Context, messageID, labelID int64) (bool, error)
	// Apply gets or creates the EmailLabel row and reports whether it was created.
	Apply(ctx context.Context, messageID, labelID int64) (*domain.EmailLabel, bool, error)
	Unapply(ctx context.Context, messageID, labelID int64) (bool, error)
}

// ActionRepository persists action definitions.
type ActionRepository interface {
	ListByAccount(ctx context.Context, accountID int64) ([]*domain.Action, error)
	FindByFunction(ctx context.Context, accountID int64, fn domain.ActionFunction) (*domain.Action, error)
	Create(ctx context.Context, action *domain.Action) error
}

package http

import (
	"context"
	"strconv"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/apperr"
	"mailflow/pkg/logger"
	"mailflow/pkg/ratelimit"
	"mailflow/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// AccountReader loads accounts.
type AccountReader interface {
	GetByID(ctx context.Context, id int64) (*domain.Account, error)
}

// MessageReader loads stored messages.
type MessageReader interface {
	GetMessage(ctx context.Context, id int64) (*domain.Message, error)
}

// LabelReader loads labels.
type LabelReader interface {
	GetByID(ctx context.Context, id int64) (*domain.Label, error)
}

// StatusReader reads the cached sync status of an account.
type StatusReader interface {
	Get(ctx context.Context, accountID int64) (*domain.SyncStatus, error)
}

// RunLister lists audited sync runs; optional.
type RunLister interface {
	ListRecent(ctx context.Context, accountID int64, limit int) ([]*domain.SyncRun, error)
}

// LabelSeeder installs the recommended labels of an account.
type LabelSeeder interface {
	SeedRecommended(ctx context.Context, accountID int64) error
}

type AdminDeps struct {
	Producer out.MessageProducer
	Accounts AccountReader
	Messages MessageReader
	Labels   LabelReader
	Status   StatusReader
	Runs     RunLister
	Seeder   LabelSeeder

	// SyncDebounce drops repeated manual syncs of one account; nil disables it.
	SyncDebounce *ratelimit.Debouncer
}

// AdminHandler enqueues pipeline jobs and exposes sync state.
type AdminHandler struct {
	deps AdminDeps
}

func NewAdminHandler(deps AdminDeps) *AdminHandler {
	return &AdminHandler{deps: deps}
}

// Register mounts the admin routes under router.
func (h *AdminHandler) Register(router fiber.Router) {
	accounts := router.Group("/accounts")
	accounts.Post("/:id/sync", h.SyncAccount)
	accounts.Get("/:id/sync-status", h.SyncStatus)
	accounts.Get("/:id/sync-runs", h.SyncRuns)
	accounts.Post("/:id/labels/seed", h.SeedLabels)

	router.Post("/messages/:id/process", h.ProcessMessage)
	router.Post("/labels/:id/trigger", h.TriggerLabel)
}

// =============================================================================
// Accounts
// =============================================================================

// SyncAccount enqueues a sync job.
// POST /api/v1/accounts/:id/sync?backfill=1&force=1
func (h *AdminHandler) SyncAccount(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if _, err := h.account(c, accountID); err != nil {
		return err
	}

	job := &out.SyncAccountJob{
		AccountID:    accountID,
		BackfillMode: queryBool(c, "backfill"),
		ForceInitial: queryBool(c, "force"),
	}
	key := "sync:" + strconv.FormatInt(accountID, 10)
	if !h.deps.SyncDebounce.Acquire(c.UserContext(), key) {
		return apperr.Conflict("sync already requested for this account")
	}
	if err := h.deps.Producer.PublishSyncAccount(c.UserContext(), job); err != nil {
		h.deps.SyncDebounce.Release(c.UserContext(), key)
		return apperr.QueueError(err)
	}

	logger.WithContext(c.UserContext()).Info("[AdminHandler.SyncAccount] queued account=%d backfill=%v force=%v",
		accountID, job.BackfillMode, job.ForceInitial)
	return response.Accepted(c, job)
}

// SyncStatus merges the cached status with the persisted last sync time.
// GET /api/v1/accounts/:id/sync-status
func (h *AdminHandler) SyncStatus(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	account, err := h.account(c, accountID)
	if err != nil {
		return err
	}

	status, err := h.deps.Status.Get(c.UserContext(), accountID)
	if err != nil {
		return apperr.Internal(err)
	}
	status.LastSyncedAt = account.LastSyncedAt
	return response.OK(c, status)
}

// SyncRuns lists the most recent audited sync runs.
// GET /api/v1/accounts/:id/sync-runs?limit=20
func (h *AdminHandler) SyncRuns(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if h.deps.Runs == nil {
		return apperr.Unavailable("sync run audit not configured")
	}

	limit := c.QueryInt("limit", 20)
	runs, err := h.deps.Runs.ListRecent(c.UserContext(), accountID, limit)
	if err != nil {
		return apperr.Internal(err)
	}
	return response.OKWithMeta(c, runs, &response.Meta{Total: len(runs), Limit: limit})
}

// SeedLabels installs the recommended labels and actions.
// POST /api/v1/accounts/:id/labels/seed
func (h *AdminHandler) SeedLabels(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	if _, err := h.account(c, accountID); err != nil {
		return err
	}
	if err := h.deps.Seeder.SeedRecommended(c.UserContext(), accountID); err != nil {
		return apperr.Internal(err)
	}
	return response.OK(c, fiber.Map{"account_id": accountID, "seeded": true})
}

// =============================================================================
// Pipeline
// =============================================================================

// ProcessMessage enqueues classification of one stored message.
// POST /api/v1/messages/:id/process
func (h *AdminHandler) ProcessMessage(c *fiber.Ctx) error {
	messageID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	msg, err := h.deps.Messages.GetMessage(c.UserContext(), messageID)
	if err != nil {
		return apperr.Internal(err)
	}
	if msg == nil {
		return apperr.NotFound("message")
	}

	job := &out.ProcessEmailJob{MessageID: messageID}
	if err := h.deps.Producer.PublishProcessEmail(c.UserContext(), job); err != nil {
		return apperr.QueueError(err)
	}
	return response.Accepted(c, job)
}

type triggerRequest struct {
	MessageID int64 `json:"message_id"`
}

// TriggerLabel enqueues the actions of a label for one message.
// POST /api/v1/labels/:id/trigger {"message_id": 1}
func (h *AdminHandler) TriggerLabel(c *fiber.Ctx) error {
	labelID, err := paramID(c, "id")
	if err != nil {
		return err
	}

	var req triggerRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if req.MessageID <= 0 {
		return apperr.InvalidInput("message_id", "must be a positive integer")
	}

	label, err := h.deps.Labels.GetByID(c.UserContext(), labelID)
	if err != nil {
		return apperr.Internal(err)
	}
	if label == nil {
		return apperr.NotFound("label")
	}

	job := &out.TriggerLabelJob{LabelID: labelID, MessageID: req.MessageID}
	if err := h.deps.Producer.PublishTriggerLabel(c.UserContext(), job); err != nil {
		return apperr.QueueError(err)
	}
	return response.Accepted(c, job)
}

func (h *AdminHandler) account(c *fiber.Ctx, id int64) (*domain.Account, error) {
	account, err := h.deps.Accounts.GetByID(c.UserContext(), id)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if account == nil {
		return nil, apperr.NotFound("account")
	}
	return account, nil
}

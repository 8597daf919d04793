package http

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/infra/middleware"
	pkgcache "mailflow/pkg/cache"
	"mailflow/pkg/ratelimit"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recProducer struct {
	sync    []*out.SyncAccountJob
	process []*out.ProcessEmailJob
	trigger []*out.TriggerLabelJob
	err     error
}

func (p *recProducer) PublishSyncAccount(_ context.Context, job *out.SyncAccountJob) error {
	p.sync = append(p.sync, job)
	return p.err
}
func (p *recProducer) PublishSyncAllAccounts(context.Context) error { return p.err }
func (p *recProducer) PublishProcessEmail(_ context.Context, job *out.ProcessEmailJob) error {
	p.process = append(p.process, job)
	return p.err
}
func (p *recProducer) PublishTriggerLabel(_ context.Context, job *out.TriggerLabelJob) error {
	p.trigger = append(p.trigger, job)
	return p.err
}

type mapAccounts map[int64]*domain.Account

func (m mapAccounts) GetByID(_ context.Context, id int64) (*domain.Account, error) { return m[id], nil }

type mapMessages map[int64]*domain.Message

func (m mapMessages) GetMessage(_ context.Context, id int64) (*domain.Message, error) {
	return m[id], nil
}

type mapLabels map[int64]*domain.Label

func (m mapLabels) GetByID(_ context.Context, id int64) (*domain.Label, error) { return m[id], nil }

type fixedStatus struct{ status domain.SyncStatus }

func (s fixedStatus) Get(_ context.Context, accountID int64) (*domain.SyncStatus, error) {
	st := s.status
	st.AccountID = accountID
	return &st, nil
}

type listRuns struct {
	runs      []*domain.SyncRun
	lastLimit int
}

func (l *listRuns) ListRecent(_ context.Context, _ int64, limit int) ([]*domain.SyncRun, error) {
	l.lastLimit = limit
	return l.runs, nil
}

type recSeeder struct{ seeded []int64 }

func (s *recSeeder) SeedRecommended(_ context.Context, accountID int64) error {
	s.seeded = append(s.seeded, accountID)
	return nil
}

type adminFixture struct {
	app      *fiber.App
	producer *recProducer
	runs     *listRuns
	seeder   *recSeeder
	synced   time.Time
}

func newAdminFixture() *adminFixture {
	synced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &adminFixture{
		producer: &recProducer{},
		runs:     &listRuns{runs: []*domain.SyncRun{{AccountID: 1, Phase: domain.SyncPhaseIncremental}}},
		seeder:   &recSeeder{},
		synced:   synced,
	}
	handler := NewAdminHandler(AdminDeps{
		Producer: f.producer,
		Accounts: mapAccounts{1: {ID: 1, Email: "a@example.com", LastSyncedAt: &synced}},
		Messages: mapMessages{10: {ID: 10, AccountID: 1}},
		Labels:   mapLabels{5: {ID: 5, AccountID: 1, Name: "Invoices"}},
		Status:   fixedStatus{status: domain.SyncStatus{InProgress: true, LastError: "quota"}},
		Runs:     f.runs,
		Seeder:   f.seeder,
	})

	f.app = fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler()})
	handler.Register(f.app.Group("/api/v1"))
	return f
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
	Meta *struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	} `json:"meta"`
}

func (f *adminFixture) call(t *testing.T, method, path, body string) (int, apiResponse) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var parsed apiResponse
	require.NoError(t, json.Unmarshal(raw, &parsed), string(raw))
	return resp.StatusCode, parsed
}

func TestAdmin_SyncAccount(t *testing.T) {
	f := newAdminFixture()

	status, body := f.call(t, "POST", "/api/v1/accounts/1/sync?backfill=1", "")
	assert.Equal(t, 202, status)
	assert.True(t, body.Success)
	require.Len(t, f.producer.sync, 1)
	assert.Equal(t, int64(1), f.producer.sync[0].AccountID)
	assert.True(t, f.producer.sync[0].BackfillMode)
	assert.False(t, f.producer.sync[0].ForceInitial)
}

func TestAdmin_SyncAccount_Errors(t *testing.T) {
	f := newAdminFixture()

	status, body := f.call(t, "POST", "/api/v1/accounts/abc/sync", "")
	assert.Equal(t, 400, status)
	assert.Equal(t, "INVALID_INPUT", body.Error.Code)

	status, body = f.call(t, "POST", "/api/v1/accounts/99/sync", "")
	assert.Equal(t, 404, status)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)

	f.producer.err = errors.New("redis down")
	status, body = f.call(t, "POST", "/api/v1/accounts/1/sync", "")
	assert.Equal(t, 503, status)
	assert.Equal(t, "QUEUE_ERROR", body.Error.Code)
}

func TestAdmin_SyncAccount_Debounced(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	producer := &recProducer{}
	handler := NewAdminHandler(AdminDeps{
		Producer:     producer,
		Accounts:     mapAccounts{1: {ID: 1}},
		SyncDebounce: ratelimit.NewDebouncer(pkgcache.NewRedisCache(client, "mailflow:"), time.Minute),
	})
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler()})
	handler.Register(app.Group("/api/v1"))

	send := func() int {
		resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/accounts/1/sync", nil))
		require.NoError(t, err)
		return resp.StatusCode
	}

	producer.err = errors.New("redis down")
	assert.Equal(t, 503, send())
	producer.err, producer.sync = nil, nil

	assert.Equal(t, 202, send())
	assert.Equal(t, 409, send())
	assert.Len(t, producer.sync, 1)
}

func TestAdmin_SyncStatus(t *testing.T) {
	f := newAdminFixture()

	status, body := f.call(t, "GET", "/api/v1/accounts/1/sync-status", "")
	require.Equal(t, 200, status)

	var st domain.SyncStatus
	require.NoError(t, json.Unmarshal(body.Data, &st))
	assert.Equal(t, int64(1), st.AccountID)
	assert.True(t, st.InProgress)
	assert.Equal(t, "quota", st.LastError)
	require.NotNil(t, st.LastSyncedAt)
	assert.True(t, f.synced.Equal(*st.LastSyncedAt))
}

func TestAdmin_SyncRuns(t *testing.T) {
	f := newAdminFixture()

	status, body := f.call(t, "GET", "/api/v1/accounts/1/sync-runs?limit=5", "")
	require.Equal(t, 200, status)
	assert.Equal(t, 5, f.runs.lastLimit)
	require.NotNil(t, body.Meta)
	assert.Equal(t, 1, body.Meta.Total)
}

func TestAdmin_SeedLabels(t *testing.T) {
	f := newAdminFixture()

	status, _ := f.call(t, "POST", "/api/v1/accounts/1/labels/seed", "")
	assert.Equal(t, 200, status)
	assert.Equal(t, []int64{1}, f.seeder.seeded)
}

func TestAdmin_ProcessMessage(t *testing.T) {
	f := newAdminFixture()

	status, _ := f.call(t, "POST", "/api/v1/messages/10/process", "")
	assert.Equal(t, 202, status)
	require.Len(t, f.producer.process, 1)
	assert.Equal(t, int64(10), f.producer.process[0].MessageID)

	status, _ = f.call(t, "POST", "/api/v1/messages/11/process", "")
	assert.Equal(t, 404, status)
}

func TestAdmin_TriggerLabel(t *testing.T) {
	f := newAdminFixture()

	status, _ := f.call(t, "POST", "/api/v1/labels/5/trigger", `{"message_id": 10}`)
	assert.Equal(t, 202, status)
	require.Len(t, f.producer.trigger, 1)
	assert.Equal(t, out.TriggerLabelJob{LabelID: 5, MessageID: 10}, *f.producer.trigger[0])

	status, body := f.call(t, "POST", "/api/v1/labels/5/trigger", `{}`)
	assert.Equal(t, 400, status)
	assert.Equal(t, "INVALID_INPUT", body.Error.Code)

	status, _ = f.call(t, "POST", "/api/v1/labels/6/trigger", `{"message_id": 10}`)
	assert.Equal(t, 404, status)
}

func TestHealth(t *testing.T) {
	app := fiber.New()
	NewHealthHandler(map[string]HealthChecker{
		"postgres": CheckerFunc(func(context.Context) error { return nil }),
		"redis":    CheckerFunc(func(context.Context) error { return errors.New("refused") }),
	}).WithStats("redis", func() any { return map[string]int{"idle_conns": 3} }).Register(app)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)

	var body struct {
		Checks map[string]string         `json:"checks"`
		Stats  map[string]map[string]int `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Checks["postgres"])
	assert.Equal(t, "unhealthy: refused", body.Checks["redis"])
	assert.Equal(t, 3, body.Stats["redis"]["idle_conns"])
}

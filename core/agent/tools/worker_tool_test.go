package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mailflow/core/domain"
	"mailflow/core/port/out"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeAdapter struct {
	sent       []*out.ProviderOutgoingMessage
	drafts     []*out.ProviderOutgoingMessage
	archived   []string
	spammed    []string
	deleted    []string
	err        error
	draftErr   error
	providerID domain.Provider
}

func (f *fakeAdapter) GetProviderType() domain.Provider { return f.providerID }
func (f *fakeAdapter) MaxPageSize() int                 { return 100 }
func (f *fakeAdapter) ListInboxPage(context.Context, *oauth2.Token, *out.InboxPageRequest) (*out.InboxPage, error) {
	return &out.InboxPage{}, nil
}
func (f *fakeAdapter) GetFullConversation(context.Context, *oauth2.Token, string) ([]*out.ProviderMailMessage, error) {
	return nil, nil
}
func (f *fakeAdapter) Send(_ context.Context, _ *oauth2.Token, msg *out.ProviderOutgoingMessage) (*out.ProviderSendResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msg)
	return &out.ProviderSendResult{ExternalID: "sent-1"}, nil
}
func (f *fakeAdapter) CreateDraft(_ context.Context, _ *oauth2.Token, msg *out.ProviderOutgoingMessage) (*out.ProviderDraftResult, error) {
	if f.draftErr != nil {
		return nil, f.draftErr
	}
	f.drafts = append(f.drafts, msg)
	return &out.ProviderDraftResult{ExternalID: "d-1"}, nil
}
func (f *fakeAdapter) MarkAsRead(context.Context, *oauth2.Token, string) error { return f.err }
func (f *fakeAdapter) Archive(_ context.Context, _ *oauth2.Token, id string) error {
	if f.err != nil {
		return f.err
	}
	f.archived = append(f.archived, id)
	return nil
}
func (f *fakeAdapter) MarkAsSpam(_ context.Context, _ *oauth2.Token, id string) error {
	if f.err != nil {
		return f.err
	}
	f.spammed = append(f.spammed, id)
	return nil
}
func (f *fakeAdapter) Delete(_ context.Context, _ *oauth2.Token, id string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}
func (f *fakeAdapter) ModifyLabels(context.Context, *oauth2.Token, string, []string, []string) error {
	return nil
}

type fakeProviders struct{ adapter *fakeAdapter }

func (f *fakeProviders) Get(p domain.Provider) (out.EmailProviderPort, error) {
	if p != domain.ProviderGmail {
		return nil, domain.ErrUnsupportedProvider
	}
	return f.adapter, nil
}

type fakeCredentials struct{ invalidated []int64 }

func (f *fakeCredentials) GetValidCredential(_ context.Context, a *domain.Account) domain.CredentialResult {
	if !a.IsConnected {
		return domain.CredentialResult{Status: domain.CredentialFailure, Err: domain.ErrNotConnected}
	}
	return domain.CredentialResult{Status: domain.CredentialOK, Token: &oauth2.Token{AccessToken: "t"}}
}
func (f *fakeCredentials) Invalidate(id int64) { f.invalidated = append(f.invalidated, id) }

type fakeDrafter struct {
	body         string
	err          error
	instructions []string
}

func (f *fakeDrafter) Draft(_ context.Context, instructions, _ string) (string, error) {
	f.instructions = append(f.instructions, instructions)
	return f.body, f.err
}

type fakeEmails struct{ deleted []int64 }

func (f *fakeEmails) GetMessage(context.Context, int64) (*domain.Message, error) { return nil, nil }
func (f *fakeEmails) DeleteMessage(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}
func (f *fakeEmails) FilterWithoutTasks(context.Context, int64, []int64) ([]int64, error) {
	return nil, nil
}
func (f *fakeEmails) ListBacklogWithoutTasks(context.Context, int64, []int64, int) ([]int64, error) {
	return nil, nil
}

type fakeDrafts struct{ saved []*domain.Draft }

func (f *fakeDrafts) Create(_ context.Context, d *domain.Draft) error {
	d.ID = int64(len(f.saved) + 1)
	f.saved = append(f.saved, d)
	return nil
}

type fakeTasks struct {
	byMessage map[int64]*domain.Task
	created   []*domain.Task
	links     map[int64]int64
}

func (f *fakeTasks) GetByID(context.Context, int64) (*domain.Task, error) { return nil, nil }
func (f *fakeTasks) GetByMessage(_ context.Context, _, messageID int64) (*domain.Task, error) {
	return f.byMessage[messageID], nil
}
func (f *fakeTasks) HasTaskForMessage(_ context.Context, messageID int64) (bool, error) {
	return f.byMessage[messageID] != nil, nil
}
func (f *fakeTasks) LinkJob(_ context.Context, taskID, jobID int64) error {
	f.links[taskID] = jobID
	return nil
}
func (f *fakeTasks) WithinTaskTx(_ context.Context, fn func(tx out.TaskTx) error) error {
	return fn(&fakeTaskTx{tasks: f})
}

type fakeTaskTx struct {
	out.TaskTx
	tasks *fakeTasks
}

func (tx *fakeTaskTx) CreateTask(_ context.Context, t *domain.Task) error {
	t.ID = int64(100 + len(tx.tasks.created))
	t.DisplayNumber = len(tx.tasks.created) + 1
	tx.tasks.created = append(tx.tasks.created, t)
	tx.tasks.byMessage[*t.MessageID] = t
	return nil
}

type fakeJobs struct{ created []*domain.Job }

func (f *fakeJobs) Create(_ context.Context, j *domain.Job) error {
	j.ID = int64(len(f.created) + 1)
	f.created = append(f.created, j)
	return nil
}

type fakeLabels struct {
	out.LabelRepository
	labels  []*domain.Label
	applied map[int64]bool
}

func (f *fakeLabels) FindByName(_ context.Context, _ int64, name string) (*domain.Label, error) {
	return domain.FindLabelByName(f.labels, name), nil
}
func (f *fakeLabels) Apply(_ context.Context, messageID, labelID int64) (*domain.EmailLabel, bool, error) {
	if f.applied[labelID] {
		return &domain.EmailLabel{MessageID: messageID, LabelID: labelID}, false, nil
	}
	f.applied[labelID] = true
	return &domain.EmailLabel{MessageID: messageID, LabelID: labelID}, true, nil
}
func (f *fakeLabels) Unapply(_ context.Context, _, labelID int64) (bool, error) {
	was := f.applied[labelID]
	delete(f.applied, labelID)
	return was, nil
}

type triggerCall struct{ labelID, messageID int64 }

type fakeTrigger struct{ calls []triggerCall }

func (f *fakeTrigger) Retrigger(_ context.Context, labelID, messageID int64) {
	f.calls = append(f.calls, triggerCall{labelID, messageID})
}

// =============================================================================
// Fixture
// =============================================================================

type toolFixture struct {
	registry    *Registry
	adapter     *fakeAdapter
	credentials *fakeCredentials
	drafter     *fakeDrafter
	emails      *fakeEmails
	drafts      *fakeDrafts
	tasks       *fakeTasks
	jobs        *fakeJobs
	labels      *fakeLabels
	trigger     *fakeTrigger
}

func newToolFixture() *toolFixture {
	f := &toolFixture{
		adapter:     &fakeAdapter{providerID: domain.ProviderGmail},
		credentials: &fakeCredentials{},
		drafter:     &fakeDrafter{body: "<p>Thanks for reaching out.</p>"},
		emails:      &fakeEmails{},
		drafts:      &fakeDrafts{},
		tasks:       &fakeTasks{byMessage: map[int64]*domain.Task{}, links: map[int64]int64{}},
		jobs:        &fakeJobs{},
		labels: &fakeLabels{
			labels:  []*domain.Label{{ID: 11, Name: "Quotes"}, {ID: 12, Name: "Awaiting Reply"}},
			applied: map[int64]bool{},
		},
		trigger: &fakeTrigger{},
	}
	f.registry = NewRegistry(Dependencies{
		Providers:   &fakeProviders{adapter: f.adapter},
		Credentials: f.credentials,
		Drafter:     f.drafter,
		Emails:      f.emails,
		Drafts:      f.drafts,
		Tasks:       f.tasks,
		Jobs:        f.jobs,
		Labels:      f.labels,
	})
	f.registry.SetTrigger(f.trigger)
	return f
}

func newRequest(fn domain.ActionFunction, instructions string) *Request {
	threadID := int64(3)
	return &Request{
		Account: &domain.Account{ID: 1, Provider: domain.ProviderGmail, Email: "me@example.com", IsConnected: true},
		Message: &domain.Message{
			ID: 42, AccountID: 1, ThreadID: &threadID,
			ExternalMessageID: "m-42", ExternalThreadID: "t-3",
			Subject: "Quote request", FromName: "Ann", FromAddress: "ann@example.com",
			BodyHTML: "<p>How much for the car park?</p>", DateSent: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		},
		Label:  &domain.Label{ID: 11, Name: "Quotes", Instructions: "Reply with our rates"},
		Action: &domain.Action{ID: 5, Name: string(fn), Function: fn, Instructions: instructions},
	}
}

// =============================================================================
// Registry
// =============================================================================

func TestRegistry_CoversEveryFunction(t *testing.T) {
	r := newToolFixture().registry
	for _, fn := range domain.ActionFunctions {
		assert.True(t, r.Has(fn), fn)
		assert.NotEmpty(t, r.Category(fn), fn)
	}
	assert.Len(t, r.Functions(), len(domain.ActionFunctions))
}

func TestRegistry_UnknownAction(t *testing.T) {
	r := newToolFixture().registry
	res := r.Execute(context.Background(), newRequest("teleport", ""))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, domain.ErrUnknownAction.Error())
}

func TestRegistry_RecoversPanic(t *testing.T) {
	r := newToolFixture().registry
	r.executors[domain.ActionNotify] = ExecutorFunc(func(context.Context, *Request) *Result {
		panic("boom")
	})
	res := r.Execute(context.Background(), newRequest(domain.ActionNotify, ""))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "boom")
}

// =============================================================================
// Email executors
// =============================================================================

func TestDraftReply_MirrorsProviderDraft(t *testing.T) {
	f := newToolFixture()
	req := newRequest(domain.ActionDraftReply, "Quote our standard rate")
	req.Account.WritingStyle = "Friendly and brief"

	res := f.registry.Execute(context.Background(), req)
	require.True(t, res.Success, res.Message)

	require.Len(t, f.drafts.saved, 1)
	d := f.drafts.saved[0]
	assert.Equal(t, "Re: Quote request", d.Subject)
	assert.Equal(t, []string{"ann@example.com"}, d.To)
	assert.Equal(t, "d-1", d.ExternalDraftID)
	assert.Equal(t, d.ID, res.Data["draft_id"])

	require.Len(t, f.adapter.drafts, 1)
	assert.Equal(t, "t-3", f.adapter.drafts[0].ThreadID)
	assert.Equal(t, "Quote our standard rate\n\nWriting style: Friendly and brief", f.drafter.instructions[0])
}

func TestDraftReply_DisconnectedKeepsLocalDraft(t *testing.T) {
	f := newToolFixture()
	req := newRequest(domain.ActionDraftReply, "")
	req.Account.IsConnected = false
	req.Message.Subject = ""

	res := f.registry.Execute(context.Background(), req)
	require.True(t, res.Success, res.Message)
	require.Len(t, f.drafts.saved, 1)
	assert.Empty(t, f.drafts.saved[0].ExternalDraftID)
	assert.Equal(t, "Re: your message", f.drafts.saved[0].Subject)
	assert.Empty(t, f.adapter.drafts)
	assert.Equal(t, "Reply with our rates", f.drafter.instructions[0])
}

func TestDraftReply_DrafterFailure(t *testing.T) {
	f := newToolFixture()
	f.drafter.err = errors.New("llm unavailable")
	res := f.registry.Execute(context.Background(), newRequest(domain.ActionDraftReply, ""))
	assert.False(t, res.Success)
	assert.Empty(t, f.drafts.saved)
}

func TestSendReply(t *testing.T) {
	f := newToolFixture()
	req := newRequest(domain.ActionSendReply, "")
	req.Context = map[string]any{"draft_body": "<p>Already drafted</p>"}

	res := f.registry.Execute(context.Background(), req)
	require.True(t, res.Success, res.Message)
	require.Len(t, f.adapter.sent, 1)
	assert.Equal(t, "<p>Already drafted</p>", f.adapter.sent[0].Body)
	assert.Empty(t, f.drafter.instructions)
	assert.Equal(t, "sent-1", res.Data["sent_message_id"])

	req = newRequest(domain.ActionSendReply, "")
	req.Account.IsConnected = false
	res = f.registry.Execute(context.Background(), req)
	assert.False(t, res.Success)
	assert.Equal(t, "account not connected", res.Message)
}

func TestForwardEmail(t *testing.T) {
	f := newToolFixture()
	res := f.registry.Execute(context.Background(),
		newRequest(domain.ActionForwardEmail, "Forward to: ops@example.com; Boss <boss@example.com>"))
	require.True(t, res.Success, res.Message)
	require.Len(t, f.adapter.sent, 1)
	assert.Equal(t, []string{"ops@example.com", "boss@example.com"}, out.Addresses(f.adapter.sent[0].To))
	assert.Equal(t, "Fwd: Quote request", f.adapter.sent[0].Subject)

	req := newRequest(domain.ActionForwardEmail, "")
	req.Label.Instructions = ""
	req.Context = map[string]any{"forward_to": []any{"desk@example.com"}}
	res = f.registry.Execute(context.Background(), req)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, []string{"desk@example.com"}, res.Data["forwarded_to"])

	req = newRequest(domain.ActionForwardEmail, "")
	req.Label.Instructions = ""
	res = f.registry.Execute(context.Background(), req)
	assert.False(t, res.Success)
}

func TestMailboxActions(t *testing.T) {
	f := newToolFixture()
	ctx := context.Background()

	require.True(t, f.registry.Execute(ctx, newRequest(domain.ActionArchiveEmail, "")).Success)
	require.True(t, f.registry.Execute(ctx, newRequest(domain.ActionMarkAsSpam, "")).Success)
	require.True(t, f.registry.Execute(ctx, newRequest(domain.ActionDeleteEmail, "")).Success)

	assert.Equal(t, []string{"m-42"}, f.adapter.archived)
	assert.Equal(t, []string{"m-42"}, f.adapter.spammed)
	assert.Equal(t, []string{"m-42"}, f.adapter.deleted)
	assert.Equal(t, []int64{42}, f.emails.deleted)
}

func TestProviderAuthErrorInvalidatesCredential(t *testing.T) {
	f := newToolFixture()
	f.adapter.err = out.NewProviderError("gmail", out.ProviderErrAuth, "unauthorized", nil, false)

	res := f.registry.Execute(context.Background(), newRequest(domain.ActionArchiveEmail, ""))
	assert.False(t, res.Success)
	assert.Equal(t, []int64{1}, f.credentials.invalidated)
}

func TestParseRecipients(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"to: a@x.com, b@y.com", []string{"a@x.com", "b@y.com"}},
		{"Forward TO: a@x.com.\nthen archive", []string{"a@x.com"}},
		{"forward to the office", nil},
		{"no recipients here", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseRecipients(tt.in), tt.in)
	}
}

// =============================================================================
// Label executors
// =============================================================================

func TestAddLabel_RetriggersOnlyWhenCreated(t *testing.T) {
	f := newToolFixture()
	ctx := context.Background()

	res := f.registry.Execute(ctx, newRequest(domain.ActionAddLabel, "Label: awaiting reply"))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, true, res.Data["created"])
	assert.Equal(t, []triggerCall{{12, 42}}, f.trigger.calls)

	res = f.registry.Execute(ctx, newRequest(domain.ActionAddLabel, "Awaiting Reply"))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, false, res.Data["created"])
	assert.Len(t, f.trigger.calls, 1)
}

func TestAddLabel_FromContextAndMissing(t *testing.T) {
	f := newToolFixture()
	req := newRequest(domain.ActionAddLabel, "")
	req.Label.Instructions = ""
	req.Context = map[string]any{"label_name": "quotes"}
	res := f.registry.Execute(context.Background(), req)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, int64(11), res.Data["added_label_id"])
	assert.NotContains(t, res.Data, "label_id", "the triggering label_id in the shared context stays intact")

	res = f.registry.Execute(context.Background(), newRequest(domain.ActionAddLabel, "Label: Invoices"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Invoices")
}

func TestRemoveLabel(t *testing.T) {
	f := newToolFixture()
	f.labels.applied[11] = true

	res := f.registry.Execute(context.Background(), newRequest(domain.ActionRemoveLabel, "quotes"))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, true, res.Data["removed"])
	assert.Equal(t, int64(11), res.Data["removed_label_id"])
	assert.NotContains(t, res.Data, "label_id")
	assert.False(t, f.labels.applied[11])
}

// =============================================================================
// Task executors
// =============================================================================

func TestCreateTask_Idempotent(t *testing.T) {
	f := newToolFixture()
	ctx := context.Background()

	res := f.registry.Execute(ctx, newRequest(domain.ActionCreateTask, "High priority follow-up"))
	require.True(t, res.Success, res.Message)
	require.Len(t, f.tasks.created, 1)
	task := f.tasks.created[0]
	assert.Equal(t, "Quote request", task.Title)
	assert.Equal(t, "Email from Ann: Quote request", task.Description)
	assert.Equal(t, 5, task.Priority)
	assert.Equal(t, domain.TaskStatusPending, task.Status)

	res = f.registry.Execute(ctx, newRequest(domain.ActionCreateTask, ""))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, true, res.Data["existing"])
	assert.Equal(t, task.ID, res.Data["task_id"])
	assert.Len(t, f.tasks.created, 1)
}

func TestCreateTask_NoSubject(t *testing.T) {
	f := newToolFixture()
	req := newRequest(domain.ActionCreateTask, "")
	req.Label.Instructions = ""
	req.Message.Subject = ""

	res := f.registry.Execute(context.Background(), req)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Task for email from Ann", f.tasks.created[0].Title)
	assert.Equal(t, 1, f.tasks.created[0].Priority)
}

func TestKeywordPriority(t *testing.T) {
	tests := map[string]int{
		"URGENT: call back":  5,
		"treat as priority":  5,
		"high value lead":    4,
		"medium effort":      3,
		"just keep an eye":   1,
		"":                   1,
	}
	for in, want := range tests {
		assert.Equal(t, want, keywordPriority(in), in)
	}
}

func TestCreateJob_LinksTask(t *testing.T) {
	f := newToolFixture()
	f.tasks.byMessage[42] = &domain.Task{ID: 9}

	res := f.registry.Execute(context.Background(), newRequest(domain.ActionCreateJob, ""))
	require.True(t, res.Success, res.Message)
	require.Len(t, f.jobs.created, 1)
	job := f.jobs.created[0]
	assert.Equal(t, "Ann", job.CustomerName)
	assert.Equal(t, "ann@example.com", job.CustomerEmail)
	assert.Equal(t, domain.JobStatusOpen, job.Status)
	assert.Equal(t, int64(9), res.Data["task_id"])
	assert.Equal(t, job.ID, f.tasks.links[9])
}

func TestNotifyAndSchedule(t *testing.T) {
	f := newToolFixture()
	for _, fn := range []domain.ActionFunction{domain.ActionNotify, domain.ActionSchedule} {
		res := f.registry.Execute(context.Background(), newRequest(fn, "tell the office"))
		require.True(t, res.Success, res.Message)
		assert.Equal(t, string(fn), res.Data["action"])
		assert.True(t, strings.HasSuffix(res.Message, "logged"))
	}
}

package classification

import (
	"context"
	"errors"
	"testing"

	"mailflow/core/domain"
	"mailflow/core/port/out"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// =============================================================================
// Fakes
// =============================================================================

type pipeEmails struct {
	out.EmailRepository
	messages map[int64]*domain.Message
}

func (p *pipeEmails) GetMessage(_ context.Context, id int64) (*domain.Message, error) {
	return p.messages[id], nil
}

type pipeAccounts struct {
	out.AccountRepository
	account *domain.Account
}

func (p *pipeAccounts) GetByID(context.Context, int64) (*domain.Account, error) { return p.account, nil }

type pipeLabels struct {
	out.LabelRepository
	available []*domain.Label
	applied   map[int64]bool
	applyErr  map[int64]error

	created []*domain.Label
	links   map[string][]int64
}

func (p *pipeLabels) ListAvailable(context.Context, int64) ([]*domain.Label, error) {
	return p.available, nil
}
func (p *pipeLabels) Apply(_ context.Context, messageID, labelID int64) (*domain.EmailLabel, bool, error) {
	if err := p.applyErr[labelID]; err != nil {
		return nil, false, err
	}
	created := !p.applied[labelID]
	p.applied[labelID] = true
	return &domain.EmailLabel{MessageID: messageID, LabelID: labelID}, created, nil
}
func (p *pipeLabels) FindByName(_ context.Context, _ int64, name string) (*domain.Label, error) {
	return domain.FindLabelByName(append(p.available, p.created...), name), nil
}
func (p *pipeLabels) Create(_ context.Context, l *domain.Label) error {
	l.ID = int64(100 + len(p.created))
	p.created = append(p.created, l)
	return nil
}
func (p *pipeLabels) LinkAction(_ context.Context, labelID, actionID int64, _ int) error {
	for _, l := range p.created {
		if l.ID == labelID {
			p.links[l.Name] = append(p.links[l.Name], actionID)
		}
	}
	return nil
}

type pipeTasks struct {
	out.TaskRepository
	withTask map[int64]bool
}

func (p *pipeTasks) HasTaskForMessage(_ context.Context, id int64) (bool, error) {
	return p.withTask[id], nil
}

type pipeClassifier struct {
	result *domain.Classification
	err    error
}

func (p *pipeClassifier) Classify(context.Context, *domain.Message, []*domain.Label) (*domain.Classification, error) {
	return p.result, p.err
}

type pipeEnsurer struct {
	got []*domain.Classification
	err error
}

func (p *pipeEnsurer) EnsureTask(_ context.Context, _ *domain.Account, msg *domain.Message, c *domain.Classification) (*domain.Task, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.got = append(p.got, c)
	return &domain.Task{ID: 77, MessageID: &msg.ID}, nil
}

type pipeProducer struct {
	out.MessageProducer
	triggers []*out.TriggerLabelJob
}

func (p *pipeProducer) PublishTriggerLabel(_ context.Context, job *out.TriggerLabelJob) error {
	p.triggers = append(p.triggers, job)
	return nil
}

type pipeAdapter struct {
	out.EmailProviderPort
	read []string
	err  error
}

func (p *pipeAdapter) MarkAsRead(_ context.Context, _ *oauth2.Token, id string) error {
	p.read = append(p.read, id)
	return p.err
}

type pipeProviders struct{ adapter *pipeAdapter }

func (p pipeProviders) Get(domain.Provider) (out.EmailProviderPort, error) { return p.adapter, nil }

type pipeCredentials struct{}

func (pipeCredentials) GetValidCredential(context.Context, *domain.Account) domain.CredentialResult {
	return domain.CredentialResult{Status: domain.CredentialOK, Token: &oauth2.Token{AccessToken: "t"}}
}
func (pipeCredentials) Invalidate(int64) {}

type pipeActions struct {
	out.ActionRepository
	created []*domain.Action
}

func (p *pipeActions) FindByFunction(_ context.Context, _ int64, fn domain.ActionFunction) (*domain.Action, error) {
	for _, a := range p.created {
		if a.Function == fn {
			return a, nil
		}
	}
	return nil, nil
}
func (p *pipeActions) Create(_ context.Context, a *domain.Action) error {
	a.ID = int64(len(p.created) + 1)
	p.created = append(p.created, a)
	return nil
}

// =============================================================================
// Fixture
// =============================================================================

type pipelineFixture struct {
	pipeline   *Pipeline
	account    *domain.Account
	labels     *pipeLabels
	tasks      *pipeTasks
	classifier *pipeClassifier
	ensurer    *pipeEnsurer
	producer   *pipeProducer
	adapter    *pipeAdapter
}

func newPipelineFixture() *pipelineFixture {
	f := &pipelineFixture{
		account: &domain.Account{ID: 1, Provider: domain.ProviderGmail, Email: "me@example.com", IsConnected: true},
		labels: &pipeLabels{
			available: []*domain.Label{
				{ID: 1, Name: "Quotes"},
				{ID: 2, Name: "Urgent"},
				{ID: 3, Name: "Important"},
				{ID: 4, Name: "Awaiting Reply"},
			},
			applied:  map[int64]bool{},
			applyErr: map[int64]error{},
			links:    map[string][]int64{},
		},
		tasks:      &pipeTasks{withTask: map[int64]bool{}},
		classifier: &pipeClassifier{},
		ensurer:    &pipeEnsurer{},
		producer:   &pipeProducer{},
		adapter:    &pipeAdapter{},
	}
	emails := &pipeEmails{messages: map[int64]*domain.Message{
		42: {ID: 42, AccountID: 1, ExternalMessageID: "m-42", Subject: "Line marking quote", FromAddress: "ann@example.com"},
	}}
	f.pipeline = NewPipeline(emails, &pipeAccounts{account: f.account}, f.labels, f.tasks,
		f.classifier, f.ensurer, f.producer, pipeProviders{adapter: f.adapter}, pipeCredentials{})
	return f
}

// =============================================================================
// Tests
// =============================================================================

func TestProcessMessage_ClassifiesAndTriggersLabels(t *testing.T) {
	f := newPipelineFixture()
	f.classifier.result = &domain.Classification{
		Title: "Quote", Priority: 4,
		Labels: []string{"quotes", "Important", "Urgent", "Invoices"},
	}

	res, err := f.pipeline.ProcessMessage(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.False(t, res.Default)
	assert.Equal(t, int64(77), res.TaskID)
	assert.Equal(t, []string{"Urgent", "Quotes"}, res.Labels, "Important loses to Urgent; unknown names are dropped")
	assert.Equal(t, []string{"Urgent", "Quotes"}, f.ensurer.got[0].Labels)

	require.Len(t, f.producer.triggers, 2)
	assert.Equal(t, &out.TriggerLabelJob{LabelID: 2, MessageID: 42}, f.producer.triggers[0])
	assert.Equal(t, &out.TriggerLabelJob{LabelID: 1, MessageID: 42}, f.producer.triggers[1])
	assert.Equal(t, []string{"m-42"}, f.adapter.read)
}

func TestProcessMessage_AlreadyAppliedLabelIsNotTriggered(t *testing.T) {
	f := newPipelineFixture()
	f.labels.applied[1] = true
	f.classifier.result = &domain.Classification{Labels: []string{"Quotes"}}

	res, err := f.pipeline.ProcessMessage(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"Quotes"}, res.Labels)
	assert.Empty(t, f.producer.triggers)
}

func TestProcessMessage_DefaultClassificationOnFailure(t *testing.T) {
	f := newPipelineFixture()
	f.classifier.err = errors.New("llm unavailable")

	res, err := f.pipeline.ProcessMessage(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, res.Default)
	assert.Equal(t, []string{"Awaiting Reply"}, res.Labels)
	c := f.ensurer.got[0]
	assert.Equal(t, "Line marking quote", c.Title)
	assert.Equal(t, "Email from ann@example.com: Line marking quote", c.Description)
	assert.Equal(t, 1, c.Priority)
}

func TestProcessMessage_SkipsMessageWithTask(t *testing.T) {
	f := newPipelineFixture()
	f.tasks.withTask[42] = true

	res, err := f.pipeline.ProcessMessage(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, f.ensurer.got)

	res, err = f.pipeline.ProcessMessage(context.Background(), 404)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestProcessMessage_PerLabelFailuresAreIsolated(t *testing.T) {
	f := newPipelineFixture()
	f.labels.applyErr[2] = errors.New("deadlock")
	f.adapter.err = errors.New("gmail down")
	f.classifier.result = &domain.Classification{Labels: []string{"Urgent", "Quotes"}}

	res, err := f.pipeline.ProcessMessage(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.TriggeredLabel)
}

func TestProcessMessage_DisconnectedSkipsMarkRead(t *testing.T) {
	f := newPipelineFixture()
	f.account.IsConnected = false
	f.classifier.result = &domain.Classification{}

	_, err := f.pipeline.ProcessMessage(context.Background(), 42)
	require.NoError(t, err)
	assert.Empty(t, f.adapter.read)
}

func TestProcessMessage_EnsureTaskErrorIsReturned(t *testing.T) {
	f := newPipelineFixture()
	f.classifier.result = &domain.Classification{Labels: []string{"Quotes"}}
	f.ensurer.err = errors.New("serialization failure")

	_, err := f.pipeline.ProcessMessage(context.Background(), 42)
	assert.Error(t, err)
	assert.Empty(t, f.producer.triggers)
}

func TestSeedRecommended_Idempotent(t *testing.T) {
	labels := &pipeLabels{applied: map[int64]bool{}, links: map[string][]int64{}}
	actions := &pipeActions{}
	seeder := NewSeeder(labels, actions)

	require.NoError(t, seeder.SeedRecommended(context.Background(), 1))
	require.NoError(t, seeder.SeedRecommended(context.Background(), 1))

	assert.Len(t, actions.created, len(recommendedActions))
	assert.Len(t, labels.created, len(recommendedLabels))

	draft, _ := actions.FindByFunction(context.Background(), 1, domain.ActionDraftReply)
	job, _ := actions.FindByFunction(context.Background(), 1, domain.ActionCreateJob)
	assert.Equal(t, []int64{draft.ID, job.ID}, labels.links["Quotes"])
	assert.Equal(t, []domain.ActionFunction{domain.ActionDraftReply, domain.ActionSchedule}, RecommendedActionsFor("scheduling"))
}

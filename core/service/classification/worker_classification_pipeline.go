// Package classification turns a stored message into a task and applied labels.
//
//	Stage 0: skip messages that already have a task
//	Stage 1: classify against the account's labels (default classification on failure)
//	Stage 2: validate labels (exclusive groups, one per category, max 3)
//	Stage 3: consolidate the task for the conversation
//	Stage 4: apply labels and enqueue orchestration for new applications
package classification

import (
	"context"
	"fmt"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/logger"
)

// TaskEnsurer creates or merges the task of a classified message.
type TaskEnsurer interface {
	EnsureTask(ctx context.Context, account *domain.Account, msg *domain.Message, c *domain.Classification) (*domain.Task, error)
}

// ProcessResult summarizes one process_email job.
type ProcessResult struct {
	MessageID      int64    `json:"message_id"`
	Skipped        bool     `json:"skipped"`
	TaskID         int64    `json:"task_id,omitempty"`
	Labels         []string `json:"labels"`
	TriggeredLabel []int64  `json:"triggered_labels"`
	Default        bool     `json:"default_classification"`
}

// Pipeline handles the process_email job.
type Pipeline struct {
	emails      out.EmailRepository
	accounts    out.AccountRepository
	labels      out.LabelRepository
	tasks       out.TaskRepository
	classifier  out.Classifier
	ensurer     TaskEnsurer
	producer    out.MessageProducer
	providers   out.EmailProviderRegistry
	credentials out.CredentialProvider
}

func NewPipeline(
	emails out.EmailRepository,
	accounts out.AccountRepository,
	labels out.LabelRepository,
	tasks out.TaskRepository,
	classifier out.Classifier,
	ensurer TaskEnsurer,
	producer out.MessageProducer,
	providers out.EmailProviderRegistry,
	credentials out.CredentialProvider,
) *Pipeline {
	return &Pipeline{
		emails:      emails,
		accounts:    accounts,
		labels:      labels,
		tasks:       tasks,
		classifier:  classifier,
		ensurer:     ensurer,
		producer:    producer,
		providers:   providers,
		credentials: credentials,
	}
}

// ProcessMessage is idempotent: a message that already has a task is skipped,
// and labels already applied are not triggered again.
func (p *Pipeline) ProcessMessage(ctx context.Context, messageID int64) (*ProcessResult, error) {
	res := &ProcessResult{MessageID: messageID, Labels: []string{}, TriggeredLabel: []int64{}}

	msg, err := p.emails.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		logger.Info("[Pipeline.ProcessMessage] message=%d not found, skipping", messageID)
		res.Skipped = true
		return res, nil
	}

	hasTask, err := p.tasks.HasTaskForMessage(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("check task: %w", err)
	}
	if hasTask {
		logger.Debug("[Pipeline.ProcessMessage] message=%d already has a task, skipping", msg.ID)
		res.Skipped = true
		return res, nil
	}

	account, err := p.accounts.GetByID(ctx, msg.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("account %d not found", msg.AccountID)
	}

	available, err := p.labels.ListAvailable(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}

	c, usedDefault := p.classify(ctx, msg, available)
	res.Default = usedDefault

	var matched []*domain.Label
	names := make([]string, 0, DefaultMaxLabels)
	for _, name := range FilterLabels(c.Labels, DefaultMaxLabels) {
		if l := domain.FindLabelByName(available, name); l != nil {
			matched = append(matched, l)
			names = append(names, l.Name)
		}
	}
	c.Labels = names
	res.Labels = names

	task, err := p.ensurer.EnsureTask(ctx, account, msg, c)
	if err != nil {
		return nil, err
	}
	res.TaskID = task.ID

	for _, l := range matched {
		_, created, err := p.labels.Apply(ctx, msg.ID, l.ID)
		if err != nil {
			logger.Warn("[Pipeline.ProcessMessage] message=%d label=%d apply failed: %v", msg.ID, l.ID, err)
			continue
		}
		if !created {
			continue
		}
		job := &out.TriggerLabelJob{LabelID: l.ID, MessageID: msg.ID}
		if err := p.producer.PublishTriggerLabel(ctx, job); err != nil {
			logger.Warn("[Pipeline.ProcessMessage] message=%d label=%d enqueue trigger failed: %v", msg.ID, l.ID, err)
			continue
		}
		res.TriggeredLabel = append(res.TriggeredLabel, l.ID)
	}

	p.markRead(ctx, account, msg)

	logger.Info("[Pipeline.ProcessMessage] account=%d message=%d task=%d labels=%v triggered=%d default=%v",
		account.ID, msg.ID, task.ID, names, len(res.TriggeredLabel), usedDefault)
	return res, nil
}

func (p *Pipeline) classify(ctx context.Context, msg *domain.Message, available []*domain.Label) (*domain.Classification, bool) {
	if p.classifier != nil {
		c, err := p.classifier.Classify(ctx, msg, available)
		if err == nil && c != nil {
			return c, false
		}
		logger.Warn("[Pipeline.classify] message=%d classifier failed, using default: %v", msg.ID, err)
	}
	return domain.DefaultClassification(msg, available), true
}

// markRead is best effort.
func (p *Pipeline) markRead(ctx context.Context, account *domain.Account, msg *domain.Message) {
	if !account.IsConnected || p.credentials == nil || p.providers == nil {
		return
	}
	cred := p.credentials.GetValidCredential(ctx, account)
	if !cred.Usable() {
		logger.Warn("[Pipeline.markRead] account=%d message=%d no credential: %v", account.ID, msg.ID, cred.Err)
		return
	}
	adapter, err := p.providers.Get(account.Provider)
	if err != nil {
		logger.Warn("[Pipeline.markRead] account=%d: %v", account.ID, err)
		return
	}
	if err := adapter.MarkAsRead(ctx, cred.Token, msg.ExternalMessageID); err != nil {
		logger.Warn("[Pipeline.markRead] account=%d message=%d mark read failed: %v", account.ID, msg.ID, err)
	}
}

package mail

import (
	"context"
	"errors"
	"fmt"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/logger"
)

// DefaultBacklogLimit bounds the older task-less messages queued per sync.
const DefaultBacklogLimit = 20

// Syncer is the part of SyncService the jobs depend on.
type Syncer interface {
	Sync(ctx context.Context, account *domain.Account, opts domain.SyncOptions) (*domain.SyncResult, error)
}

// EmailService runs the sync_account and sync_all_accounts jobs.
type EmailService struct {
	accounts out.AccountRepository
	emails   out.EmailRepository
	syncer   Syncer
	runs     out.SyncRunRecorder
	producer out.MessageProducer

	backlogLimit int
}

func NewEmailService(
	accounts out.AccountRepository,
	emails out.EmailRepository,
	syncer Syncer,
	runs out.SyncRunRecorder,
	producer out.MessageProducer,
) *EmailService {
	return &EmailService{
		accounts:     accounts,
		emails:       emails,
		syncer:       syncer,
		runs:         runs,
		producer:     producer,
		backlogLimit: DefaultBacklogLimit,
	}
}

// SyncAccount syncs one account and queues classification for messages that
// have no task yet. A nil result means the account was skipped.
func (s *EmailService) SyncAccount(ctx context.Context, job *out.SyncAccountJob) (*domain.SyncResult, error) {
	account, err := s.accounts.GetByID(ctx, job.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		logger.Info("[EmailService.SyncAccount] account=%d not found, skipping", job.AccountID)
		return nil, nil
	}
	if !account.CanSync() {
		logger.Info("[EmailService.SyncAccount] account=%d not connected or sync disabled, skipping", account.ID)
		return nil, nil
	}

	res, err := s.syncer.Sync(ctx, account, domain.SyncOptions{
		BackfillMode: job.BackfillMode,
		ForceInitial: job.ForceInitial,
	})
	switch {
	case errors.Is(err, domain.ErrSyncInProgress):
		return nil, nil
	case errors.Is(err, domain.ErrNotConnected):
		logger.Warn("[EmailService.SyncAccount] account=%d credential unusable, disconnecting: %v", account.ID, err)
		if derr := s.accounts.Disconnect(ctx, account.ID); derr != nil {
			logger.Error("[EmailService.SyncAccount] account=%d disconnect failed: %v", account.ID, derr)
		}
		s.record(ctx, res)
		return res, nil
	case err != nil:
		s.record(ctx, res)
		return res, err
	}

	queued := s.queueUnprocessed(ctx, account.ID, res.SyncedMessageIDs)
	if res.Run != nil {
		res.Run.QueuedMessageIDs = queued
	}
	s.record(ctx, res)
	return res, nil
}

// queueUnprocessed enqueues process_email for synced messages without a task
// (own or thread's), then for up to backlogLimit older ones.
func (s *EmailService) queueUnprocessed(ctx context.Context, accountID int64, synced []int64) []int64 {
	queued := []int64{}

	fresh, err := s.emails.FilterWithoutTasks(ctx, accountID, synced)
	if err != nil {
		logger.Warn("[EmailService.queueUnprocessed] account=%d filter failed: %v", accountID, err)
		fresh = nil
	}
	backlog, err := s.emails.ListBacklogWithoutTasks(ctx, accountID, synced, s.backlogLimit)
	if err != nil {
		logger.Warn("[EmailService.queueUnprocessed] account=%d backlog failed: %v", accountID, err)
		backlog = nil
	}

	seen := make(map[int64]bool, len(fresh)+len(backlog))
	for _, id := range append(fresh, backlog...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := s.producer.PublishProcessEmail(ctx, &out.ProcessEmailJob{MessageID: id}); err != nil {
			logger.Warn("[EmailService.queueUnprocessed] account=%d message=%d enqueue failed: %v", accountID, id, err)
			continue
		}
		queued = append(queued, id)
	}

	logger.Info("[EmailService.queueUnprocessed] account=%d synced=%d queued=%d (backlog %d)",
		accountID, len(synced), len(queued), len(backlog))
	return queued
}

func (s *EmailService) record(ctx context.Context, res *domain.SyncResult) {
	if s.runs == nil || res == nil || res.Run == nil {
		return
	}
	if err := s.runs.Record(context.WithoutCancel(ctx), res.Run); err != nil {
		logger.Warn("[EmailService.record] account=%d failed to record sync run: %v", res.Run.AccountID, err)
	}
}

// SyncAllAccounts enqueues sync_account for every syncable account.
func (s *EmailService) SyncAllAccounts(ctx context.Context) (int, error) {
	accounts, err := s.accounts.ListSyncable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list syncable accounts: %w", err)
	}

	queued := 0
	for _, a := range accounts {
		if !a.CanSync() {
			continue
		}
		if err := s.producer.PublishSyncAccount(ctx, &out.SyncAccountJob{AccountID: a.ID}); err != nil {
			logger.Warn("[EmailService.SyncAllAccounts] account=%d enqueue failed: %v", a.ID, err)
			continue
		}
		queued++
	}

	logger.Info("[EmailService.SyncAllAccounts] queued %d of %d accounts", queued, len(accounts))
	return queued, nil
}

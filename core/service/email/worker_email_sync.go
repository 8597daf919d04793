package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/logger"

	"golang.org/x/oauth2"
)

// =============================================================================
// SyncService - inbox pull with checkpoint, caps and thread backfill
// =============================================================================

const (
	DefaultInitialCap     = 500
	DefaultIncrementalCap = 200
	DefaultPageSize       = 100
)

// SyncConfig bounds one sync run.
type SyncConfig struct {
	InitialCap     int
	IncrementalCap int
	PageSize       int
}

// DefaultSyncConfig returns the production caps.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		InitialCap:     DefaultInitialCap,
		IncrementalCap: DefaultIncrementalCap,
		PageSize:       DefaultPageSize,
	}
}

type SyncService struct {
	store       out.SyncStore
	providers   out.EmailProviderRegistry
	credentials out.CredentialProvider
	lock        out.SyncLock
	status      out.SyncStatusStore
	threads     *ThreadMaterializer

	config SyncConfig
	now    func() time.Time
}

func NewSyncService(
	store out.SyncStore,
	providers out.EmailProviderRegistry,
	credentials out.CredentialProvider,
	lock out.SyncLock,
	status out.SyncStatusStore,
	config SyncConfig,
) *SyncService {
	if config.InitialCap <= 0 {
		config.InitialCap = DefaultInitialCap
	}
	if config.IncrementalCap <= 0 {
		config.IncrementalCap = DefaultIncrementalCap
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	return &SyncService{
		store:       store,
		providers:   providers,
		credentials: credentials,
		lock:        lock,
		status:      status,
		threads:     NewThreadMaterializer(),
		config:      config,
		now:         time.Now,
	}
}

// =============================================================================
// Sync
// =============================================================================
//
// The returned result is never nil: on failure it still carries the audit run
// so the caller can record it.

func (s *SyncService) Sync(ctx context.Context, account *domain.Account, opts domain.SyncOptions) (*domain.SyncResult, error) {
	start := s.now()
	result := &domain.SyncResult{
		SyncedMessageIDs: []int64{},
		Run: &domain.SyncRun{
			AccountID: account.ID,
			StartedAt: start,
		},
	}
	run := result.Run

	acquired, err := s.lock.Acquire(ctx, account.ID)
	if err != nil {
		return s.finish(result, fmt.Errorf("acquire sync lock: %w", err))
	}
	if !acquired {
		logger.Info("[SyncService.Sync] account=%d sync already in progress, skipping", account.ID)
		return s.finish(result, domain.ErrSyncInProgress)
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx), account.ID); err != nil {
			logger.Warn("[SyncService.Sync] account=%d failed to release lock: %v", account.ID, err)
		}
	}()

	s.setInProgress(ctx, account.ID, true)
	defer s.setInProgress(context.WithoutCancel(ctx), account.ID, false)

	err = s.sync(ctx, account, opts, result)
	if err != nil {
		if statusErr := s.status.SetLastError(context.WithoutCancel(ctx), account.ID, err.Error()); statusErr != nil {
			logger.Warn("[SyncService.Sync] account=%d failed to store last error: %v", account.ID, statusErr)
		}
	} else if statusErr := s.status.ClearLastError(ctx, account.ID); statusErr != nil {
		logger.Warn("[SyncService.Sync] account=%d failed to clear last error: %v", account.ID, statusErr)
	}

	logger.Info("[SyncService.Sync] account=%d phase=%s created=%d updated=%d total=%d backfill=%d/%d took=%v",
		account.ID, run.Phase, result.Created, result.Updated, result.Total,
		result.Backfill.Created, result.Backfill.Fetched, s.now().Sub(start))
	return s.finish(result, err)
}

func (s *SyncService) finish(result *domain.SyncResult, err error) (*domain.SyncResult, error) {
	result.Run.FinishedAt = s.now()
	if err != nil {
		result.Run.Error = err.Error()
	}
	return result, err
}

func (s *SyncService) sync(ctx context.Context, account *domain.Account, opts domain.SyncOptions, result *domain.SyncResult) error {
	run := result.Run

	// 1. Checkpoint and caps
	var since *time.Time
	if !opts.BackfillMode {
		since = account.LastSyncedAt
	}
	initial := opts.ForceInitial || since == nil
	limit := s.config.IncrementalCap
	switch {
	case opts.BackfillMode:
		run.Phase = domain.SyncPhaseBackfill
		limit = s.config.InitialCap
	case initial:
		run.Phase = domain.SyncPhaseInitial
		limit = s.config.InitialCap
	default:
		run.Phase = domain.SyncPhaseIncremental
	}
	run.Since = since
	run.Cap = limit

	// 2. Adapter and credential
	adapter, err := s.providers.Get(account.Provider)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedProvider, account.Provider)
	}

	token, err := s.credential(ctx, account)
	if err != nil {
		return err
	}

	pageSize := s.config.PageSize
	if opts.PageSize > 0 {
		pageSize = opts.PageSize
	}
	if maxPage := adapter.MaxPageSize(); maxPage > 0 && pageSize > maxPage {
		pageSize = maxPage
	}
	run.PageSize = pageSize

	// 3. Page loop
	fetched, err := s.fetchInbox(ctx, account, adapter, token, since, limit, pageSize)
	if err != nil {
		return s.providerFailure(account, "list inbox", err)
	}
	run.SeenExternalIDs = make([]string, 0, len(fetched))
	for _, m := range fetched {
		run.SeenExternalIDs = append(run.SeenExternalIDs, m.ExternalID)
	}

	// 4. Full conversations, fetched before the write transaction opens
	seen := make(map[string]bool, len(fetched))
	for _, m := range fetched {
		seen[m.ExternalID] = true
	}
	conversations, err := s.threads.Fetch(ctx, account, adapter, token, fetched, &result.Backfill)
	if err != nil {
		return s.providerFailure(account, "fetch conversation", err)
	}

	// 5. Persist everything and advance the checkpoint atomically
	syncedAt := s.now()
	err = s.store.WithinSyncTx(ctx, func(tx out.SyncTx) error {
		threadIDs := make(map[string]int64)

		for _, pm := range fetched {
			msg, created, err := persistMessage(ctx, tx, account.ID, pm, threadIDs)
			if err != nil {
				return err
			}
			if created {
				result.Created++
			} else {
				result.Updated++
			}
			result.SyncedMessageIDs = append(result.SyncedMessageIDs, msg.ID)
		}

		if err := s.threads.Persist(ctx, tx, account.ID, conversations, seen, threadIDs, &result.Backfill); err != nil {
			return err
		}

		return tx.SetLastSyncedAt(ctx, account.ID, syncedAt)
	})
	if err != nil {
		result.Created, result.Updated = 0, 0
		result.SyncedMessageIDs = []int64{}
		result.Backfill.Created, result.Backfill.Updated = 0, 0
		return fmt.Errorf("persist sync batch: %w", err)
	}

	result.Total = len(fetched)
	run.StoredMessageIDs = result.SyncedMessageIDs
	run.Backfill = result.Backfill
	account.LastSyncedAt = &syncedAt
	return nil
}

// fetchInbox pages through the inbox until limit messages were fetched or the
// provider reports no further page.
func (s *SyncService) fetchInbox(
	ctx context.Context,
	account *domain.Account,
	adapter out.EmailProviderPort,
	token *oauth2.Token,
	since *time.Time,
	limit, pageSize int,
) ([]*out.ProviderMailMessage, error) {
	var fetched []*out.ProviderMailMessage
	pageToken := ""

	for len(fetched) < limit {
		want := pageSize
		if remaining := limit - len(fetched); remaining < want {
			want = remaining
		}

		page, err := adapter.ListInboxPage(ctx, token, &out.InboxPageRequest{
			Since:     since,
			PageToken: pageToken,
			PageSize:  want,
		})
		if err != nil {
			return nil, err
		}

		for _, f := range page.Failures {
			logger.Warn("[SyncService.fetchInbox] account=%d skipping message %s: %v", account.ID, f.ExternalID, f.Err)
		}
		for _, m := range page.Messages {
			if len(fetched) >= limit {
				break
			}
			fetched = append(fetched, m)
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return fetched, nil
}

func (s *SyncService) credential(ctx context.Context, account *domain.Account) (*oauth2.Token, error) {
	cred := s.credentials.GetValidCredential(ctx, account)
	switch {
	case !cred.Usable():
		if cred.Err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrNotConnected, cred.Err)
		}
		return nil, domain.ErrNotConnected
	case cred.Status == domain.CredentialScopeWarning:
		logger.Warn("[SyncService.credential] account=%d scope mismatch missing=%v extra=%v, continuing",
			account.ID, cred.MissingScopes, cred.ExtraScopes)
	}
	return cred.Token, nil
}

// providerFailure maps a rejected credential to ErrNotConnected and drops the cached credential.
func (s *SyncService) providerFailure(account *domain.Account, op string, err error) error {
	var perr *out.ProviderError
	if errors.As(err, &perr) && perr.IsAuth() {
		s.credentials.Invalidate(account.ID)
		return fmt.Errorf("%w: %s: %v", domain.ErrNotConnected, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *SyncService) setInProgress(ctx context.Context, accountID int64, v bool) {
	if err := s.status.SetInProgress(ctx, accountID, v); err != nil {
		logger.Warn("[SyncService.setInProgress] account=%d in_progress=%v: %v", accountID, v, err)
	}
}

// =============================================================================
// Persist helpers
// =============================================================================

// persistMessage resolves the thread, upserts the message and replaces its attachments.
func persistMessage(ctx context.Context, tx out.SyncTx, accountID int64, pm *out.ProviderMailMessage, threadIDs map[string]int64) (*domain.Message, bool, error) {
	externalThreadID := pm.ExternalThreadID
	if externalThreadID == "" {
		externalThreadID = domain.SingletonThreadID(pm.ExternalID)
	}

	threadID, ok := threadIDs[externalThreadID]
	if !ok {
		id, err := tx.UpsertThread(ctx, accountID, externalThreadID, pm.Subject)
		if err != nil {
			return nil, false, fmt.Errorf("upsert thread %s: %w", externalThreadID, err)
		}
		threadID = id
		threadIDs[externalThreadID] = id
	}

	msg := toDomainMessage(accountID, pm)
	msg.ThreadID = &threadID
	msg.ExternalThreadID = externalThreadID

	created, err := tx.UpsertMessage(ctx, msg)
	if err != nil {
		return nil, false, fmt.Errorf("upsert message %s: %w", pm.ExternalID, err)
	}
	if err := tx.ReplaceAttachments(ctx, msg.ID, msg.Attachments); err != nil {
		return nil, false, fmt.Errorf("replace attachments of %s: %w", pm.ExternalID, err)
	}
	return msg, created, nil
}

func toDomainMessage(accountID int64, pm *out.ProviderMailMessage) *domain.Message {
	msg := &domain.Message{
		AccountID:         accountID,
		ExternalMessageID: pm.ExternalID,
		ExternalThreadID:  pm.ExternalThreadID,
		Subject:           pm.Subject,
		FromAddress:       pm.From.Email,
		FromName:          pm.From.Name,
		To:                out.Addresses(pm.To),
		Cc:                out.Addresses(pm.CC),
		Bcc:               out.Addresses(pm.BCC),
		BodyHTML:          pm.BodyHTML,
		BodyText:          pm.BodyText,
		DateSent:          pm.Date,
	}
	msg.Attachments = make([]*domain.Attachment, 0, len(pm.Attachments))
	for _, a := range pm.Attachments {
		msg.Attachments = append(msg.Attachments, &domain.Attachment{
			ExternalID:  a.ID,
			Filename:    a.Filename,
			ContentType: a.MimeType,
			Size:        a.Size,
			ContentID:   a.ContentID,
			IsInline:    a.IsInline,
		})
	}
	return msg
}

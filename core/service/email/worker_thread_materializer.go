package mail

import (
	"context"
	"errors"
	"fmt"

	"mailflow/core/domain"
	"mailflow/core/port/out"
	"mailflow/pkg/logger"

	"golang.org/x/oauth2"
)

// =============================================================================
// ThreadMaterializer - full conversation backfill
// =============================================================================
//
// Once any message of a conversation is stored, every message of that
// conversation is stored too, so readers never go back to the provider.

type conversation struct {
	externalThreadID string
	messages         []*out.ProviderMailMessage
}

type ThreadMaterializer struct{}

func NewThreadMaterializer() *ThreadMaterializer {
	return &ThreadMaterializer{}
}

// Fetch loads every real conversation touched by msgs once. A failing
// conversation is counted and skipped; a rejected credential aborts.
func (m *ThreadMaterializer) Fetch(
	ctx context.Context,
	account *domain.Account,
	adapter out.EmailProviderPort,
	token *oauth2.Token,
	msgs []*out.ProviderMailMessage,
	stats *domain.BackfillStats,
) ([]conversation, error) {
	var ids []string
	unique := make(map[string]bool)
	for _, pm := range msgs {
		id := pm.ExternalThreadID
		if id == "" || domain.IsSingletonThreadID(id) || unique[id] {
			continue
		}
		unique[id] = true
		ids = append(ids, id)
	}

	convs := make([]conversation, 0, len(ids))
	for _, id := range ids {
		stats.Threads++

		full, err := adapter.GetFullConversation(ctx, token, id)
		if err != nil {
			var perr *out.ProviderError
			if errors.As(err, &perr) && perr.IsAuth() {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			stats.Failures++
			logger.Warn("[ThreadMaterializer.Fetch] account=%d thread=%s: %v", account.ID, id, err)
			continue
		}

		stats.Fetched += len(full)
		convs = append(convs, conversation{externalThreadID: id, messages: full})
	}
	return convs, nil
}

// Persist upserts conversation members not already stored from the primary
// batch. threadIDs caches resolved thread rows for this transaction.
func (m *ThreadMaterializer) Persist(
	ctx context.Context,
	tx out.SyncTx,
	accountID int64,
	convs []conversation,
	skip map[string]bool,
	threadIDs map[string]int64,
	stats *domain.BackfillStats,
) error {
	done := make(map[string]bool)
	for _, c := range convs {
		for _, pm := range c.messages {
			if pm.ExternalID == "" || skip[pm.ExternalID] || done[pm.ExternalID] {
				continue
			}
			done[pm.ExternalID] = true

			if pm.ExternalThreadID == "" {
				pm.ExternalThreadID = c.externalThreadID
			}
			_, created, err := persistMessage(ctx, tx, accountID, pm, threadIDs)
			if err != nil {
				return fmt.Errorf("backfill thread %s: %w", c.externalThreadID, err)
			}
			if created {
				stats.Created++
			} else {
				stats.Updated++
			}
		}
	}
	return nil
}

// =============================================================================
// On-demand materialization
// =============================================================================

// MaterializeThread fetches and stores one conversation outside a sync run.
// It does not move the checkpoint.
func (s *SyncService) MaterializeThread(ctx context.Context, account *domain.Account, externalThreadID string) (domain.BackfillStats, error) {
	var stats domain.BackfillStats
	if externalThreadID == "" || domain.IsSingletonThreadID(externalThreadID) {
		return stats, nil
	}

	adapter, err := s.providers.Get(account.Provider)
	if err != nil {
		return stats, fmt.Errorf("%w: %s", domain.ErrUnsupportedProvider, account.Provider)
	}
	token, err := s.credential(ctx, account)
	if err != nil {
		return stats, err
	}

	seed := []*out.ProviderMailMessage{{ExternalThreadID: externalThreadID}}
	convs, err := s.threads.Fetch(ctx, account, adapter, token, seed, &stats)
	if err != nil {
		return stats, s.providerFailure(account, "fetch conversation", err)
	}
	if stats.Failures > 0 {
		return stats, fmt.Errorf("fetch conversation %s failed", externalThreadID)
	}

	err = s.store.WithinSyncTx(ctx, func(tx out.SyncTx) error {
		return s.threads.Persist(ctx, tx, account.ID, convs, nil, make(map[string]int64), &stats)
	})
	if err != nil {
		return domain.BackfillStats{}, fmt.Errorf("persist conversation %s: %w", externalThreadID, err)
	}

	logger.Info("[SyncService.MaterializeThread] account=%d thread=%s fetched=%d created=%d updated=%d",
		account.ID, externalThreadID, stats.Fetched, stats.Created, stats.Updated)
	return stats, nil
}

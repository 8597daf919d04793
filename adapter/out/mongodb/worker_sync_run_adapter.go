// Package mongodb stores the append-only sync run audit log.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"mailflow/core/domain"
	"mailflow/core/port/out"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// =============================================================================
// Sync run audit log
// =============================================================================

const (
	collectionSyncRuns = "sync_runs"

	// syncRunRetention is how long audit documents are kept before the TTL index drops them.
	syncRunRetention = 90 * 24 * time.Hour
)

// SyncRunAdapter appends SyncRun documents. Records are never updated.
type SyncRunAdapter struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewSyncRunAdapter creates a new sync run adapter.
func NewSyncRunAdapter(db *mongo.Database) *SyncRunAdapter {
	return &SyncRunAdapter{
		collection: db.Collection(collectionSyncRuns),
		now:        time.Now,
	}
}

// EnsureIndexes creates the lookup and TTL indexes.
func (a *SyncRunAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "account_id", Value: 1},
				{Key: "started_at", Value: -1},
			},
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

type syncRunDocument struct {
	RunID      string    `bson:"run_id"`
	RecordedAt time.Time `bson:"recorded_at"`
	ExpiresAt  time.Time `bson:"expires_at"`

	domain.SyncRun `bson:",inline"`
}

// Record inserts one run.
func (a *SyncRunAdapter) Record(ctx context.Context, run *domain.SyncRun) error {
	if run == nil {
		return nil
	}
	now := a.now().UTC()
	doc := syncRunDocument{
		RunID:      uuid.NewString(),
		RecordedAt: now,
		ExpiresAt:  now.Add(syncRunRetention),
		SyncRun:    *run,
	}
	if _, err := a.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("record sync run: %w", err)
	}
	return nil
}

// ListRecent returns the newest runs of the account.
func (a *SyncRunAdapter) ListRecent(ctx context.Context, accountID int64, limit int) ([]*domain.SyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := a.collection.Find(ctx, bson.M{"account_id": accountID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []syncRunDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode sync runs: %w", err)
	}

	runs := make([]*domain.SyncRun, len(docs))
	for i := range docs {
		run := docs[i].SyncRun
		runs[i] = &run
	}
	return runs, nil
}

var _ out.SyncRunRecorder = (*SyncRunAdapter)(nil)

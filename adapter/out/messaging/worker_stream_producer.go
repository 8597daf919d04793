// Package messaging provides the Redis Streams job queue.
package messaging

import (
	"context"
	"fmt"
	"time"

	"mailflow/core/port/out"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Stream names
const (
	StreamSyncAccount  = "mail:sync"
	StreamSyncAll      = "mail:sync_all"
	StreamProcessEmail = "mail:process"
	StreamTriggerLabel = "label:trigger"
)

// Streams lists every stream the worker consumes.
var Streams = []string{StreamSyncAccount, StreamSyncAll, StreamProcessEmail, StreamTriggerLabel}

// defaultMaxLen trims each stream approximately to this many entries.
const defaultMaxLen = 100_000

// RedisProducer implements out.MessageProducer using Redis Streams.
type RedisProducer struct {
	client *redis.Client
	maxLen int64
}

// NewRedisProducer creates a new RedisProducer.
func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client, maxLen: defaultMaxLen}
}

func (p *RedisProducer) PublishSyncAccount(ctx context.Context, job *out.SyncAccountJob) error {
	return p.publish(ctx, StreamSyncAccount, job)
}

func (p *RedisProducer) PublishSyncAllAccounts(ctx context.Context) error {
	return p.publish(ctx, StreamSyncAll, struct{}{})
}

func (p *RedisProducer) PublishProcessEmail(ctx context.Context, job *out.ProcessEmailJob) error {
	return p.publish(ctx, StreamProcessEmail, job)
}

func (p *RedisProducer) PublishTriggerLabel(ctx context.Context, job *out.TriggerLabelJob) error {
	return p.publish(ctx, StreamTriggerLabel, job)
}

// publish appends the JSON payload under "data" with a fresh job id.
func (p *RedisProducer) publish(ctx context.Context, stream string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s job: %w", stream, err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id": uuid.NewString(),
			"data":   string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// PublishDeadLetter records a job that exhausted its retries in the
// dead-letter stream of the stream it came from.
func (p *RedisProducer) PublishDeadLetter(ctx context.Context, stream, jobID string, data []byte, reason string) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream(stream),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"original_stream": stream,
			"original_job_id": jobID,
			"original_data":   string(data),
			"reason":          reason,
			"failed_at":       time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", DeadLetterStream(stream), err)
	}
	return nil
}

var _ out.MessageProducer = (*RedisProducer)(nil)

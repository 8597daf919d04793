package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Delivery is one stream entry handed to a JobHandler.
type Delivery struct {
	Stream string
	ID     string
	JobID  string
	Data   []byte

	ack func(ctx context.Context) bool
}

// Ack acknowledges the entry. Handlers that returned ErrAckDeferred call it
// once the job is done.
func (d *Delivery) Ack(ctx context.Context) bool {
	if d == nil || d.ack == nil {
		return false
	}
	return d.ack(ctx)
}

// ErrAckDeferred tells the consumer the handler took the entry over and will
// Ack it itself. Until then the entry stays pending.
var ErrAckDeferred = errors.New("ack deferred to handler")

// JobHandler processes jobs from streams. A nil error acknowledges the entry;
// any other error leaves it pending for reclaim.
type JobHandler interface {
	Handle(ctx context.Context, d *Delivery) error
}

// InFlightReporter is implemented by handlers that ack asynchronously.
// Reclaim leaves an entry alone while its handler still holds it.
type InFlightReporter interface {
	InFlight(stream, id string) bool
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, d *Delivery) error

func (f JobHandlerFunc) Handle(ctx context.Context, d *Delivery) error { return f(ctx, d) }

// ConsumerConfig holds consumer configuration. Zero durations and counts use defaults.
type ConsumerConfig struct {
	Group    string
	Consumer string
	Streams  []string
	Handler  JobHandler
	Logger   zerolog.Logger

	BatchSize            int64
	Block                time.Duration
	PendingCheckInterval time.Duration
	PendingIdleTime      time.Duration
	MaxDeliveries        int64
}

// Consumer reads Redis Streams through a consumer group.
type Consumer struct {
	client *redis.Client
	cfg    ConsumerConfig
	log    zerolog.Logger
}

// NewConsumer creates a new Consumer.
func NewConsumer(client *redis.Client, cfg ConsumerConfig) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.PendingCheckInterval <= 0 {
		cfg.PendingCheckInterval = 30 * time.Second
	}
	if cfg.PendingIdleTime <= 0 {
		cfg.PendingIdleTime = 2 * time.Minute
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 3
	}
	if len(cfg.Streams) == 0 {
		cfg.Streams = Streams
	}
	return &Consumer{
		client: client,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "stream_consumer").Str("consumer", cfg.Consumer).Logger(),
	}
}

// DeadLetterStream names the stream that receives entries past MaxDeliveries.
func DeadLetterStream(stream string) string {
	return "dlq:" + stream
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Str("group", c.cfg.Group).Strs("streams", c.cfg.Streams).Msg("starting consumer")

	if err := c.EnsureGroups(ctx); err != nil {
		return err
	}
	go c.reclaimLoop(ctx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("error reading from streams")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// EnsureGroups creates the consumer group on every stream.
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, stream := range c.cfg.Streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group on %s: %w", stream, err)
		}
	}
	return nil
}

// Poll reads one batch of new entries and handles them. It returns the
// number of entries acknowledged before Poll returned.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	args := make([]string, 0, len(c.cfg.Streams)*2)
	args = append(args, c.cfg.Streams...)
	for range c.cfg.Streams {
		args = append(args, ">")
	}

	result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  args,
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, s := range result {
		for _, msg := range s.Messages {
			if c.deliver(ctx, s.Stream, msg) {
				acked++
			}
		}
	}
	return acked, nil
}

// deliver runs the handler and acks on success unless the handler deferred the ack.
func (c *Consumer) deliver(ctx context.Context, stream string, msg redis.XMessage) bool {
	d, err := toDelivery(stream, msg)
	if err != nil {
		// Malformed entries can never succeed.
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("dropping malformed entry")
		c.deadLetter(ctx, stream, msg, err.Error())
		c.ack(ctx, stream, msg.ID)
		return false
	}

	d.ack = func(ctx context.Context) bool { return c.ack(ctx, stream, msg.ID) }

	if err := c.cfg.Handler.Handle(ctx, d); err != nil {
		if errors.Is(err, ErrAckDeferred) {
			return false
		}
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Str("job_id", d.JobID).Msg("handler failed")
		return false
	}
	return c.ack(ctx, stream, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, stream, id string) bool {
	if err := c.client.XAck(ctx, stream, c.cfg.Group, id).Err(); err != nil {
		c.log.Error().Err(err).Str("stream", stream).Str("id", id).Msg("error acknowledging entry")
		return false
	}
	return true
}

func toDelivery(stream string, msg redis.XMessage) (*Delivery, error) {
	raw, ok := msg.Values["data"]
	if !ok {
		return nil, fmt.Errorf("entry %s: missing data field", msg.ID)
	}
	data, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("entry %s: data is not a string", msg.ID)
	}
	jobID, _ := msg.Values["job_id"].(string)
	return &Delivery{Stream: stream, ID: msg.ID, JobID: jobID, Data: []byte(data)}, nil
}

// =============================================================================
// Pending reclaim
// =============================================================================

func (c *Consumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reclaim(ctx)
		}
	}
}

// Reclaim takes over entries that stayed pending longer than PendingIdleTime
// and handles them again. Entries delivered MaxDeliveries times go to the
// dead-letter stream instead.
func (c *Consumer) Reclaim(ctx context.Context) {
	for _, stream := range c.cfg.Streams {
		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  c.cfg.Group,
			Idle:   c.cfg.PendingIdleTime,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				c.log.Error().Err(err).Str("stream", stream).Msg("error listing pending entries")
			}
			continue
		}

		for _, p := range pending {
			if c.inFlight(stream, p.ID) {
				continue
			}
			claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.cfg.Group,
				Consumer: c.cfg.Consumer,
				MinIdle:  c.cfg.PendingIdleTime,
				Messages: []string{p.ID},
			}).Result()
			if err != nil {
				c.log.Error().Err(err).Str("stream", stream).Str("id", p.ID).Msg("error claiming entry")
				continue
			}

			for _, msg := range claimed {
				if p.RetryCount >= c.cfg.MaxDeliveries {
					c.log.Warn().Str("stream", stream).Str("id", msg.ID).Int64("deliveries", p.RetryCount).
						Msg("entry exceeded max deliveries")
					c.deadLetter(ctx, stream, msg, "max deliveries exceeded")
					c.ack(ctx, stream, msg.ID)
					continue
				}
				if c.deliver(ctx, stream, msg) {
					c.log.Info().Str("stream", stream).Str("id", msg.ID).Msg("reprocessed pending entry")
				}
			}
		}
	}
}

func (c *Consumer) inFlight(stream, id string) bool {
	r, ok := c.cfg.Handler.(InFlightReporter)
	return ok && r.InFlight(stream, id)
}

// deadLetter copies the entry into dlq:<stream> with failure metadata.
func (c *Consumer) deadLetter(ctx context.Context, stream string, msg redis.XMessage, reason string) {
	values := map[string]any{
		"original_stream": stream,
		"original_id":     msg.ID,
		"reason":          reason,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
		"consumer":        c.cfg.Consumer,
	}
	for k, v := range msg.Values {
		values["original_"+k] = v
	}

	err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: DeadLetterStream(stream), Values: values}).Err()
	if err != nil {
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("error writing dead letter")
	}
}

package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"mailflow/pkg/metrics"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
)

// =============================================================================
// Worker pool (go-pkgz/pool)
// =============================================================================

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers          int
	WorkerChanSize   int
	JobTimeout       time.Duration
	JobTimeoutByType map[JobType]time.Duration
	MaxRetries       int
	RetryBase        time.Duration // first retry waits 2*RetryBase, then doubles

	// OnDeadLetter stores a job that will not be retried again. An error
	// leaves the job unfinished so its source redelivers it.
	OnDeadLetter func(msg *Message, err error) error
}

// DefaultPoolConfig returns the defaults; workers <= 0 keeps 10.
func DefaultPoolConfig(workers int) *PoolConfig {
	if workers <= 0 {
		workers = 10
	}
	return &PoolConfig{
		Workers:        workers,
		WorkerChanSize: 100,
		JobTimeout:     60 * time.Second,
		MaxRetries:     3,
		RetryBase:      time.Second,
		JobTimeoutByType: map[JobType]time.Duration{
			JobSyncAccount:     5 * time.Minute,
			JobSyncAllAccounts: time.Minute,
			JobProcessEmail:    2 * time.Minute,
			JobTriggerLabel:    3 * time.Minute,
		},
	}
}

// Processor handles one message.
type Processor interface {
	Process(ctx context.Context, msg *Message) error
}

// PoolMetrics holds pool counters.
type PoolMetrics struct {
	JobsProcessed  int64
	JobsFailed     int64
	JobsDropped    int64
	JobsRetried    int64
	AvgProcessTime int64 // milliseconds
	InFlight       int32

	// Latency is keyed by job type.
	Latency map[string]metrics.LatencyStats
}

type deadLetter struct {
	msg *Message
	err error
}

// Pool runs messages on a fixed group of workers with per-type timeouts,
// retry with backoff and a dead-letter channel. Every accepted message is
// finished exactly once: handled after success or dead-lettering, unhandled
// when it was dropped.
type Pool struct {
	handler Processor
	config  *PoolConfig

	group *pool.WorkerGroup[*Message]

	ctx    context.Context
	cancel context.CancelFunc

	metrics PoolMetrics
	latency *metrics.LatencyRegistry
	log     zerolog.Logger

	dlq       chan deadLetter
	dlqMu     sync.RWMutex
	dlqClosed bool
	dlqWg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closing bool
}

// messageWorker implements pool.Worker for Message processing.
type messageWorker struct {
	pool *Pool
}

func (w *messageWorker) Do(ctx context.Context, msg *Message) error {
	return w.pool.processJob(ctx, msg)
}

// NewPool creates a pool; call Start before Submit.
func NewPool(handler Processor, config *PoolConfig, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		handler: handler,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		latency: metrics.NewLatencyRegistry(500),
		log:     log.With().Str("component", "worker_pool").Logger(),
		dlq:     make(chan deadLetter, 100),
	}
}

// Start starts the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	// Batching is off: a batch would hold a lone job until nine more arrive.
	p.group = pool.New[*Message](p.config.Workers, &messageWorker{pool: p}).
		WithBatchSize(0).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	if err := p.group.Go(p.ctx); err != nil {
		return err
	}
	p.started = true

	p.dlqWg.Add(1)
	go p.dlqProcessor()
	go p.metricsReporter()

	p.log.Info().Int("workers", p.config.Workers).Int("max_retries", p.config.MaxRetries).Msg("worker pool started")
	return nil
}

// Stop rejects new submissions, waits for submitted jobs and stops the
// workers. Pending retries finish unhandled.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	p.mu.Unlock()

	p.log.Info().Msg("stopping worker pool...")

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if err := p.group.Close(closeCtx); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn().Err(err).Msg("error closing pool")
	}

	p.mu.Lock()
	p.started = false
	p.closing = false
	p.mu.Unlock()

	p.cancel()

	p.dlqMu.Lock()
	p.dlqClosed = true
	close(p.dlq)
	p.dlqMu.Unlock()
	p.dlqWg.Wait()

	m := p.Metrics()
	p.log.Info().Int64("processed", m.JobsProcessed).Int64("failed", m.JobsFailed).Msg("worker pool stopped")
}

// Submit queues a message. It returns false when the pool is not running;
// the message is then still owned by the caller.
func (p *Pool) Submit(msg *Message) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started || p.closing {
		atomic.AddInt64(&p.metrics.JobsDropped, 1)
		p.log.Warn().Str("job_id", msg.ID).Str("job_type", string(msg.Type)).Msg("pool not running, job dropped")
		return false
	}
	atomic.AddInt32(&p.metrics.InFlight, 1)
	p.group.Submit(msg)
	return true
}

func (p *Pool) jobTimeout(jobType JobType) time.Duration {
	if timeout, ok := p.config.JobTimeoutByType[jobType]; ok {
		return timeout
	}
	return p.config.JobTimeout
}

// processJob runs one message under its timeout. Failures are retried or
// dead-lettered here, so the worker group itself never sees an error.
func (p *Pool) processJob(ctx context.Context, msg *Message) error {
	start := time.Now()
	defer atomic.AddInt32(&p.metrics.InFlight, -1)

	timeout := p.jobTimeout(msg.Type)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- errors.New("job panicked")
				p.log.Error().Interface("panic", r).Str("job_id", msg.ID).Msg("job panicked")
			}
		}()
		errCh <- p.handler.Process(jobCtx, msg)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-jobCtx.Done():
		err = jobCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			p.log.Warn().Str("job_id", msg.ID).Str("job_type", string(msg.Type)).Dur("timeout", timeout).Msg("job timed out")
		}
	}

	elapsed := time.Since(start)
	p.updateAvgProcessTime(elapsed.Milliseconds())
	p.latency.Record(string(msg.Type), elapsed)

	if err == nil {
		atomic.AddInt64(&p.metrics.JobsProcessed, 1)
		msg.finish(true)
		return nil
	}

	p.log.Error().Err(err).Str("job_id", msg.ID).Str("job_type", string(msg.Type)).Int("retries", msg.Retries).
		Msg("job processing failed")

	if p.ctx.Err() != nil {
		p.log.Warn().Str("job_id", msg.ID).Msg("job interrupted by shutdown, leaving it for redelivery")
		msg.finish(false)
		return nil
	}

	if permanent(err) || msg.Retries >= p.config.MaxRetries {
		atomic.AddInt64(&p.metrics.JobsFailed, 1)
		p.deadLetter(msg, err)
		return nil
	}

	msg.Retries++
	atomic.AddInt64(&p.metrics.JobsRetried, 1)
	time.AfterFunc(p.backoff(msg.Retries), func() {
		if !p.Submit(msg) {
			msg.finish(false)
		}
	})
	return nil
}

// backoff is RetryBase * 2^retries plus up to RetryBase/2 of jitter.
func (p *Pool) backoff(retries int) time.Duration {
	base := p.config.RetryBase << retries
	if half := int64(p.config.RetryBase / 2); half > 0 {
		base += time.Duration(rand.Int63n(half))
	}
	return base
}

// deadLetter never blocks; a job that cannot be queued finishes unhandled.
func (p *Pool) deadLetter(msg *Message, err error) {
	p.dlqMu.RLock()
	defer p.dlqMu.RUnlock()

	if p.dlqClosed {
		p.log.Error().Err(err).Str("job_id", msg.ID).Str("job_type", string(msg.Type)).Msg("DLQ closed, leaving job for redelivery")
		msg.finish(false)
		return
	}
	select {
	case p.dlq <- deadLetter{msg: msg, err: err}:
	default:
		p.log.Error().Str("job_id", msg.ID).Msg("DLQ full, leaving job for redelivery")
		msg.finish(false)
	}
}

func (p *Pool) updateAvgProcessTime(elapsed int64) {
	current := atomic.LoadInt64(&p.metrics.AvgProcessTime)
	if current == 0 {
		atomic.StoreInt64(&p.metrics.AvgProcessTime, elapsed)
		return
	}
	atomic.StoreInt64(&p.metrics.AvgProcessTime, (current*9+elapsed)/10)
}

func (p *Pool) dlqProcessor() {
	defer p.dlqWg.Done()

	for dl := range p.dlq {
		p.log.Error().
			Err(dl.err).
			Str("job_id", dl.msg.ID).
			Str("job_type", string(dl.msg.Type)).
			Int("retries", dl.msg.Retries).
			RawJSON("payload", dl.msg.Payload).
			Msg("DLQ: job permanently failed")
		handled := true
		if p.config.OnDeadLetter != nil {
			if err := p.config.OnDeadLetter(dl.msg, dl.err); err != nil {
				p.log.Error().Err(err).Str("job_id", dl.msg.ID).Msg("DLQ: failed to store dead letter")
				handled = false
			}
		}
		dl.msg.finish(handled)
	}
}

func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			m := p.Metrics()
			p.log.Info().
				Int64("processed", m.JobsProcessed).
				Int64("failed", m.JobsFailed).
				Int64("dropped", m.JobsDropped).
				Int64("retried", m.JobsRetried).
				Int64("avg_process_ms", m.AvgProcessTime).
				Int32("in_flight", m.InFlight).
				Msg("worker pool metrics")
			for jobType, l := range m.Latency {
				p.log.Info().
					Str("job_type", jobType).
					Int64("count", l.Count).
					Dur("p50", l.P50).
					Dur("p95", l.P95).
					Dur("p99", l.P99).
					Msg("job latency")
			}
		}
	}
}

// Metrics returns a snapshot of the counters.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed:  atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:     atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsDropped:    atomic.LoadInt64(&p.metrics.JobsDropped),
		JobsRetried:    atomic.LoadInt64(&p.metrics.JobsRetried),
		AvgProcessTime: atomic.LoadInt64(&p.metrics.AvgProcessTime),
		InFlight:       atomic.LoadInt32(&p.metrics.InFlight),
		Latency:        p.latency.AllStats(),
	}
}

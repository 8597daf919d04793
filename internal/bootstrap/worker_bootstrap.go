// Package bootstrap wires configuration, adapters and services into the API
// server and the background worker.
package bootstrap

import (
	"context"
	"errors"
	"sync"
	"time"

	"mailflow/adapter/in/worker"
	"mailflow/adapter/out/messaging"
	"mailflow/pkg/logger"

	"github.com/rs/zerolog"
)

type Worker struct {
	pool      *worker.Pool
	consumer  *messaging.Consumer
	scheduler *worker.Scheduler
	deps      *Dependencies
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	zlog      zerolog.Logger
}

func NewWorker(deps *Dependencies) (*Worker, error) {
	cfg := deps.Config
	zlog := logger.Zerolog().With().Str("component", "worker").Logger()

	handler := worker.NewHandler(deps.EmailService, deps.ClassificationPipeline, deps.Orchestrator)

	poolConfig := worker.DefaultPoolConfig(cfg.WorkerMaxWorkers)
	poolConfig.MaxRetries = cfg.WorkerMaxRetries
	poolConfig.OnDeadLetter = func(msg *worker.Message, err error) error {
		stream, ok := worker.StreamForJobType(msg.Type)
		if !ok {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return deps.MessageProducer.PublishDeadLetter(ctx, stream, msg.ID, msg.Payload, err.Error())
	}
	pool := worker.NewPool(handler, poolConfig, zlog)

	scheduler, err := worker.NewScheduler(cfg.SyncCron, deps.MessageProducer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		pool:      pool,
		scheduler: scheduler,
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		zlog:      zlog,
	}

	w.consumer = messaging.NewConsumer(deps.Redis, messaging.ConsumerConfig{
		Group:           cfg.ConsumerGroup,
		Consumer:        cfg.WorkerID,
		Streams:         messaging.Streams,
		Handler:         worker.NewStreamHandler(pool),
		Logger:          zlog,
		BatchSize:       cfg.ConsumerBatch,
		PendingIdleTime: cfg.PendingIdleTime,
	})
	logger.Info("Redis Stream Consumer configured for %d streams (group=%s consumer=%s)",
		len(messaging.Streams), cfg.ConsumerGroup, cfg.WorkerID)

	return w, nil
}

// Start runs the pool, consumer and scheduler and blocks until Stop.
func (w *Worker) Start() error {
	if err := w.pool.Start(); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.zlog.Info().Msg("Starting Redis Stream Consumer...")
		if err := w.consumer.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.zlog.Error().Err(err).Msg("Redis Stream Consumer error")
		}
	}()

	w.scheduler.Start()
	w.zlog.Info().Time("next_sync_all", w.scheduler.Next()).Msg("Started sync scheduler")

	<-w.ctx.Done()
	return nil
}

// Stop halts intake first, then drains the pool.
func (w *Worker) Stop() {
	w.cancel()
	w.scheduler.Stop()
	w.wg.Wait()
	w.pool.Stop()
}

func (w *Worker) Metrics() worker.PoolMetrics {
	return w.pool.Metrics()
}

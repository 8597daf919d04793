package worker

import (
	"context"
	"fmt"
	"time"

	"mailflow/pkg/logger"

	cronv3 "github.com/robfig/cron/v3"
)

// DefaultSyncSchedule enqueues sync_all_accounts every 15 minutes.
const DefaultSyncSchedule = "@every 15m"

// SyncAllEnqueuer publishes the sync_all_accounts job.
type SyncAllEnqueuer interface {
	PublishSyncAllAccounts(ctx context.Context) error
}

// Scheduler fires periodic jobs. It only enqueues; the pool does the work.
type Scheduler struct {
	cron     *cronv3.Cron
	producer SyncAllEnqueuer
	schedule string
	entryID  cronv3.EntryID
}

// NewScheduler validates schedule; an empty schedule uses DefaultSyncSchedule.
func NewScheduler(schedule string, producer SyncAllEnqueuer) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSyncSchedule
	}
	c := cronv3.New(cronv3.WithChain(
		cronv3.SkipIfStillRunning(cronv3.DefaultLogger),
		cronv3.Recover(cronv3.DefaultLogger),
	))

	s := &Scheduler{cron: c, producer: producer, schedule: schedule}
	id, err := c.AddFunc(schedule, s.enqueueSyncAll)
	if err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
	}
	s.entryID = id
	return s, nil
}

func (s *Scheduler) enqueueSyncAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.producer.PublishSyncAllAccounts(ctx); err != nil {
		logger.Error("[Scheduler.enqueueSyncAll] enqueue failed: %v", err)
		return
	}
	logger.Info("[Scheduler.enqueueSyncAll] sync_all_accounts queued")
}

// Next returns the next fire time; zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}

func (s *Scheduler) Start() {
	logger.Info("[Scheduler.Start] sync_all_accounts schedule=%s", s.schedule)
	s.cron.Start()
}

// Stop waits for a running enqueue to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

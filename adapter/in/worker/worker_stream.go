package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"mailflow/adapter/out/messaging"
	"mailflow/pkg/logger"
)

// ErrPoolStopped is returned when a stream entry arrives while the pool is down.
var ErrPoolStopped = errors.New("worker pool is not running")

var streamJobTypes = map[string]JobType{
	messaging.StreamSyncAccount:  JobSyncAccount,
	messaging.StreamSyncAll:      JobSyncAllAccounts,
	messaging.StreamProcessEmail: JobProcessEmail,
	messaging.StreamTriggerLabel: JobTriggerLabel,
}

// JobTypeForStream maps a stream name to the job it carries.
func JobTypeForStream(stream string) (JobType, bool) {
	t, ok := streamJobTypes[stream]
	return t, ok
}

// StreamForJobType is the inverse of JobTypeForStream.
func StreamForJobType(jobType JobType) (string, bool) {
	for stream, t := range streamJobTypes {
		if t == jobType {
			return stream, true
		}
	}
	return "", false
}

// Submitter accepts messages for asynchronous processing.
type Submitter interface {
	Submit(msg *Message) bool
}

// StreamHandler feeds stream deliveries into the pool. An entry is
// acknowledged only when the pool finished it (success or dead letter);
// dropped jobs stay pending and are reclaimed.
type StreamHandler struct {
	pool       Submitter
	ackTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewStreamHandler(pool Submitter) *StreamHandler {
	return &StreamHandler{
		pool:       pool,
		ackTimeout: 5 * time.Second,
		inflight:   make(map[string]struct{}),
	}
}

func (h *StreamHandler) Handle(_ context.Context, d *messaging.Delivery) error {
	jobType, ok := JobTypeForStream(d.Stream)
	if !ok {
		logger.Warn("[StreamHandler.Handle] entry=%s unknown stream %q, dropping", d.ID, d.Stream)
		return nil
	}

	key := inflightKey(d.Stream, d.ID)
	h.mu.Lock()
	if _, busy := h.inflight[key]; busy {
		h.mu.Unlock()
		return messaging.ErrAckDeferred
	}
	h.inflight[key] = struct{}{}
	h.mu.Unlock()

	msg := NewMessage(d.JobID, jobType, d.Data).OnDone(func(handled bool) {
		h.release(key)
		if !handled {
			logger.Warn("[StreamHandler.Handle] entry=%s job=%s dropped, left pending", d.ID, d.JobID)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.ackTimeout)
		defer cancel()
		if !d.Ack(ctx) {
			logger.Warn("[StreamHandler.Handle] entry=%s job=%s ack failed", d.ID, d.JobID)
		}
	})
	if !h.pool.Submit(msg) {
		h.release(key)
		return ErrPoolStopped
	}
	return messaging.ErrAckDeferred
}

// InFlight reports whether the entry is still queued or running in the pool.
func (h *StreamHandler) InFlight(stream, id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.inflight[inflightKey(stream, id)]
	return ok
}

func (h *StreamHandler) release(key string) {
	h.mu.Lock()
	delete(h.inflight, key)
	h.mu.Unlock()
}

func inflightKey(stream, id string) string {
	return stream + "/" + id
}

var (
	_ messaging.JobHandler       = (*StreamHandler)(nil)
	_ messaging.InFlightReporter = (*StreamHandler)(nil)
)

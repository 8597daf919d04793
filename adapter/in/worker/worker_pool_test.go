package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoolConfig() *PoolConfig {
	cfg := DefaultPoolConfig(2)
	cfg.RetryBase = 5 * time.Millisecond
	return cfg
}

func startPool(t *testing.T, fn processorFunc, cfg *PoolConfig) *Pool {
	t.Helper()
	p := NewPool(fn, cfg, zerolog.Nop())
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)
	return p
}

func TestPool_RunsSingleJobImmediately(t *testing.T) {
	ran := make(chan string, 1)
	p := startPool(t, func(_ context.Context, msg *Message) error {
		ran <- msg.ID
		return nil
	}, testPoolConfig())

	require.True(t, p.Submit(NewMessage("only", JobSyncAccount, nil)))

	select {
	case id := <-ran:
		assert.Equal(t, "only", id)
	case <-time.After(time.Second):
		t.Fatal("a lone job was held back")
	}
}

func TestPool_ProcessesSubmittedJobs(t *testing.T) {
	var done int32
	p := startPool(t, func(context.Context, *Message) error {
		atomic.AddInt32(&done, 1)
		return nil
	}, testPoolConfig())

	for i := 0; i < 5; i++ {
		assert.True(t, p.Submit(NewMessage("", JobProcessEmail, nil)))
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&done) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return p.Metrics().JobsProcessed == 5 }, time.Second, 5*time.Millisecond)

	latency := p.Metrics().Latency
	require.Contains(t, latency, string(JobProcessEmail))
	assert.Equal(t, int64(5), latency[string(JobProcessEmail)].Count)
}

func TestPool_FinishesHandledOnSuccess(t *testing.T) {
	finished := make(chan bool, 1)
	p := startPool(t, func(context.Context, *Message) error { return nil }, testPoolConfig())

	require.True(t, p.Submit(NewMessage("", JobProcessEmail, nil).OnDone(func(handled bool) { finished <- handled })))

	select {
	case handled := <-finished:
		assert.True(t, handled)
	case <-time.After(time.Second):
		t.Fatal("message was not finished")
	}
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	var attempts int32
	p := startPool(t, func(context.Context, *Message) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, testPoolConfig())

	require.True(t, p.Submit(NewMessage("job-1", JobSyncAccount, nil)))

	assert.Eventually(t, func() bool { return p.Metrics().JobsProcessed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, int64(2), p.Metrics().JobsRetried)
	assert.Zero(t, p.Metrics().JobsFailed)
}

func TestPool_DeadLettersAfterMaxRetries(t *testing.T) {
	var attempts int32
	dead := make(chan *Message, 1)
	finished := make(chan bool, 1)
	cfg := testPoolConfig()
	cfg.MaxRetries = 2
	cfg.OnDeadLetter = func(msg *Message, _ error) error {
		dead <- msg
		return nil
	}

	p := startPool(t, func(context.Context, *Message) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("always")
	}, cfg)

	p.Submit(NewMessage("job-2", JobProcessEmail, []byte(`{"message_id":1}`)).OnDone(func(handled bool) { finished <- handled }))

	select {
	case msg := <-dead:
		assert.Equal(t, "job-2", msg.ID)
		assert.Equal(t, 2, msg.Retries)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not dead-lettered")
	}
	assert.True(t, <-finished, "a stored dead letter counts as handled")
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, int64(1), p.Metrics().JobsFailed)
}

func TestPool_UnstoredDeadLetterFinishesUnhandled(t *testing.T) {
	finished := make(chan bool, 1)
	cfg := testPoolConfig()
	cfg.MaxRetries = 0
	cfg.OnDeadLetter = func(*Message, error) error { return errors.New("redis down") }

	p := startPool(t, func(context.Context, *Message) error { return errors.New("always") }, cfg)
	p.Submit(NewMessage("", JobTriggerLabel, nil).OnDone(func(handled bool) { finished <- handled }))

	select {
	case handled := <-finished:
		assert.False(t, handled)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not finished")
	}
}

func TestPool_PermanentErrorsSkipRetry(t *testing.T) {
	var attempts int32
	dead := make(chan error, 1)
	cfg := testPoolConfig()
	cfg.OnDeadLetter = func(_ *Message, err error) error {
		dead <- err
		return nil
	}

	h := NewHandler(&fakeSyncer{}, &fakeProcessor{}, &fakeTrigger{})
	p := startPool(t, func(ctx context.Context, msg *Message) error {
		atomic.AddInt32(&attempts, 1)
		return h.Process(ctx, msg)
	}, cfg)

	p.Submit(NewMessage("", JobType("nope"), nil))

	select {
	case err := <-dead:
		assert.ErrorIs(t, err, ErrUnknownJob)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not dead-lettered")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestPool_JobTimeout(t *testing.T) {
	dead := make(chan error, 1)
	cfg := testPoolConfig()
	cfg.MaxRetries = 0
	cfg.JobTimeoutByType = map[JobType]time.Duration{JobTriggerLabel: 20 * time.Millisecond}
	cfg.OnDeadLetter = func(_ *Message, err error) error {
		dead <- err
		return nil
	}

	p := startPool(t, func(ctx context.Context, _ *Message) error {
		<-ctx.Done()
		return ctx.Err()
	}, cfg)

	p.Submit(NewMessage("", JobTriggerLabel, nil))

	select {
	case err := <-dead:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not time out")
	}
}

func TestPool_StopWaitsForSubmittedJobs(t *testing.T) {
	var done int32
	release := make(chan struct{})
	p := NewPool(processorFunc(func(context.Context, *Message) error {
		<-release
		atomic.AddInt32(&done, 1)
		return nil
	}), testPoolConfig(), zerolog.Nop())
	require.NoError(t, p.Start())

	for i := 0; i < 3; i++ {
		require.True(t, p.Submit(NewMessage("", JobProcessEmail, nil)))
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	assert.Eventually(t, func() bool {
		p.mu.RLock()
		defer p.mu.RUnlock()
		return p.closing
	}, time.Second, 5*time.Millisecond)
	assert.False(t, p.Submit(NewMessage("", JobProcessEmail, nil)), "no new jobs while stopping")
	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&done))
	assert.Equal(t, int64(3), p.Metrics().JobsProcessed)
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	p := NewPool(processorFunc(func(context.Context, *Message) error { return nil }), testPoolConfig(), zerolog.Nop())
	assert.False(t, p.Submit(NewMessage("", JobProcessEmail, nil)))
	assert.Equal(t, int64(1), p.Metrics().JobsDropped)
}

func TestPool_Backoff(t *testing.T) {
	p := NewPool(nil, &PoolConfig{RetryBase: time.Second}, zerolog.Nop())
	for retries, want := range map[int]time.Duration{1: 2 * time.Second, 2: 4 * time.Second, 3: 8 * time.Second} {
		got := p.backoff(retries)
		assert.GreaterOrEqual(t, got, want)
		assert.Less(t, got, want+500*time.Millisecond)
	}
}

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailflow/adapter/out/messaging"
	"mailflow/core/port/out"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGroup = "mailflow-test"

// streamFixture wires a real consumer to a pool through the stream handler.
func streamFixture(t *testing.T, fn processorFunc, cfg *PoolConfig) (*redis.Client, *messaging.Consumer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	p := startPool(t, fn, cfg)
	consumer := messaging.NewConsumer(client, messaging.ConsumerConfig{
		Group:    testGroup,
		Consumer: "w1",
		Handler:  NewStreamHandler(p),
		Logger:   zerolog.Nop(),
		Block:    50 * time.Millisecond,
	})
	require.NoError(t, consumer.EnsureGroups(context.Background()))
	return client, consumer
}

func pendingCount(t *testing.T, client *redis.Client, stream string) int64 {
	t.Helper()
	pending, err := client.XPending(context.Background(), stream, testGroup).Result()
	require.NoError(t, err)
	return pending.Count
}

func TestStream_AckedAfterJobSucceeds(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	client, consumer := streamFixture(t, func(context.Context, *Message) error {
		<-release
		return nil
	}, testPoolConfig())

	require.NoError(t, messaging.NewRedisProducer(client).PublishProcessEmail(ctx, &out.ProcessEmailJob{MessageID: 3}))
	_, err := consumer.Poll(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), pendingCount(t, client, messaging.StreamProcessEmail), "running job is not acked yet")

	close(release)
	assert.Eventually(t, func() bool { return pendingCount(t, client, messaging.StreamProcessEmail) == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestStream_FailingJobStaysPending(t *testing.T) {
	ctx := context.Background()
	finished := make(chan struct{})
	cfg := testPoolConfig()
	cfg.MaxRetries = 0
	cfg.OnDeadLetter = func(*Message, error) error {
		defer close(finished)
		return errors.New("dead letter stream unavailable")
	}
	client, consumer := streamFixture(t, func(context.Context, *Message) error {
		return errors.New("provider down")
	}, cfg)

	require.NoError(t, messaging.NewRedisProducer(client).PublishSyncAccount(ctx, &out.SyncAccountJob{AccountID: 5}))
	_, err := consumer.Poll(ctx)
	require.NoError(t, err)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not dead-lettered")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), pendingCount(t, client, messaging.StreamSyncAccount))
}

func TestStream_DeadLetteredJobIsAcked(t *testing.T) {
	ctx := context.Background()
	cfg := testPoolConfig()
	cfg.MaxRetries = 0
	cfg.OnDeadLetter = func(*Message, error) error { return nil }
	client, consumer := streamFixture(t, func(context.Context, *Message) error {
		return errors.New("provider down")
	}, cfg)

	require.NoError(t, messaging.NewRedisProducer(client).PublishTriggerLabel(ctx, &out.TriggerLabelJob{LabelID: 1, MessageID: 2}))
	_, err := consumer.Poll(ctx)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return pendingCount(t, client, messaging.StreamTriggerLabel) == 0 },
		2*time.Second, 10*time.Millisecond)
}

package events

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type blockingPublisher struct {
	release chan struct{}
	rec     Recorder
}

func (b *blockingPublisher) Publish(ctx context.Context, ev Event) error {
	<-b.release
	return b.rec.Publish(ctx, ev)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

func TestNewEvent(t *testing.T) {
	tenant, customer, conv := uuid.New(), uuid.New(), uuid.New()
	ev := New(KindMessageIngested, tenant, customer).WithConversation(conv).WithMessage(42).WithData("channel", "whatsapp")

	_, err := ulid.Parse(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, KindMessageIngested, ev.Kind)
	assert.Equal(t, conv, *ev.ConversationID)
	assert.Equal(t, int64(42), *ev.MessageID)
	assert.Equal(t, "whatsapp", ev.Data["channel"])

	second := ev.WithData("reopened", true)
	assert.NotContains(t, ev.Data, "reopened", "WithData copies")
	assert.Equal(t, true, second.Data["reopened"])
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var rec Recorder
	err := Multi{&rec, failingPublisher{err: boom}}.Publish(context.Background(), New(KindCustomerCreated, uuid.New(), uuid.New()))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, rec.Events(), 1)
}

func TestDispatcherForwardsAndDrains(t *testing.T) {
	var rec Recorder
	d := NewDispatcher(&rec, 16, 2, zap.NewNop())

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Publish(context.Background(), New(KindMessageIngested, uuid.New(), uuid.New())))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Len(t, rec.Events(), 10)

	err := d.Publish(context.Background(), New(KindMessageIngested, uuid.New(), uuid.New()))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	next := &blockingPublisher{release: make(chan struct{})}
	d := NewDispatcher(next, 1, 1, zap.NewNop())

	ev := New(KindMessageIngested, uuid.New(), uuid.New())
	// The worker takes the first event and blocks; the second fills the queue.
	require.NoError(t, d.Publish(context.Background(), ev))
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Publish(context.Background(), ev))

	assert.ErrorIs(t, d.Publish(context.Background(), ev), ErrQueueFull)

	close(next.release)
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, next.rec.Events(), 2)
}

func TestRedisStreamPublish(t *testing.T) {
	url := os.Getenv("ECHOCORE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ECHOCORE_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	stream := "echocore-test-" + uuid.NewString()
	defer client.Del(ctx, stream)

	ev := New(KindCustomerMerged, uuid.New(), uuid.New())
	require.NoError(t, NewRedisStream(client, stream, 10).Publish(ctx, ev))

	msgs, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ev.ID, msgs[0].Values["id"])
	assert.Equal(t, string(KindCustomerMerged), msgs[0].Values["kind"])
}

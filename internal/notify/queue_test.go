package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "test:mail:outbox")
}

func TestQueueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := MailJob{To: "a@x.com", Subject: "Password reset request", Body: "link inside"}
	require.NoError(t, q.Enqueue(ctx, job))

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job, *got)
}

func TestQueueOrdering(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, MailJob{To: "first@x.com"}))
	require.NoError(t, q.Enqueue(ctx, MailJob{To: "second@x.com"}))

	first, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "first@x.com", first.To)

	second, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "second@x.com", second.To)
}

func TestQueueDequeueTimeout(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

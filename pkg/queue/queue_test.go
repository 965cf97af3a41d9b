package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, nil), mr
}

func TestEnqueueDequeue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	ts := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)

	require.NoError(t, q.EnqueueReconcile(ctx, ReconcilePayload{Provider: "sandbox", Reference: "ref-1", Amount: "900", Success: true, Timestamp: ts}))

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobTypeReconcile, job.Type)
	assert.Zero(t, job.Attempt)

	var payload ReconcilePayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "ref-1", payload.Reference)
	assert.Equal(t, "900", payload.Amount)
	assert.True(t, payload.Timestamp.Equal(ts))
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDequeueSkipsGarbage(t *testing.T) {
	q, mr := newTestQueue(t)
	_, err := mr.RPush(QueueReconcile, "{not json")
	require.NoError(t, err)
	job, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRetryThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)
	require.NoError(t, q.EnqueueReconcile(ctx, ReconcilePayload{Reference: "ref-dlq", Amount: "1"}))

	cause := errors.New("payment store down")
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		dead, err := q.Retry(ctx, job, cause)
		require.NoError(t, err)
		assert.Equal(t, attempt == MaxRetries, dead)
	}

	job, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job, "main queue drained")

	dlq, err := mr.List(QueueDLQ)
	require.NoError(t, err)
	assert.Len(t, dlq, 1)

	jobs, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, MaxRetries, jobs[0].Attempt)
	assert.Equal(t, cause.Error(), jobs[0].LastError)
}

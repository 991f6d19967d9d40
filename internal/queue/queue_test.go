package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func testJob(subscriptionID string) *domain.SubscriptionJob {
	return &domain.SubscriptionJob{
		SubscriptionID: subscriptionID,
		ResourceType:   "Patient",
		ID:             "42",
		VersionID:      "v2",
		Interaction:    domain.InteractionUpdate,
		RequestTime:    time.Now().UTC(),
	}
}

func TestQueueEnqueueAndNextDue(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(context.Background(), "subscription", testJob("s1")))

	key, record, err := q.NextDue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.NotEmpty(t, key)
	assert.Equal(t, "subscription", record.Type)
	assert.Equal(t, "s1", record.Job.SubscriptionID)
	assert.Zero(t, record.Attempts)
}

func TestQueueFIFOOrder(t *testing.T) {
	q := newTestQueue(t)

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, q.Enqueue(context.Background(), "subscription", testJob(id)))
	}

	for _, want := range []string{"s1", "s2", "s3"} {
		key, record, err := q.NextDue(time.Now())
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, want, record.Job.SubscriptionID)
		require.NoError(t, q.Ack(key))
	}

	_, record, err := q.NextDue(time.Now())
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestQueueAckRemoves(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(context.Background(), "subscription", testJob("s1")))
	assert.Equal(t, 1, q.Depth())

	key, _, err := q.NextDue(time.Now())
	require.NoError(t, err)
	require.NoError(t, q.Ack(key))
	assert.Zero(t, q.Depth())
}

func TestQueueRetryDefersRecord(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(context.Background(), "subscription", testJob("s1")))
	key, record, err := q.NextDue(time.Now())
	require.NoError(t, err)

	require.NoError(t, q.Retry(key, record, time.Now().Add(time.Hour)))

	_, due, err := q.NextDue(time.Now())
	require.NoError(t, err)
	assert.Nil(t, due, "a deferred record is not due")
	assert.Equal(t, 1, q.Depth(), "a deferred record stays pending")

	_, future, err := q.NextDue(time.Now().Add(2 * time.Hour))
	require.NoError(t, err)
	require.NotNil(t, future)
	assert.Equal(t, 1, future.Attempts)
}

func TestQueueRetrySkipsToNextDue(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(context.Background(), "subscription", testJob("s1")))
	require.NoError(t, q.Enqueue(context.Background(), "subscription", testJob("s2")))

	key, record, err := q.NextDue(time.Now())
	require.NoError(t, err)
	require.NoError(t, q.Retry(key, record, time.Now().Add(time.Hour)))

	_, due, err := q.NextDue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, "s2", due.Job.SubscriptionID, "a deferred head does not block later records")
}

func TestQueueWakeSignal(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(context.Background(), "subscription", testJob("s1")))

	select {
	case <-q.Wake():
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for wake signal")
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	q, err := NewQueue(Config{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), "subscription", testJob("s1")))
	require.NoError(t, q.Enqueue(context.Background(), "subscription", testJob("s2")))
	require.NoError(t, q.Close())

	reopened, err := NewQueue(Config{DataDir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Depth(), "pending jobs survive a restart")
	_, record, err := reopened.NextDue(time.Now())
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "s1", record.Job.SubscriptionID)
}

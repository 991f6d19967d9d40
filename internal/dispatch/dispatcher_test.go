package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DevJoghurt/fhir-relay/internal/bus"
	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/DevJoghurt/fhir-relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingQueue captures enqueued jobs for assertions.
type recordingQueue struct {
	mu       sync.Mutex
	jobs     []*domain.SubscriptionJob
	failWith error
}

func (q *recordingQueue) Enqueue(ctx context.Context, jobType string, job *domain.SubscriptionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return q.failWith
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) all() []*domain.SubscriptionJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*domain.SubscriptionJob(nil), q.jobs...)
}

// testHarness wires a dispatcher over the in-memory store with a
// recording queue and a broadcast listener.
type testHarness struct {
	store      *store.Memory
	queue      *recordingQueue
	bus        *bus.Bus
	dispatcher *Dispatcher

	mu         sync.Mutex
	broadcasts []domain.BroadcastEvent
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		store: store.NewMemory(),
		queue: &recordingQueue{},
		bus:   bus.NewBus(),
	}

	dispatcher, err := NewDispatcher(DefaultConfig(), h.store, store.NewTypeMatcher(), store.NewMembershipEvaluator(), h.queue, h.bus)
	require.NoError(t, err)
	h.dispatcher = dispatcher

	sub := h.bus.Subscriber()
	sub.OnMessage(func(_ string, payload []byte) {
		var event domain.BroadcastEvent
		require.NoError(t, json.Unmarshal(payload, &event))
		h.mu.Lock()
		h.broadcasts = append(h.broadcasts, event)
		h.mu.Unlock()
	})
	sub.Subscribe(DefaultBroadcastChannel)
	t.Cleanup(sub.Close)

	return h
}

// seedProject stores a project plus an author membership restricted to
// the given readable types.
func (h *testHarness) seedProject(id string, features []string, readable ...string) {
	h.store.PutProject(&domain.Project{ID: id, Features: features})
	h.store.PutMembership(&domain.Membership{
		ID:                    id + "-membership",
		ProjectID:             id,
		Profile:               domain.Reference{Reference: "Practitioner/author"},
		ReadableResourceTypes: readable,
	})
}

func (h *testHarness) waitBroadcasts(t *testing.T, want int) []domain.BroadcastEvent {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		h.mu.Lock()
		n := len(h.broadcasts)
		h.mu.Unlock()
		if n >= want {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %d broadcasts, got %d", want, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.BroadcastEvent(nil), h.broadcasts...)
}

func (h *testHarness) assertNoBroadcast(t *testing.T) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.broadcasts)
}

func patientChange(projectID string) *domain.ResourceChange {
	return &domain.ResourceChange{
		Resource: &domain.Resource{
			ResourceType: "Patient",
			ID:           "42",
			Meta:         domain.Meta{VersionID: "v2", Project: projectID},
		},
		Interaction: domain.InteractionUpdate,
		RequestID:   "req-1",
		TraceID:     "trace-1",
	}
}

func webhookSubscription(id, projectID, criteria string) *domain.Subscription {
	return &domain.Subscription{
		ID:        id,
		ProjectID: projectID,
		Status:    domain.SubscriptionActive,
		Criteria:  criteria,
		Channel:   domain.Channel{Type: domain.ChannelRestHook, Endpoint: "https://example.com/hook"},
		Author:    domain.Reference{Reference: "Practitioner/author"},
	}
}

func websocketSubscription(id, projectID, criteria string) *domain.Subscription {
	sub := webhookSubscription(id, projectID, criteria)
	sub.Channel = domain.Channel{Type: domain.ChannelWebSocket}
	return sub
}

func TestDispatchEnqueuesWebhookJob(t *testing.T) {
	h := newHarness(t)
	h.seedProject("p1", nil)
	h.store.PutSubscription(webhookSubscription("s1", "p1", "Patient?name=smith"))

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), patientChange("p1")))

	jobs := h.queue.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, "s1", jobs[0].SubscriptionID)
	assert.Equal(t, "Patient", jobs[0].ResourceType)
	assert.Equal(t, "42", jobs[0].ID)
	assert.Equal(t, "v2", jobs[0].VersionID)
	assert.Equal(t, domain.InteractionUpdate, jobs[0].Interaction)
	assert.Equal(t, domain.ChannelRestHook, jobs[0].ChannelType)
	assert.Equal(t, "req-1", jobs[0].RequestID)
	assert.Equal(t, "trace-1", jobs[0].TraceID)
	h.assertNoBroadcast(t)
}

func TestDispatchAuditEventNeverNotifies(t *testing.T) {
	h := newHarness(t)
	h.seedProject("p1", nil)
	h.store.PutSubscription(webhookSubscription("s1", "p1", "AuditEvent"))
	h.store.PutSubscription(websocketSubscription("s2", "p1", "AuditEvent"))

	change := patientChange("p1")
	change.Resource.ResourceType = "AuditEvent"
	require.NoError(t, h.dispatcher.Dispatch(context.Background(), change))

	assert.Empty(t, h.queue.all())
	h.assertNoBroadcast(t)
}

func TestDispatchCriteriaMismatchIsSilent(t *testing.T) {
	h := newHarness(t)
	h.seedProject("p1", nil)
	h.store.PutSubscription(webhookSubscription("s1", "p1", "Observation?code=x"))

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), patientChange("p1")))

	assert.Empty(t, h.queue.all())
	h.assertNoBroadcast(t)
}

func TestDispatchUnresolvableProjectAborts(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), patientChange("missing-project")))

	assert.Empty(t, h.queue.all())
	h.assertNoBroadcast(t)
}

func TestDispatchResourceWithoutProjectAborts(t *testing.T) {
	h := newHarness(t)

	change := patientChange("")
	require.NoError(t, h.dispatcher.Dispatch(context.Background(), change))

	assert.Empty(t, h.queue.all())
}

func TestDispatchSingleBroadcastForManyWebsocketSubscriptions(t *testing.T) {
	h := newHarness(t)
	h.seedProject("p1", []string{domain.FeatureWebSocketSubscriptions})
	h.store.PutSubscription(websocketSubscription("s1", "p1", "Patient"))
	h.store.PutSubscription(websocketSubscription("s2", "p1", "Patient?active=true"))
	h.store.PutSubscription(websocketSubscription("s3", "p1", "Patient"))

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), patientChange("p1")))

	broadcasts := h.waitBroadcasts(t, 1)
	require.Len(t, broadcasts, 1, "one bus message per mutation, never one per subscription")
	assert.Len(t, broadcasts[0].Entries, 3)
	ids := map[string]bool{}
	for _, entry := range broadcasts[0].Entries {
		ids[entry.SubscriptionID] = true
		require.NotNil(t, entry.Resource)
		assert.Equal(t, "Patient/42", entry.Resource.Ref())
	}
	assert.Len(t, ids, 3)
	assert.Empty(t, h.queue.all())
}

func TestDispatchWebsocketPolicyDenialBlocksDelivery(t *testing.T) {
	h := newHarness(t)
	h.seedProject("p1", []string{domain.FeatureWebSocketSubscriptions}, "Observation")
	h.store.PutSubscription(websocketSubscription("s1", "p1", "Patient"))

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), patientChange("p1")))

	assert.Empty(t, h.queue.all())
	h.assertNoBroadcast(t)
}

func TestDispatchWebhookPolicyDenialDeliversAnyway(t *testing.T) {
	h := newHarness(t)
	h.seedProject("p1", nil, "Observation")
	h.store.PutSubscription(webhookSubscription("s1", "p1", "Patient"))

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), patientChange("p1")))

	// Denial on a non-websocket channel is logged but not enforced.
	require.Len(t, h.queue.all(), 1)
}

func TestDispatchMissingMembershipDeniesWebsocket(t *testing.T) {
	h := newHarness(t)
	h.store.PutProject(&domain.Project{ID: "p1", Features: []string{domain.FeatureWebSocketSubscriptions}})
	h.store.PutSubscription(websocketSubscription("s1", "p1", "Patient"))

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), patientChange("p1")))

	h.assertNoBroadcast(t)
}

func TestDispatchFastPathRequiresFeature(t *testing.T) {
	h := newHarness(t)
	h.seedProject("p1", nil)
	h.dispatcher.FastPath().Add("p1", websocketSubscription("eph-1", "p1", "Patient"))

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), patientChange("p1")))

	h.assertNoBroadcast(t)
}

func TestDispatchFastPathMergedWhenFeatureEnabled(t *testing.T) {
	h := newHarness(t)
	h.seedProject("p1", []string{domain.FeatureWebSocketSubscriptions})
	h.store.PutSubscription(websocketSubscription("s1", "p1", "Patient"))
	h.dispatcher.FastPath().Add("p1", websocketSubscription("eph-1", "p1", "Patient"))

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), patientChange("p1")))

	broadcasts := h.waitBroadcasts(t, 1)
	require.Len(t, broadcasts, 1)
	assert.Len(t, broadcasts[0].Entries, 2, "durable and fast-path matches share one batch")
}

func TestDispatchEnqueueFailureIsolated(t *testing.T) {
	h := newHarness(t)
	h.seedProject("p1", []string{domain.FeatureWebSocketSubscriptions})
	h.store.PutSubscription(webhookSubscription("s1", "p1", "Patient"))
	h.store.PutSubscription(websocketSubscription("s2", "p1", "Patient"))
	h.queue.failWith = errors.New("queue unavailable")

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), patientChange("p1")))

	broadcasts := h.waitBroadcasts(t, 1)
	assert.Len(t, broadcasts[0].Entries, 1, "a failing enqueue must not abort sibling subscriptions")
}

func TestDispatchIgnoresInactiveSubscriptions(t *testing.T) {
	h := newHarness(t)
	h.seedProject("p1", nil)
	sub := webhookSubscription("s1", "p1", "Patient")
	sub.Status = domain.SubscriptionOff
	h.store.PutSubscription(sub)

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), patientChange("p1")))

	assert.Empty(t, h.queue.all())
}

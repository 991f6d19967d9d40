package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DevJoghurt/fhir-relay/internal/config"
	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/DevJoghurt/fhir-relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Queue.InMemory = true

	mem := store.NewMemory()
	e, err := CreateEngine(cfg, mem, store.NewTypeMatcher(), store.NewMembershipEvaluator())
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Shutdown(context.Background())
	})
	return e, mem
}

func seedProject(mem *store.Memory) {
	mem.PutProject(&domain.Project{ID: "p1"})
	mem.PutMembership(&domain.Membership{
		ID:        "m1",
		ProjectID: "p1",
		Profile:   domain.Reference{Reference: "Practitioner/author"},
	})
}

func dispatchPatient(t *testing.T, e *Engine) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"interaction": "update",
		"resource": map[string]any{
			"resourceType": "Patient",
			"id":           "42",
			"meta":         map[string]any{"versionId": "2", "project": "p1"},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/dispatch", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	e.API().Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestEngineDispatchToQueue(t *testing.T) {
	e, mem := newTestEngine(t)
	seedProject(mem)
	mem.PutSubscription(&domain.Subscription{
		ID:        "s1",
		ProjectID: "p1",
		Status:    domain.SubscriptionActive,
		Criteria:  "Patient",
		Author:    domain.Reference{Reference: "Practitioner/author"},
		Channel:   domain.Channel{Type: domain.ChannelRestHook, Endpoint: "https://example.com/hook"},
	})

	dispatchPatient(t, e)

	deadline := time.Now().Add(time.Second)
	for e.Queue().Depth() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected one queued job, depth is %d", e.Queue().Depth())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineDispatchToBroadcast(t *testing.T) {
	e, mem := newTestEngine(t)
	seedProject(mem)
	mem.PutSubscription(&domain.Subscription{
		ID:        "s1",
		ProjectID: "p1",
		Status:    domain.SubscriptionActive,
		Criteria:  "Patient",
		Author:    domain.Reference{Reference: "Practitioner/author"},
		Channel:   domain.Channel{Type: domain.ChannelWebSocket},
	})

	var mu sync.Mutex
	var events []domain.BroadcastEvent
	sub := e.Bus().Subscriber()
	sub.OnMessage(func(_ string, payload []byte) {
		var event domain.BroadcastEvent
		require.NoError(t, json.Unmarshal(payload, &event))
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	sub.Subscribe("subscriptions:r4:websockets")
	defer sub.Close()

	dispatchPatient(t, e)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for broadcast batch")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events[0].Entries, 1)
	assert.Equal(t, "s1", events[0].Entries[0].SubscriptionID)
	assert.Equal(t, 0, e.Queue().Depth(), "websocket notifications never touch the durable queue")
}

func TestEngineHealthz(t *testing.T) {
	e, _ := newTestEngine(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	e.API().Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

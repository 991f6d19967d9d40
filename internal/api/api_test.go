package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/DevJoghurt/fhir-relay/internal/agent"
	"github.com/DevJoghurt/fhir-relay/internal/bus"
	"github.com/DevJoghurt/fhir-relay/internal/correlation"
	"github.com/DevJoghurt/fhir-relay/internal/dispatch"
	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/DevJoghurt/fhir-relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingQueue captures enqueued jobs in memory.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []*domain.SubscriptionJob
}

func (q *recordingQueue) Enqueue(ctx context.Context, jobType string, job *domain.SubscriptionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) snapshot() []*domain.SubscriptionJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*domain.SubscriptionJob(nil), q.jobs...)
}

type apiHarness struct {
	api   *API
	store *store.Memory
	bus   *bus.Bus
	queue *recordingQueue
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	mem := store.NewMemory()
	b := bus.NewBus()
	queue := &recordingQueue{}

	registry := correlation.NewRegistry(correlation.DefaultConfig(), b)
	client := agent.NewClient(agent.DefaultConfig(), b, registry)
	bulk := agent.NewBulk(mem)

	dispatcher, err := dispatch.NewDispatcher(dispatch.DefaultConfig(), mem,
		store.NewTypeMatcher(), store.NewMembershipEvaluator(), queue, b)
	require.NoError(t, err)

	return &apiHarness{
		api:   NewAPI(DefaultConfig(), mem, client, bulk, dispatcher),
		store: mem,
		bus:   b,
		queue: queue,
	}
}

// startAgentResponder simulates a connected agent on the bus.
func (h *apiHarness) startAgentResponder(t *testing.T, target *domain.Agent, handler func(req agent.Message) *agent.Message) {
	t.Helper()
	sub := h.bus.Subscriber()
	sub.OnMessage(func(_ string, payload []byte) {
		var req agent.Message
		if err := json.Unmarshal(payload, &req); err != nil {
			t.Errorf("responder received malformed request: %v", err)
			return
		}
		resp := handler(req)
		if resp == nil || req.Callback == "" {
			return
		}
		out, err := json.Marshal(resp)
		require.NoError(t, err)
		h.bus.Publish(req.Callback, out)
	})
	sub.Subscribe(target.Ref())
	t.Cleanup(sub.Close)
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/fhir+json")
	w := httptest.NewRecorder()
	h.api.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestHealthEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", nil).Code)
}

func TestAgentStatusSingle(t *testing.T) {
	h := newAPIHarness(t)
	target := &domain.Agent{ID: "a1", Name: "lab-gateway"}
	h.store.PutAgent(target)
	h.startAgentResponder(t, target, func(req agent.Message) *agent.Message {
		assert.Equal(t, agent.MessageTypeStatusRequest, req.Type)
		return &agent.Message{Type: agent.MessageTypeStatusResponse, Status: "connected"}
	})

	w := h.do(t, http.MethodGet, "/fhir/Agent/a1/$status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/fhir+json", w.Header().Get("Content-Type"))

	var resp agent.Message
	decodeBody(t, w, &resp)
	assert.Equal(t, agent.MessageTypeStatusResponse, resp.Type)
	assert.Equal(t, "connected", resp.Status)
}

func TestAgentStatusUnknownAgent(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodGet, "/fhir/Agent/ghost/$status", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	var outcome OperationOutcome
	decodeBody(t, w, &outcome)
	assert.Equal(t, "OperationOutcome", outcome.ResourceType)
	assert.Equal(t, "not-found", outcome.Issue[0].Code)
}

func TestBulkStatusBundle(t *testing.T) {
	h := newAPIHarness(t)
	var targets []*domain.Agent
	for _, id := range []string{"a1", "a2", "a3"} {
		target := &domain.Agent{ID: id, Status: "active"}
		h.store.PutAgent(target)
		targets = append(targets, target)
	}
	// a2 answers with an explicit agent error; the bundle still settles
	// all three entries.
	h.startAgentResponder(t, targets[0], func(agent.Message) *agent.Message {
		return &agent.Message{Type: agent.MessageTypeStatusResponse, Status: "connected"}
	})
	h.startAgentResponder(t, targets[2], func(agent.Message) *agent.Message {
		return &agent.Message{Type: agent.MessageTypeStatusResponse, Status: "connected"}
	})
	h.startAgentResponder(t, targets[1], func(agent.Message) *agent.Message {
		return &agent.Message{Type: agent.MessageTypeError, Body: "not connected"}
	})

	w := h.do(t, http.MethodGet, "/fhir/Agent/$bulk-status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var bundle Bundle
	decodeBody(t, w, &bundle)
	assert.Equal(t, "Bundle", bundle.ResourceType)
	assert.Equal(t, "collection", bundle.Type)
	require.Len(t, bundle.Entry, 3)
	for _, entry := range bundle.Entry {
		assert.Equal(t, "Parameters", entry.Resource.ResourceType)
		require.Len(t, entry.Resource.Parameter, 2)
		assert.Equal(t, "agent", entry.Resource.Parameter[0].Name)
		assert.Equal(t, "result", entry.Resource.Parameter[1].Name)
	}
}

func TestBulkStatusCountExceeded(t *testing.T) {
	h := newAPIHarness(t)
	h.store.PutAgent(&domain.Agent{ID: "a1"})

	w := h.do(t, http.MethodGet, "/fhir/Agent/$bulk-status?_count=101", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var outcome OperationOutcome
	decodeBody(t, w, &outcome)
	assert.Equal(t, "invalid", outcome.Issue[0].Code)
	assert.Contains(t, outcome.Issue[0].Diagnostics, "greater than max of 100")
}

func TestBulkStatusInvalidCount(t *testing.T) {
	h := newAPIHarness(t)
	for _, count := range []string{"abc", "0", "-5", "1.5"} {
		w := h.do(t, http.MethodGet, "/fhir/Agent/$bulk-status?_count="+count, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "count %q must be rejected", count)
	}
}

func TestBulkStatusNoAgents(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodGet, "/fhir/Agent/$bulk-status", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var outcome OperationOutcome
	decodeBody(t, w, &outcome)
	assert.Contains(t, outcome.Issue[0].Diagnostics, "No agent(s) for given query")
}

func TestUpgradeCarriesVersionFromBody(t *testing.T) {
	h := newAPIHarness(t)
	target := &domain.Agent{ID: "a1"}
	h.store.PutAgent(target)
	h.startAgentResponder(t, target, func(req agent.Message) *agent.Message {
		assert.Equal(t, agent.MessageTypeUpgradeRequest, req.Type)
		assert.Equal(t, "4.2.4", req.Version)
		return &agent.Message{Type: agent.MessageTypeUpgradeResponse, Version: "4.2.4"}
	})

	w := h.do(t, http.MethodPost, "/fhir/Agent/a1/$upgrade", upgradeRequest{Version: "4.2.4", Timeout: 1000})
	require.Equal(t, http.StatusOK, w.Code)

	var resp agent.Message
	decodeBody(t, w, &resp)
	assert.Equal(t, "4.2.4", resp.Version)
}

func TestReloadConfigWithoutBody(t *testing.T) {
	h := newAPIHarness(t)
	target := &domain.Agent{ID: "a1"}
	h.store.PutAgent(target)
	h.startAgentResponder(t, target, func(req agent.Message) *agent.Message {
		assert.Equal(t, agent.MessageTypeReloadConfigRequest, req.Type)
		return &agent.Message{Type: agent.MessageTypeReloadConfigResponse, Status: "ok"}
	})

	w := h.do(t, http.MethodPost, "/fhir/Agent/a1/$reload-config", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestPushFireAndForgetAccepted(t *testing.T) {
	h := newAPIHarness(t)
	target := &domain.Agent{ID: "a1"}
	h.store.PutAgent(target)
	h.store.PutDevice(&domain.Device{ID: "d1", URL: "mllp://10.0.0.5:2575"})

	var mu sync.Mutex
	var transmitted []agent.Message
	sub := h.bus.Subscriber()
	sub.OnMessage(func(_ string, payload []byte) {
		var msg agent.Message
		require.NoError(t, json.Unmarshal(payload, &msg))
		mu.Lock()
		transmitted = append(transmitted, msg)
		mu.Unlock()
	})
	sub.Subscribe(target.Ref())
	defer sub.Close()

	w := h.do(t, http.MethodPost, "/fhir/Agent/a1/$push", pushRequest{
		Body:        "MSH|^~\\&|...",
		ContentType: "x-application/hl7-v2+er7",
		Destination: "Device/d1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp agent.Message
	decodeBody(t, w, &resp)
	assert.Equal(t, agent.MessageTypeTransmitResponse, resp.Type)
	assert.Equal(t, "accepted", resp.Status)
}

func TestPushResolvesDeviceSearch(t *testing.T) {
	h := newAPIHarness(t)
	target := &domain.Agent{ID: "a1"}
	h.store.PutAgent(target)
	h.store.PutDevice(&domain.Device{ID: "d1", URL: "mllp://10.0.0.5:2575"})
	h.startAgentResponder(t, target, func(req agent.Message) *agent.Message {
		assert.Equal(t, "mllp://10.0.0.5:2575", req.Remote)
		return &agent.Message{Type: agent.MessageTypeTransmitResponse, Body: "ACK"}
	})

	w := h.do(t, http.MethodPost, "/fhir/Agent/a1/$push", pushRequest{
		Body:            "MSH|^~\\&|...",
		Destination:     "Device?url=mllp%3A%2F%2F10.0.0.5%3A2575",
		WaitForResponse: true,
		Timeout:         1000,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp agent.Message
	decodeBody(t, w, &resp)
	assert.Equal(t, "ACK", resp.Body)
}

func TestPushPingDestination(t *testing.T) {
	h := newAPIHarness(t)
	target := &domain.Agent{ID: "a1"}
	h.store.PutAgent(target)
	h.startAgentResponder(t, target, func(req agent.Message) *agent.Message {
		assert.Equal(t, "10.0.0.7", req.Remote)
		return &agent.Message{Type: agent.MessageTypeTransmitResponse, Body: "PING 10.0.0.7 ok"}
	})

	w := h.do(t, http.MethodPost, "/fhir/Agent/a1/$push", pushRequest{
		Body:            "PING",
		ContentType:     ContentTypePing,
		Destination:     "10.0.0.7",
		WaitForResponse: true,
		Timeout:         1000,
	})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestPushValidation(t *testing.T) {
	h := newAPIHarness(t)
	h.store.PutAgent(&domain.Agent{ID: "a1"})

	cases := []struct {
		name string
		req  pushRequest
	}{
		{"missing body", pushRequest{Destination: "Device/d1"}},
		{"missing destination", pushRequest{Body: "x"}},
		{"unknown device", pushRequest{Body: "x", Destination: "Device/ghost"}},
		{"raw host without ping content type", pushRequest{Body: "x", Destination: "10.0.0.7"}},
		{"ipv6 ping destination", pushRequest{Body: "x", ContentType: ContentTypePing, Destination: "::1"}},
	}
	for _, tc := range cases {
		w := h.do(t, http.MethodPost, "/fhir/Agent/a1/$push", tc.req)
		assert.Equal(t, http.StatusBadRequest, w.Code, tc.name)
	}
}

func TestPushDeviceWithoutURL(t *testing.T) {
	h := newAPIHarness(t)
	h.store.PutAgent(&domain.Agent{ID: "a1"})
	h.store.PutDevice(&domain.Device{ID: "d1"})

	w := h.do(t, http.MethodPost, "/fhir/Agent/a1/$push", pushRequest{Body: "x", Destination: "Device/d1"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var outcome OperationOutcome
	decodeBody(t, w, &outcome)
	assert.Contains(t, outcome.Issue[0].Diagnostics, "no URL")
}

func TestIsPingable(t *testing.T) {
	assert.True(t, isPingable("10.0.0.7"))
	assert.True(t, isPingable("example.com"))
	assert.True(t, isPingable("lab-gw-01.internal"))
	assert.False(t, isPingable("::1"), "IPv6 is not a ping destination")
	assert.False(t, isPingable("-bad.example.com"))
	assert.False(t, isPingable("host name with spaces"))
}

func seedDispatchFixture(h *apiHarness) {
	h.store.PutProject(&domain.Project{ID: "p1"})
	h.store.PutMembership(&domain.Membership{
		ID:        "m1",
		ProjectID: "p1",
		Profile:   domain.Reference{Reference: "Practitioner/author"},
	})
	h.store.PutSubscription(&domain.Subscription{
		ID:        "s1",
		ProjectID: "p1",
		Status:    domain.SubscriptionActive,
		Criteria:  "Patient",
		Author:    domain.Reference{Reference: "Practitioner/author"},
		Channel:   domain.Channel{Type: domain.ChannelRestHook, Endpoint: "https://example.com/hook"},
	})
}

func TestDispatchIngestEnqueuesJob(t *testing.T) {
	h := newAPIHarness(t)
	seedDispatchFixture(h)

	resource := map[string]any{
		"resourceType": "Patient",
		"id":           "42",
		"meta":         map[string]any{"versionId": "2", "project": "p1"},
	}
	w := h.do(t, http.MethodPost, "/dispatch", map[string]any{
		"interaction": "update",
		"resource":    resource,
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var outcome OperationOutcome
	decodeBody(t, w, &outcome)
	assert.Equal(t, "information", outcome.Issue[0].Severity)

	jobs := h.queue.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, "s1", jobs[0].SubscriptionID)
	assert.Equal(t, "Patient", jobs[0].ResourceType)
	assert.Equal(t, "42", jobs[0].ID)
	assert.NotEmpty(t, jobs[0].RequestID)
}

func TestDispatchRejectsUnknownInteraction(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodPost, "/dispatch", map[string]any{
		"interaction": "vread",
		"resource":    map[string]any{"resourceType": "Patient", "id": "42"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var outcome OperationOutcome
	decodeBody(t, w, &outcome)
	assert.Contains(t, outcome.Issue[0].Diagnostics, "create, update or delete")
}

func TestDispatchRejectsAnonymousResource(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodPost, "/dispatch", map[string]any{
		"interaction": "create",
		"resource":    map[string]any{"resourceType": "Patient"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResendDispatchesStoredResource(t *testing.T) {
	h := newAPIHarness(t)
	seedDispatchFixture(h)
	h.store.PutResource(&domain.Resource{
		ResourceType: "Patient",
		ID:           "42",
		Meta:         domain.Meta{VersionID: "3", Project: "p1"},
	})

	w := h.do(t, http.MethodPost, "/fhir/Patient/42/$resend", nil)
	require.Equal(t, http.StatusOK, w.Code)

	jobs := h.queue.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, "Patient", jobs[0].ResourceType)
	assert.Equal(t, "42", jobs[0].ID)
	assert.Equal(t, "3", jobs[0].VersionID)
	assert.Equal(t, domain.InteractionUpdate, jobs[0].Interaction)
}

func TestResendUnknownResource(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodPost, "/fhir/Patient/ghost/$resend", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestIDForwarded(t *testing.T) {
	h := newAPIHarness(t)
	seedDispatchFixture(h)

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
	req.Header.Set("X-Request-Id", "req-777")
	req.Header.Set("X-Trace-Id", "trace-777")
	w := httptest.NewRecorder()
	h.api.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	jobs := h.queue.snapshot()
	require.Len(t, jobs, 1)
	assert.Equal(t, "req-777", jobs[0].RequestID)
	assert.Equal(t, "trace-777", jobs[0].TraceID)
}

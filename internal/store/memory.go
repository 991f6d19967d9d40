package store

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/DevJoghurt/fhir-relay/internal/relayerr"
)

// Ensure Memory implements domain.Store
var _ domain.Store = (*Memory)(nil)

// Memory is an in-memory resource store. The real repository lives
// outside this module; Memory backs the dev server and the test suites.
type Memory struct {
	mu            sync.RWMutex
	projects      map[string]*domain.Project
	subscriptions map[string]*domain.Subscription
	resources     map[string]*domain.Resource
	history       map[string][]*domain.Resource
	memberships   []*domain.Membership
	agents        map[string]*domain.Agent
	agentOrder    []string
	devices       map[string]*domain.Device
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		projects:      make(map[string]*domain.Project),
		subscriptions: make(map[string]*domain.Subscription),
		resources:     make(map[string]*domain.Resource),
		history:       make(map[string][]*domain.Resource),
		agents:        make(map[string]*domain.Agent),
		devices:       make(map[string]*domain.Device),
	}
}

// PutProject stores a project
func (m *Memory) PutProject(p *domain.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
}

// PutSubscription stores a subscription
func (m *Memory) PutSubscription(s *domain.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[s.ID] = s
}

// PutResource stores a resource version and appends it to the history of
// its reference
func (m *Memory) PutResource(r *domain.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := r.Ref()
	m.resources[ref] = r
	m.history[ref] = append(m.history[ref], r)
}

// PutMembership stores a membership
func (m *Memory) PutMembership(mb *domain.Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships = append(m.memberships, mb)
}

// PutAgent stores an agent
func (m *Memory) PutAgent(a *domain.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		m.agentOrder = append(m.agentOrder, a.ID)
	}
	m.agents[a.ID] = a
}

// PutDevice stores a device
func (m *Memory) PutDevice(d *domain.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d
}

// ReadProject resolves a project by ID
func (m *Memory) ReadProject(ctx context.Context, projectID string) (*domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[projectID]
	if !ok {
		return nil, relayerr.NotFound("project_not_found", fmt.Sprintf("Project/%s not found", projectID))
	}
	return p, nil
}

// FindActiveSubscriptions returns the project's active subscriptions
func (m *Memory) FindActiveSubscriptions(ctx context.Context, projectID string) ([]*domain.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var subs []*domain.Subscription
	for _, s := range m.subscriptions {
		if s.ProjectID == projectID && s.Status == domain.SubscriptionActive {
			subs = append(subs, s)
		}
	}
	return subs, nil
}

// ReadPriorVersion returns the version preceding versionID, or nil
func (m *Memory) ReadPriorVersion(ctx context.Context, resourceType, id, versionID string) (*domain.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.history[fmt.Sprintf("%s/%s", resourceType, id)]
	for i, v := range versions {
		if v.Meta.VersionID == versionID {
			if i == 0 {
				return nil, nil
			}
			return versions[i-1], nil
		}
	}
	return nil, nil
}

// FindMembership resolves a profile's membership within a project
func (m *Memory) FindMembership(ctx context.Context, projectID string, profile domain.Reference) (*domain.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mb := range m.memberships {
		if mb.ProjectID == projectID && mb.Profile.Reference == profile.Reference {
			return mb, nil
		}
	}
	return nil, nil
}

// ReadResource reads the current version of a resource
func (m *Memory) ReadResource(ctx context.Context, resourceType, id string) (*domain.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[fmt.Sprintf("%s/%s", resourceType, id)]
	if !ok {
		return nil, relayerr.NotFound("resource_not_found", fmt.Sprintf("%s/%s not found", resourceType, id))
	}
	return r, nil
}

// ReadSubscription reads a subscription by ID
func (m *Memory) ReadSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return nil, relayerr.NotFound("subscription_not_found", fmt.Sprintf("Subscription/%s not found", id))
	}
	return s, nil
}

// ReadAgent reads an agent by ID
func (m *Memory) ReadAgent(ctx context.Context, id string) (*domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, relayerr.NotFound("agent_not_found", fmt.Sprintf("Agent/%s not found", id))
	}
	return a, nil
}

// SearchAgents returns agents matching the query, at most count. The
// supported search parameters are identifier, name and status.
func (m *Memory) SearchAgents(ctx context.Context, query url.Values, count int) ([]*domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*domain.Agent
	for _, id := range m.agentOrder {
		a := m.agents[id]
		if q := query.Get("identifier"); q != "" && a.Identifier != q {
			continue
		}
		if q := query.Get("name"); q != "" && a.Name != q {
			continue
		}
		if q := query.Get("status"); q != "" && a.Status != q {
			continue
		}
		matched = append(matched, a)
		if count > 0 && len(matched) >= count {
			break
		}
	}
	return matched, nil
}

// ReadDevice reads a device by ID
func (m *Memory) ReadDevice(ctx context.Context, id string) (*domain.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, relayerr.NotFound("device_not_found", fmt.Sprintf("Device/%s not found", id))
	}
	return d, nil
}

// SearchDeviceOne returns the first device matching the query, or nil.
// The supported search parameter is url.
func (m *Memory) SearchDeviceOne(ctx context.Context, query url.Values) (*domain.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.devices {
		if q := query.Get("url"); q != "" && d.URL != q {
			continue
		}
		return d, nil
	}
	return nil, nil
}

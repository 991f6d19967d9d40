package dispatch

import (
	"sync"

	"github.com/DevJoghurt/fhir-relay/internal/domain"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FastPath is the in-memory registry of ephemeral websocket subscriptions
// that have not been persisted to the durable store, keyed by project.
// Socket sessions register their subscriptions here and remove them on
// disconnect. Eviction under memory pressure is acceptable for this
// class of subscription, so projects live in an LRU cache.
type FastPath struct {
	mu      sync.Mutex
	entries *lru.Cache
	logger  zerolog.Logger
}

// projectEntry holds the subscriptions of one project in insertion order.
type projectEntry struct {
	subs  map[string]*domain.Subscription
	order []string
}

// NewFastPath creates a fast-path registry holding at most capacity
// projects.
func NewFastPath(capacity int) (*FastPath, error) {
	entries, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "dispatch-fastpath").Logger()

	return &FastPath{
		entries: entries,
		logger:  logger,
	}, nil
}

// Add registers an ephemeral subscription for a project. Re-adding an ID
// replaces the previous subscription in place.
func (f *FastPath) Add(projectID string, sub *domain.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := f.project(projectID)
	if _, ok := entry.subs[sub.ID]; !ok {
		entry.order = append(entry.order, sub.ID)
	}
	entry.subs[sub.ID] = sub
	f.entries.Add(projectID, entry)

	f.logger.Debug().
		Str("project", projectID).
		Str("subscription", sub.Ref()).
		Msg("Registered fast-path subscription")
}

// Remove deregisters an ephemeral subscription.
func (f *FastPath) Remove(projectID, subscriptionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := f.project(projectID)
	if _, ok := entry.subs[subscriptionID]; !ok {
		return
	}
	delete(entry.subs, subscriptionID)
	for i, id := range entry.order {
		if id == subscriptionID {
			entry.order = append(entry.order[:i], entry.order[i+1:]...)
			break
		}
	}
	if len(entry.subs) == 0 {
		f.entries.Remove(projectID)
		return
	}
	f.entries.Add(projectID, entry)
}

// List returns the project's ephemeral subscriptions in registration
// order.
func (f *FastPath) List(projectID string) []*domain.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	value, ok := f.entries.Get(projectID)
	if !ok {
		return nil
	}
	entry := value.(*projectEntry)
	subs := make([]*domain.Subscription, 0, len(entry.order))
	for _, id := range entry.order {
		subs = append(subs, entry.subs[id])
	}
	return subs
}

// project returns the project's entry, creating it if absent. Caller
// holds the mutex.
func (f *FastPath) project(projectID string) *projectEntry {
	if value, ok := f.entries.Get(projectID); ok {
		return value.(*projectEntry)
	}
	return &projectEntry{subs: make(map[string]*domain.Subscription)}
}

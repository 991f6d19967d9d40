package dispatch

import (
	"context"
	"fmt"

	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Matcher loads the candidate subscriptions for a mutation and evaluates
// their criteria. Criteria semantics live in the injected predicate; the
// matcher only orchestrates it.
type Matcher struct {
	store    domain.Store
	fastPath *FastPath
	criteria domain.CriteriaMatcher
	logger   zerolog.Logger
}

// NewMatcher creates a new subscription matcher
func NewMatcher(store domain.Store, fastPath *FastPath, criteria domain.CriteriaMatcher) *Matcher {
	logger := log.With().Str("component", "dispatch-matcher").Logger()

	return &Matcher{
		store:    store,
		fastPath: fastPath,
		criteria: criteria,
		logger:   logger,
	}
}

// Load merges the project's durable active subscriptions with its
// fast-path entries. Fast-path entries are only eligible when the project
// carries the websocket-subscriptions feature; entries present without
// the feature are skipped with a warning rather than delivered.
func (m *Matcher) Load(ctx context.Context, project *domain.Project) ([]*domain.Subscription, error) {
	subs, err := m.store.FindActiveSubscriptions(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active subscriptions: %w", err)
	}

	ephemeral := m.fastPath.List(project.ID)
	if len(ephemeral) == 0 {
		return subs, nil
	}
	if !project.HasFeature(domain.FeatureWebSocketSubscriptions) {
		m.logger.Warn().
			Str("project", project.ID).
			Int("count", len(ephemeral)).
			Msg("Fast-path subscriptions present but feature not enabled, skipping")
		return subs, nil
	}

	// A socket session may register a subscription that is also active in
	// the store; the durable copy wins.
	seen := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		seen[sub.ID] = struct{}{}
	}
	for _, sub := range ephemeral {
		if _, ok := seen[sub.ID]; ok {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Matches evaluates one subscription's criteria against the mutation.
// The prior version is resolved lazily, only when the predicate needs a
// before/after comparison.
func (m *Matcher) Matches(ctx context.Context, change *domain.ResourceChange, sub *domain.Subscription) (bool, error) {
	resource := change.Resource
	return m.criteria.Matches(ctx, domain.MatchInput{
		Resource:     resource,
		Subscription: sub,
		Interaction:  change.Interaction,
		PriorVersion: func(ctx context.Context) (*domain.Resource, error) {
			return m.store.ReadPriorVersion(ctx, resource.ResourceType, resource.ID, resource.Meta.VersionID)
		},
	})
}

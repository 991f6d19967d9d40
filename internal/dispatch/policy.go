package dispatch

import (
	"context"
	"time"

	"github.com/DevJoghurt/fhir-relay/internal/domain"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Gate checks whether a subscription author may read the mutated
// resource. Membership and policy lookups are cached per author with a
// short expiration so one chatty resource does not hammer the store.
//
// The gate never returns an error into the dispatch path: any failure to
// resolve or build the author's policy is logged and treated as a denial.
type Gate struct {
	store      domain.Store
	evaluator  domain.PolicyEvaluator
	policies   *lru.TwoQueueCache
	expiration time.Duration
	logger     zerolog.Logger
}

// policyItem is a cached policy with an expiration time
type policyItem struct {
	policy     domain.AccessPolicy
	expiration time.Time
}

// NewGate creates a new access-policy gate with a policy cache of the
// given capacity.
func NewGate(store domain.Store, evaluator domain.PolicyEvaluator, cacheCapacity int, expiration time.Duration) (*Gate, error) {
	policies, err := lru.New2Q(cacheCapacity)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "dispatch-gate").Logger()

	return &Gate{
		store:      store,
		evaluator:  evaluator,
		policies:   policies,
		expiration: expiration,
		logger:     logger,
	}, nil
}

// Allows reports whether the subscription author's effective policy
// permits a read of the resource. Missing membership or a failing policy
// build denies with a warning.
func (g *Gate) Allows(ctx context.Context, project *domain.Project, sub *domain.Subscription, resource *domain.Resource) bool {
	policy, ok := g.authorPolicy(ctx, project, sub)
	if !ok {
		return false
	}
	return g.evaluator.Satisfies(resource, domain.InteractionRead, policy)
}

// authorPolicy resolves and caches the effective policy of the
// subscription author within the project.
func (g *Gate) authorPolicy(ctx context.Context, project *domain.Project, sub *domain.Subscription) (domain.AccessPolicy, bool) {
	key := project.ID + "|" + sub.Author.Reference
	if value, found := g.policies.Get(key); found {
		item := value.(policyItem)
		if time.Now().Before(item.expiration) {
			return item.policy, true
		}
		g.policies.Remove(key)
	}

	membership, err := g.store.FindMembership(ctx, project.ID, sub.Author)
	if err != nil {
		g.logger.Warn().
			Err(err).
			Str("project", project.ID).
			Str("subscription", sub.Ref()).
			Msg("Failed to resolve author membership, denying")
		return nil, false
	}
	if membership == nil {
		g.logger.Warn().
			Str("project", project.ID).
			Str("subscription", sub.Ref()).
			Str("author", sub.Author.Reference).
			Msg("Subscription author has no membership, denying")
		return nil, false
	}

	policy, err := g.evaluator.BuildPolicy(ctx, membership)
	if err != nil {
		g.logger.Warn().
			Err(err).
			Str("project", project.ID).
			Str("subscription", sub.Ref()).
			Msg("Failed to build author policy, denying")
		return nil, false
	}

	g.policies.Add(key, policyItem{
		policy:     policy,
		expiration: time.Now().Add(g.expiration),
	})
	return policy, true
}

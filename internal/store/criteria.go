package store

import (
	"context"

	"github.com/DevJoghurt/fhir-relay/internal/domain"
)

// Ensure TypeMatcher implements domain.CriteriaMatcher
var _ domain.CriteriaMatcher = (*TypeMatcher)(nil)

// TypeMatcher is a minimal criteria predicate matching on the resource
// type component of the criteria string only. Deployments with full FHIR
// search support inject their own predicate; the dispatch path only
// orchestrates it.
type TypeMatcher struct{}

// NewTypeMatcher creates a new type-only criteria matcher
func NewTypeMatcher() *TypeMatcher {
	return &TypeMatcher{}
}

// Matches reports whether the subscription criteria address the mutated
// resource's type.
func (t *TypeMatcher) Matches(ctx context.Context, in domain.MatchInput) (bool, error) {
	return in.Subscription.CriteriaResourceType() == in.Resource.ResourceType, nil
}

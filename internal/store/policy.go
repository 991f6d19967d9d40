package store

import (
	"context"

	"github.com/DevJoghurt/fhir-relay/internal/domain"
)

// Ensure MembershipEvaluator implements domain.PolicyEvaluator
var _ domain.PolicyEvaluator = (*MembershipEvaluator)(nil)

// MembershipEvaluator derives a policy from the membership's readable
// resource types. An empty list grants unrestricted reads. The full
// access-policy language lives outside this module.
type MembershipEvaluator struct{}

// NewMembershipEvaluator creates a new membership-based policy evaluator
func NewMembershipEvaluator() *MembershipEvaluator {
	return &MembershipEvaluator{}
}

// membershipPolicy is the evaluator's policy representation.
type membershipPolicy struct {
	readableResourceTypes []string
}

// BuildPolicy derives the effective access policy of a membership
func (e *MembershipEvaluator) BuildPolicy(ctx context.Context, membership *domain.Membership) (domain.AccessPolicy, error) {
	return &membershipPolicy{readableResourceTypes: membership.ReadableResourceTypes}, nil
}

// Satisfies reports whether the interaction on the resource is permitted
// by the policy
func (e *MembershipEvaluator) Satisfies(resource *domain.Resource, interaction domain.Interaction, policy domain.AccessPolicy) bool {
	p, ok := policy.(*membershipPolicy)
	if !ok {
		return false
	}
	if interaction != domain.InteractionRead {
		return false
	}
	if len(p.readableResourceTypes) == 0 {
		return true
	}
	for _, rt := range p.readableResourceTypes {
		if rt == resource.ResourceType {
			return true
		}
	}
	return false
}

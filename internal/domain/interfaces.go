package domain

import (
	"context"
	"net/url"
)

// Store defines the narrow slice of the resource repository consumed by
// the notification core. The storage engine itself lives outside this
// module.
type Store interface {
	// ReadProject resolves the owning project of a resource
	ReadProject(ctx context.Context, projectID string) (*Project, error)

	// FindActiveSubscriptions returns the project's active subscriptions
	FindActiveSubscriptions(ctx context.Context, projectID string) ([]*Subscription, error)

	// ReadPriorVersion returns the version preceding versionID, or nil if
	// there is none
	ReadPriorVersion(ctx context.Context, resourceType, id, versionID string) (*Resource, error)

	// FindMembership resolves a profile's membership within a project, or
	// nil if the profile is not a member
	FindMembership(ctx context.Context, projectID string, profile Reference) (*Membership, error)

	// ReadResource reads the current version of a resource
	ReadResource(ctx context.Context, resourceType, id string) (*Resource, error)

	// ReadSubscription reads a subscription by ID
	ReadSubscription(ctx context.Context, id string) (*Subscription, error)

	// ReadAgent reads an agent by ID
	ReadAgent(ctx context.Context, id string) (*Agent, error)

	// SearchAgents returns agents matching the query, at most count
	SearchAgents(ctx context.Context, query url.Values, count int) ([]*Agent, error)

	// ReadDevice reads a device by ID
	ReadDevice(ctx context.Context, id string) (*Device, error)

	// SearchDeviceOne returns the first device matching the query, or nil
	SearchDeviceOne(ctx context.Context, query url.Values) (*Device, error)
}

// AccessPolicy is the evaluator's opaque policy representation. This core
// builds and checks policies only through the PolicyEvaluator interface.
type AccessPolicy any

// PolicyEvaluator defines the access-policy collaborator. The policy
// language itself is out of scope here.
type PolicyEvaluator interface {
	// BuildPolicy derives the effective access policy of a membership
	BuildPolicy(ctx context.Context, membership *Membership) (AccessPolicy, error)

	// Satisfies reports whether the interaction on the resource is
	// permitted by the policy
	Satisfies(resource *Resource, interaction Interaction, policy AccessPolicy) bool
}

// MatchInput carries everything the shared criteria predicate needs to
// evaluate one subscription against one mutation. PriorVersion is invoked
// lazily when the criteria require a before/after comparison.
type MatchInput struct {
	Resource     *Resource
	Subscription *Subscription
	Interaction  Interaction
	PriorVersion func(ctx context.Context) (*Resource, error)
}

// CriteriaMatcher is the shared FHIR search predicate. The dispatch path
// orchestrates it but does not implement search filtering.
type CriteriaMatcher interface {
	Matches(ctx context.Context, in MatchInput) (bool, error)
}

// JobQueue accepts durable subscription jobs. Enqueue failures are
// retryable at the queue's discretion, never retried by the caller.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, job *SubscriptionJob) error
}

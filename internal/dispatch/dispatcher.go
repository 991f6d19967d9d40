package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/DevJoghurt/fhir-relay/internal/bus"
	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/DevJoghurt/fhir-relay/internal/metrics"
	"github.com/DevJoghurt/fhir-relay/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultBroadcastChannel is the well-known channel carrying websocket
// broadcast batches.
const DefaultBroadcastChannel = "subscriptions:r4:websockets"

// JobTypeSubscription is the queue job type of durable notifications.
const JobTypeSubscription = "subscription"

// errResourceWithoutProject marks a mutation carrying no project ID.
var errResourceWithoutProject = errors.New("resource has no owning project")

// Config contains dispatcher configuration
type Config struct {
	// BroadcastChannel is the bus channel for websocket broadcast batches
	BroadcastChannel string

	// FastPathCapacity bounds the number of projects in the fast-path
	// registry
	FastPathCapacity int

	// PolicyCacheCapacity bounds the author policy cache
	PolicyCacheCapacity int

	// PolicyCacheExpiration is the lifetime of a cached author policy
	PolicyCacheExpiration time.Duration
}

// DefaultConfig returns a default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		BroadcastChannel:      DefaultBroadcastChannel,
		FastPathCapacity:      1024,
		PolicyCacheCapacity:   1024,
		PolicyCacheExpiration: time.Minute,
	}
}

// Dispatcher routes one resource mutation to every matching, approved
// subscription of the owning project. Durable channels produce one queued
// job each; websocket channels accumulate into a single broadcast batch
// published once per mutation.
type Dispatcher struct {
	config   Config
	store    domain.Store
	matcher  *Matcher
	gate     *Gate
	queue    domain.JobQueue
	bus      *bus.Bus
	fastPath *FastPath
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher creates a new dispatcher and its fast-path registry and
// policy gate.
func NewDispatcher(config Config, store domain.Store, criteria domain.CriteriaMatcher, evaluator domain.PolicyEvaluator, queue domain.JobQueue, b *bus.Bus) (*Dispatcher, error) {
	defaults := DefaultConfig()
	if config.BroadcastChannel == "" {
		config.BroadcastChannel = defaults.BroadcastChannel
	}
	if config.FastPathCapacity <= 0 {
		config.FastPathCapacity = defaults.FastPathCapacity
	}
	if config.PolicyCacheCapacity <= 0 {
		config.PolicyCacheCapacity = defaults.PolicyCacheCapacity
	}
	if config.PolicyCacheExpiration <= 0 {
		config.PolicyCacheExpiration = defaults.PolicyCacheExpiration
	}

	fastPath, err := NewFastPath(config.FastPathCapacity)
	if err != nil {
		return nil, err
	}
	gate, err := NewGate(store, evaluator, config.PolicyCacheCapacity, config.PolicyCacheExpiration)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "dispatch").Logger()

	return &Dispatcher{
		config:   config,
		store:    store,
		matcher:  NewMatcher(store, fastPath, criteria),
		gate:     gate,
		queue:    queue,
		bus:      b,
		fastPath: fastPath,
		logger:   logger,
		metrics:  metrics.GetMetrics(),
	}, nil
}

// FastPath returns the ephemeral subscription registry so socket sessions
// can register and deregister their subscriptions.
func (d *Dispatcher) FastPath() *FastPath {
	return d.fastPath
}

// Dispatch evaluates one mutation against the owning project's
// subscriptions. AuditEvent mutations are never dispatched. A mutation
// whose project cannot be resolved is logged as a severe inconsistency
// and aborted without retry. Per-subscription failures are isolated and
// never abort sibling evaluation.
func (d *Dispatcher) Dispatch(ctx context.Context, change *domain.ResourceChange) error {
	resource := change.Resource
	if resource.ResourceType == "AuditEvent" {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatch.mutation", trace.WithAttributes(
		attribute.String("resource", resource.Ref()),
		attribute.String("interaction", string(change.Interaction)),
	))
	defer span.End()

	logger := d.logger.With().
		Str("resource", resource.Ref()).
		Str("versionId", resource.Meta.VersionID).
		Str("interaction", string(change.Interaction)).
		Str("requestId", change.RequestID).
		Logger()

	project, err := d.resolveProject(ctx, change)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot resolve owning project, aborting dispatch")
		telemetry.MarkSpanError(ctx, err)
		d.metrics.DispatchMutationsTotal.WithLabelValues("aborted").Inc()
		return nil
	}

	subs, err := d.matcher.Load(ctx, project)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load subscriptions, aborting dispatch")
		d.metrics.DispatchMutationsTotal.WithLabelValues("aborted").Inc()
		return nil
	}

	var batch []domain.BroadcastEntry
	for _, sub := range subs {
		d.metrics.DispatchEvaluatedTotal.Inc()

		matched, err := d.matcher.Matches(ctx, change, sub)
		if err != nil {
			logger.Warn().Err(err).Str("subscription", sub.Ref()).Msg("Criteria evaluation failed, skipping")
			continue
		}
		if !matched {
			continue
		}

		allowed := d.gate.Allows(ctx, project, sub, resource)
		if !allowed {
			d.metrics.DispatchPolicyDeniedTotal.WithLabelValues(string(sub.Channel.Type)).Inc()
			if sub.Channel.Type == domain.ChannelWebSocket {
				logger.Info().Str("subscription", sub.Ref()).Msg("Policy denied websocket notification")
				continue
			}
			// Observed behavior: denial on non-websocket channels is
			// logged but does not block delivery.
			logger.Warn().
				Str("subscription", sub.Ref()).
				Str("channelType", string(sub.Channel.Type)).
				Msg("Policy denied notification, delivering anyway for non-websocket channel")
		}

		if sub.Channel.Type == domain.ChannelWebSocket {
			batch = append(batch, domain.BroadcastEntry{
				SubscriptionID:  sub.ID,
				Resource:        resource,
				IncludeResource: true,
			})
			continue
		}

		job := &domain.SubscriptionJob{
			SubscriptionID: sub.ID,
			ResourceType:   resource.ResourceType,
			ChannelType:    sub.Channel.Type,
			ID:             resource.ID,
			VersionID:      resource.Meta.VersionID,
			Interaction:    change.Interaction,
			RequestTime:    time.Now().UTC(),
			RequestID:      change.RequestID,
			TraceID:        change.TraceID,
		}
		if err := d.queue.Enqueue(ctx, JobTypeSubscription, job); err != nil {
			logger.Warn().Err(err).Str("subscription", sub.Ref()).Msg("Failed to enqueue subscription job")
			continue
		}
		d.metrics.DispatchJobsEnqueuedTotal.WithLabelValues(string(sub.Channel.Type)).Inc()
	}

	if len(batch) > 0 {
		if err := d.publishBroadcast(logger, batch); err != nil {
			d.metrics.DispatchMutationsTotal.WithLabelValues("broadcast_failed").Inc()
			return err
		}
	}

	d.metrics.DispatchMutationsTotal.WithLabelValues("ok").Inc()
	return nil
}

// resolveProject loads the owning project of the mutated resource.
func (d *Dispatcher) resolveProject(ctx context.Context, change *domain.ResourceChange) (*domain.Project, error) {
	projectID := change.Resource.Meta.Project
	if projectID == "" {
		return nil, errResourceWithoutProject
	}
	return d.store.ReadProject(ctx, projectID)
}

// publishBroadcast sends the mutation's accumulated websocket entries as
// one bus message.
func (d *Dispatcher) publishBroadcast(logger zerolog.Logger, batch []domain.BroadcastEntry) error {
	payload, err := json.Marshal(domain.BroadcastEvent{Entries: batch})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode broadcast batch")
		return err
	}
	delivered := d.bus.Publish(d.config.BroadcastChannel, payload)
	d.metrics.BusPublishedTotal.WithLabelValues("broadcast").Inc()
	d.metrics.DispatchBroadcastsTotal.Inc()
	logger.Debug().
		Int("entries", len(batch)).
		Int("delivered", delivered).
		Msg("Published broadcast batch")
	return nil
}

package agent

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/DevJoghurt/fhir-relay/internal/metrics"
	"github.com/DevJoghurt/fhir-relay/internal/relayerr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// MaxAgentsPerPage caps the number of targets one bulk operation may
	// address
	MaxAgentsPerPage = 100

	// defaultAgentsPerPage applies when the caller does not request a
	// page size
	defaultAgentsPerPage = 20
)

// Selector resolves the targets of a bulk operation: either one agent by
// ID or a filtered collection bounded by Count.
type Selector struct {
	ID    string
	Query url.Values
	Count int
}

// Operation is invoked once per resolved target.
type Operation func(ctx context.Context, target *domain.Agent) (*Message, error)

// Entry is the per-target outcome of a bulk operation. Exactly one of
// Result and Err is set.
type Entry struct {
	Agent  *domain.Agent
	Result *Message
	Err    *relayerr.Error
}

// Result is the composite outcome of a bulk operation: one entry per
// resolved target, in resolution order. Per-target failures are data in
// the entries, not failures of the bulk call itself.
type Result struct {
	Entries []Entry

	// Single reports that the selector addressed one agent by ID, in
	// which case callers may unwrap the lone entry
	Single bool
}

// Bulk fans one operation out to many agents concurrently and aggregates
// the per-target outcomes.
type Bulk struct {
	store   domain.Store
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewBulk creates a new bulk fan-out aggregator
func NewBulk(store domain.Store) *Bulk {
	logger := log.With().Str("component", "agent-bulk").Logger()

	return &Bulk{
		store:   store,
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}
}

// Run resolves the selector and invokes op once per target. A single-ID
// selector bypasses concurrency and propagates the operation error
// directly. A collection selector runs every operation concurrently and
// always waits for all of them to settle; individual failures, including
// panics, become entries rather than aborting siblings.
func (b *Bulk) Run(ctx context.Context, sel Selector, op Operation) (*Result, error) {
	if sel.Count > MaxAgentsPerPage {
		return nil, relayerr.Validation(
			"count_exceeded",
			fmt.Sprintf("'_count' of %d is greater than max of %d", sel.Count, MaxAgentsPerPage),
		)
	}

	agents, err := b.resolve(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, relayerr.Validation("no_agents", "No agent(s) for given query")
	}

	if sel.ID != "" {
		result, err := op(ctx, agents[0])
		if err != nil {
			return nil, err
		}
		return &Result{
			Entries: []Entry{{Agent: agents[0], Result: result}},
			Single:  true,
		}, nil
	}

	entries := make([]Entry, len(agents))
	var wg sync.WaitGroup
	for i, target := range agents {
		wg.Add(1)
		go func(i int, target *domain.Agent) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().
						Str("agent", target.Ref()).
						Interface("panic", r).
						Msg("Bulk operation panicked")
					entries[i] = Entry{
						Agent: target,
						Err:   relayerr.Internal("operation_panic", fmt.Sprintf("%v", r)),
					}
					b.metrics.BulkTargetsTotal.WithLabelValues("panic").Inc()
				}
			}()

			result, err := op(ctx, target)
			if err != nil {
				entries[i] = Entry{Agent: target, Err: relayerr.FromError(err)}
				b.metrics.BulkTargetsTotal.WithLabelValues(string(relayerr.FromError(err).Kind)).Inc()
				return
			}
			entries[i] = Entry{Agent: target, Result: result}
			b.metrics.BulkTargetsTotal.WithLabelValues("ok").Inc()
		}(i, target)
	}
	wg.Wait()

	return &Result{Entries: entries}, nil
}

// resolve loads the targets addressed by the selector.
func (b *Bulk) resolve(ctx context.Context, sel Selector) ([]*domain.Agent, error) {
	if sel.ID != "" {
		target, err := b.store.ReadAgent(ctx, sel.ID)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, nil
		}
		return []*domain.Agent{target}, nil
	}

	count := sel.Count
	if count <= 0 {
		count = defaultAgentsPerPage
	}
	return b.store.SearchAgents(ctx, sel.Query, count)
}

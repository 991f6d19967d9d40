package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DevJoghurt/fhir-relay/internal/agent"
	"github.com/DevJoghurt/fhir-relay/internal/api"
	"github.com/DevJoghurt/fhir-relay/internal/bus"
	"github.com/DevJoghurt/fhir-relay/internal/config"
	"github.com/DevJoghurt/fhir-relay/internal/correlation"
	"github.com/DevJoghurt/fhir-relay/internal/dispatch"
	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/DevJoghurt/fhir-relay/internal/logging"
	"github.com/DevJoghurt/fhir-relay/internal/metrics"
	"github.com/DevJoghurt/fhir-relay/internal/queue"
	"github.com/DevJoghurt/fhir-relay/internal/socket"
	"github.com/DevJoghurt/fhir-relay/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Engine is the main coordinator of all relay components
type Engine struct {
	config      *config.Config
	store       domain.Store
	bus         *bus.Bus
	queue       *queue.Queue
	worker      *queue.Worker
	dispatcher  *dispatch.Dispatcher
	gateway     *socket.Gateway
	api         *api.API
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	telemetryFn func(context.Context) error // Shutdown function for telemetry
}

// CreateEngine builds an engine with every component wired from the
// central configuration. The resource store is injected; the dev server
// passes the in-memory store, a deployment passes the real repository.
func CreateEngine(cfg *config.Config, st domain.Store, criteria domain.CriteriaMatcher, evaluator domain.PolicyEvaluator) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if !cfg.Queue.InMemory {
		if err := os.MkdirAll(cfg.Queue.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create queue data directory: %w", err)
		}
	}

	b := bus.NewBus(cfg.ToBusConfig())

	q, err := queue.NewQueue(cfg.ToQueueConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize job queue: %w", err)
	}
	worker := queue.NewWorker(cfg.ToWorkerConfig(), q, st)

	dispatcher, err := dispatch.NewDispatcher(cfg.ToDispatchConfig(), st, criteria, evaluator, q, b)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	registry := correlation.NewRegistry(cfg.ToCorrelationConfig(), b)
	client := agent.NewClient(cfg.ToAgentConfig(), b, registry)
	bulk := agent.NewBulk(st)

	gateway := socket.NewGateway(cfg.ToSocketConfig(), b, st, dispatcher.FastPath())
	apiServer := api.NewAPI(cfg.ToAPIConfig(), st, client, bulk, dispatcher)

	logger := log.With().Str("component", "engine").Logger()

	return &Engine{
		config:     cfg,
		store:      st,
		bus:        b,
		queue:      q,
		worker:     worker,
		dispatcher: dispatcher,
		gateway:    gateway,
		api:        apiServer,
		logger:     logger,
		metrics:    metrics.GetMetrics(),
	}, nil
}

// API returns the HTTP API component, mainly for tests.
func (e *Engine) API() *api.API {
	return e.api
}

// Dispatcher returns the dispatch component.
func (e *Engine) Dispatcher() *dispatch.Dispatcher {
	return e.dispatcher
}

// Bus returns the pub/sub bus.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

// Queue returns the durable job queue.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Start initializes and runs all components until the context is
// canceled.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting relay engine")

	if err := logging.Setup(e.config.ToLoggingConfig()); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	// Use the provided context or create a new one with signal handling
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			e.logger.Info().Str("signal", sig.String()).Msg("Caught signal, initiating shutdown")
			cancel()
		}()
	}

	g, ctx := errgroup.WithContext(ctx)

	// Start the delivery worker
	g.Go(func() error {
		return e.worker.Start(ctx)
	})

	// Start the socket gateway
	g.Go(func() error {
		return e.gateway.Start(ctx)
	})

	// Start the API server
	g.Go(func() error {
		return e.api.Start(ctx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Relay engine shut down successfully")
	return nil
}

// Shutdown stops the engine components in dependency order.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down relay engine")

	// Stop accepting new HTTP work first
	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
	}

	// Close live socket connections
	if err := e.gateway.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down socket gateway")
	}

	// Stop bus delivery
	if err := e.bus.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down bus")
	}

	// Close the job queue last so in-flight deliveries can ack
	if err := e.queue.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close job queue")
		return err
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}

	return nil
}

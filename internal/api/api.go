package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/DevJoghurt/fhir-relay/internal/agent"
	"github.com/DevJoghurt/fhir-relay/internal/dispatch"
	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/DevJoghurt/fhir-relay/internal/logging"
	"github.com/DevJoghurt/fhir-relay/internal/metrics"
	"github.com/DevJoghurt/fhir-relay/internal/relayerr"
	"github.com/DevJoghurt/fhir-relay/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ContentTypePing marks a push whose destination is a raw host rather
// than a Device resource.
const ContentTypePing = "x-application/ping"

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:        ":8080",
		ReadTimeout: 5 * time.Second,
		// Write timeout must exceed the hard agent exchange ceiling so a
		// slow upgrade response is not cut off by the server.
		WriteTimeout: 70 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// API serves the agent operation endpoints and the dispatch ingest.
type API struct {
	config     Config
	router     *chi.Mux
	server     *http.Server
	store      domain.Store
	agents     *agent.Client
	bulk       *agent.Bulk
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// NewAPI creates a new API instance
func NewAPI(config Config, store domain.Store, agents *agent.Client, bulk *agent.Bulk, dispatcher *dispatch.Dispatcher) *API {
	logger := log.With().Str("component", "api").Logger()

	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}

	a := &API{
		config:     config,
		store:      store,
		agents:     agents,
		bulk:       bulk,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    metrics.GetMetrics(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware("fhir-relay"))
	r.Use(logging.HTTPMiddleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(a.instrument)
	a.registerRoutes(r)
	a.router = r

	return a
}

// Start runs the API server until the context is canceled.
func (a *API) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting API server")

	server := &http.Server{
		Addr:         a.config.Addr,
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}
	a.server = server

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("API server error")
		}
	}()

	<-ctx.Done()
	return nil
}

// Shutdown gracefully stops the API server.
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// Router exposes the HTTP handler, mainly for tests.
func (a *API) Router() http.Handler {
	return a.router
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/fhir/Agent", func(r chi.Router) {
		r.Get("/$bulk-status", a.handleStatus)
		r.Get("/{id}/$status", a.handleStatus)
		r.Post("/$reload-config", a.handleReloadConfig)
		r.Post("/{id}/$reload-config", a.handleReloadConfig)
		r.Post("/$upgrade", a.handleUpgrade)
		r.Post("/{id}/$upgrade", a.handleUpgrade)
		r.Post("/{id}/$push", a.handlePush)
	})

	r.Post("/fhir/{resourceType}/{id}/$resend", a.handleResend)
	r.Post("/dispatch", a.handleDispatch)
}

// instrument records request counts and latency per route pattern.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		a.metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		a.metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		if ww.Status() >= 500 {
			a.metrics.APIErrorsTotal.WithLabelValues(r.Method, route, "internal").Inc()
		}
	})
}

// selectorFromRequest builds the bulk target selector from the path ID
// and the search query.
func selectorFromRequest(r *http.Request) (agent.Selector, error) {
	sel := agent.Selector{ID: chi.URLParam(r, "id")}
	query := r.URL.Query()
	if countStr := query.Get("_count"); countStr != "" {
		count, err := strconv.Atoi(countStr)
		if err != nil || count <= 0 {
			return sel, relayerr.Validation("invalid_count", "'_count' must be a positive integer")
		}
		sel.Count = count
		query.Del("_count")
	}
	sel.Query = query
	return sel, nil
}

// runBulk executes op across the selected agents and writes either the
// single unwrapped result or the collection bundle.
func (a *API) runBulk(w http.ResponseWriter, r *http.Request, op agent.Operation) {
	sel, err := selectorFromRequest(r)
	if err != nil {
		sendError(w, err)
		return
	}

	result, err := a.bulk.Run(r.Context(), sel, op)
	if err != nil {
		sendError(w, err)
		return
	}

	if result.Single {
		sendJSON(w, http.StatusOK, result.Entries[0].Result)
		return
	}
	sendJSON(w, http.StatusOK, bulkBundle(result))
}

// handleStatus serves GET /fhir/Agent/{id}/$status and
// GET /fhir/Agent/$bulk-status.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.runBulk(w, r, func(ctx context.Context, target *domain.Agent) (*agent.Message, error) {
		return a.agents.Status(ctx, target)
	})
}

// handleReloadConfig serves POST /fhir/Agent[/{id}]/$reload-config.
func (a *API) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	a.runBulk(w, r, func(ctx context.Context, target *domain.Agent) (*agent.Message, error) {
		return a.agents.ReloadConfig(ctx, target)
	})
}

// upgradeRequest is the optional body of an upgrade operation. The
// timeout is milliseconds.
type upgradeRequest struct {
	Version string `json:"version,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

// handleUpgrade serves POST /fhir/Agent[/{id}]/$upgrade.
func (a *API) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendError(w, relayerr.Validation("invalid_body", "Invalid upgrade request body"))
			return
		}
	}

	opts := agent.UpgradeOptions{
		Version: req.Version,
		Timeout: time.Duration(req.Timeout) * time.Millisecond,
	}
	a.runBulk(w, r, func(ctx context.Context, target *domain.Agent) (*agent.Message, error) {
		return a.agents.Upgrade(ctx, target, opts)
	})
}

// pushRequest is the body of a push operation. The timeout is
// milliseconds.
type pushRequest struct {
	Body            string `json:"body"`
	ContentType     string `json:"contentType,omitempty"`
	Destination     string `json:"destination"`
	WaitForResponse bool   `json:"waitForResponse,omitempty"`
	Timeout         int    `json:"timeout,omitempty"`
}

// handlePush serves POST /fhir/Agent/{id}/$push.
func (a *API) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, relayerr.Validation("invalid_body", "Invalid push request body"))
		return
	}
	if req.Body == "" {
		sendError(w, relayerr.Validation("missing_body", "Missing body parameter"))
		return
	}
	if req.Destination == "" {
		sendError(w, relayerr.Validation("missing_destination", "Missing destination parameter"))
		return
	}

	remote, err := a.resolveDestination(r.Context(), req.Destination, req.ContentType)
	if err != nil {
		sendError(w, err)
		return
	}

	a.runBulk(w, r, func(ctx context.Context, target *domain.Agent) (*agent.Message, error) {
		resp, err := a.agents.Push(ctx, target, agent.PushOptions{
			Body:            req.Body,
			ContentType:     req.ContentType,
			Remote:          remote,
			WaitForResponse: req.WaitForResponse,
			Timeout:         time.Duration(req.Timeout) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		if resp == nil {
			// Fire-and-forget push acknowledges acceptance.
			return &agent.Message{Type: agent.MessageTypeTransmitResponse, Status: "accepted"}, nil
		}
		return resp, nil
	})
}

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*$`)

// resolveDestination maps a push destination onto a concrete remote
// address: a Device reference, a Device search, or, for pings, a raw
// IPv4 address or hostname.
func (a *API) resolveDestination(ctx context.Context, destination, contentType string) (string, error) {
	switch {
	case strings.HasPrefix(destination, "Device/"):
		device, err := a.store.ReadDevice(ctx, strings.TrimPrefix(destination, "Device/"))
		if err != nil {
			return "", relayerr.Validation("device_not_found", "Destination device not found")
		}
		if device.URL == "" {
			return "", relayerr.Validation("device_without_url", "Destination device has no URL")
		}
		return device.URL, nil

	case strings.HasPrefix(destination, "Device?"):
		query, err := url.ParseQuery(strings.TrimPrefix(destination, "Device?"))
		if err != nil {
			return "", relayerr.Validation("invalid_device_query", "Invalid destination device query")
		}
		device, err := a.store.SearchDeviceOne(ctx, query)
		if err != nil || device == nil {
			return "", relayerr.Validation("device_not_found", "Destination device not found")
		}
		if device.URL == "" {
			return "", relayerr.Validation("device_without_url", "Destination device has no URL")
		}
		return device.URL, nil

	case contentType == ContentTypePing && isPingable(destination):
		return destination, nil

	default:
		return "", relayerr.Validation("invalid_destination", "Destination must be a Device reference, a Device search or a pingable host")
	}
}

// isPingable accepts IPv4 addresses and plain hostnames.
func isPingable(destination string) bool {
	if ip := net.ParseIP(destination); ip != nil {
		return ip.To4() != nil
	}
	return hostnamePattern.MatchString(destination)
}

// dispatchRequest is the ingest body of one resource mutation.
type dispatchRequest struct {
	Interaction domain.Interaction `json:"interaction"`
	Resource    json.RawMessage    `json:"resource"`
}

// handleDispatch serves POST /dispatch: the mutation ingest of the
// subscription engine.
func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, relayerr.Validation("invalid_body", "Invalid dispatch request body"))
		return
	}

	switch req.Interaction {
	case domain.InteractionCreate, domain.InteractionUpdate, domain.InteractionDelete:
	default:
		sendError(w, relayerr.Validation("invalid_interaction", "Interaction must be create, update or delete"))
		return
	}

	var resource domain.Resource
	if err := json.Unmarshal(req.Resource, &resource); err != nil {
		sendError(w, relayerr.Validation("invalid_resource", "Invalid resource document"))
		return
	}
	if resource.ResourceType == "" || resource.ID == "" {
		sendError(w, relayerr.Validation("missing_identity", "Resource must carry resourceType and id"))
		return
	}
	resource.Body = req.Resource

	change := &domain.ResourceChange{
		Resource:    &resource,
		Interaction: req.Interaction,
		RequestID:   requestID(r),
		TraceID:     r.Header.Get("X-Trace-Id"),
	}

	if err := a.dispatcher.Dispatch(r.Context(), change); err != nil {
		a.logger.Error().Err(err).Str("resource", resource.Ref()).Msg("Dispatch failed")
		sendError(w, relayerr.Internal("dispatch_failed", "Failed to dispatch mutation"))
		return
	}
	sendJSON(w, http.StatusAccepted, allOK)
}

// handleResend serves POST /fhir/{resourceType}/{id}/$resend: re-runs
// dispatch for the current version of a stored resource.
func (a *API) handleResend(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "resourceType")
	id := chi.URLParam(r, "id")

	resource, err := a.store.ReadResource(r.Context(), resourceType, id)
	if err != nil {
		sendError(w, err)
		return
	}

	change := &domain.ResourceChange{
		Resource:    resource,
		Interaction: domain.InteractionUpdate,
		RequestID:   requestID(r),
		TraceID:     r.Header.Get("X-Trace-Id"),
	}
	if err := a.dispatcher.Dispatch(r.Context(), change); err != nil {
		a.logger.Error().Err(err).Str("resource", resource.Ref()).Msg("Resend dispatch failed")
		sendError(w, relayerr.Internal("dispatch_failed", "Failed to dispatch mutation"))
		return
	}
	sendJSON(w, http.StatusOK, allOK)
}

// requestID returns the inbound request ID, minting one if the client
// did not send any.
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

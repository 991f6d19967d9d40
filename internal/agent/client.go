package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DevJoghurt/fhir-relay/internal/bus"
	"github.com/DevJoghurt/fhir-relay/internal/correlation"
	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/DevJoghurt/fhir-relay/internal/metrics"
	"github.com/DevJoghurt/fhir-relay/internal/relayerr"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultUpgradeTimeout applies to upgrade exchanges without an
	// explicit timeout
	DefaultUpgradeTimeout = 45 * time.Second

	// MaxTimeout is the hard ceiling enforced on every awaited exchange
	MaxTimeout = 56 * time.Second
)

// Config contains agent client configuration
type Config struct {
	// Timeout applied to awaited exchanges without an explicit timeout
	DefaultTimeout time.Duration

	// Hard ceiling for requested timeouts
	MaxTimeout time.Duration
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     MaxTimeout,
	}
}

// SendOptions controls one command exchange.
type SendOptions struct {
	// WaitForResponse awaits a correlated response; otherwise the
	// request is fire-and-forget
	WaitForResponse bool

	// Timeout for the awaited response; 0 selects the client default
	Timeout time.Duration
}

// Client publishes command requests to remote agents and optionally
// awaits correlated responses through the registry.
type Client struct {
	config   Config
	bus      *bus.Bus
	registry *correlation.Registry
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewClient creates a new agent command client
func NewClient(config Config, b *bus.Bus, registry *correlation.Registry) *Client {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = DefaultConfig().MaxTimeout
	}

	logger := log.With().Str("component", "agent-client").Logger()

	return &Client{
		config:   config,
		bus:      b,
		registry: registry,
		logger:   logger,
		metrics:  metrics.GetMetrics(),
	}
}

// Send publishes the request on the agent's channel. Without
// WaitForResponse it returns (nil, nil) once the request is accepted for
// delivery. With WaitForResponse it attaches a fresh correlation token,
// registers the exchange before publishing, and awaits the response.
//
// Terminal outcomes of an awaited exchange:
//   - a well-formed response: returned to the caller for type checking
//   - an agent:error message: an application-kind error carrying the body
//   - timeout or malformed payload: a transport-kind error
func (c *Client) Send(ctx context.Context, target *domain.Agent, msg Message, opts SendOptions) (*Message, error) {
	if !opts.WaitForResponse {
		payload, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode agent request: %w", err)
		}
		c.bus.Publish(target.Ref(), payload)
		c.metrics.BusPublishedTotal.WithLabelValues("agent").Inc()
		c.metrics.AgentRequestsTotal.WithLabelValues(msg.Type, "accepted").Inc()
		return nil, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	if timeout > c.config.MaxTimeout {
		c.logger.Debug().
			Dur("requested", opts.Timeout).
			Dur("ceiling", c.config.MaxTimeout).
			Msg("Clamping requested timeout to ceiling")
		timeout = c.config.MaxTimeout
	}

	// The token is scoped to the target plus a random component so that
	// concurrent requests to the same agent never share a channel.
	token := target.Ref() + "-" + generateToken()
	msg.Callback = token

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent request: %w", err)
	}

	px := c.registry.Register(token, timeout)
	start := time.Now()
	c.bus.Publish(target.Ref(), payload)
	c.metrics.BusPublishedTotal.WithLabelValues("agent").Inc()

	body, err := px.Await(ctx)
	c.metrics.AgentRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, correlation.ErrTimeout) {
			c.metrics.AgentRequestsTotal.WithLabelValues(msg.Type, "timeout").Inc()
			return nil, relayerr.Transport("timeout", "Timeout").WithCause(err)
		}
		c.metrics.AgentRequestsTotal.WithLabelValues(msg.Type, "error").Inc()
		return nil, fmt.Errorf("agent exchange failed: %w", err)
	}

	var resp Message
	if err := json.Unmarshal(body, &resp); err != nil {
		c.metrics.AgentRequestsTotal.WithLabelValues(msg.Type, "malformed").Inc()
		return nil, relayerr.Transport("malformed_response", "Invalid response received from agent").WithCause(err)
	}

	if resp.Type == MessageTypeError {
		c.metrics.AgentRequestsTotal.WithLabelValues(msg.Type, "agent_error").Inc()
		return nil, relayerr.Application("agent_error", resp.Body)
	}

	c.metrics.AgentRequestsTotal.WithLabelValues(msg.Type, "ok").Inc()
	return &resp, nil
}

// exchange sends an awaited request and verifies the response type.
func (c *Client) exchange(ctx context.Context, target *domain.Agent, msg Message, timeout time.Duration, wantType string) (*Message, error) {
	resp, err := c.Send(ctx, target, msg, SendOptions{WaitForResponse: true, Timeout: timeout})
	if err != nil {
		return nil, err
	}
	if resp.Type != wantType {
		return nil, relayerr.Transport("unexpected_response", "Invalid response received from agent").
			WithDetails(resp.Type)
	}
	return resp, nil
}

// Status queries an agent's liveness and connection state.
func (c *Client) Status(ctx context.Context, target *domain.Agent) (*Message, error) {
	return c.exchange(ctx, target, Message{Type: MessageTypeStatusRequest}, 0, MessageTypeStatusResponse)
}

// ReloadConfig instructs an agent to re-read its configuration.
func (c *Client) ReloadConfig(ctx context.Context, target *domain.Agent) (*Message, error) {
	return c.exchange(ctx, target, Message{Type: MessageTypeReloadConfigRequest}, 0, MessageTypeReloadConfigResponse)
}

// UpgradeOptions controls an agent upgrade exchange.
type UpgradeOptions struct {
	Version string
	Timeout time.Duration
}

// Upgrade instructs an agent to upgrade itself, optionally to a specific
// version. Upgrades run long, so the default timeout is higher than for
// other exchanges; requested timeouts are still clamped by Send.
func (c *Client) Upgrade(ctx context.Context, target *domain.Agent, opts UpgradeOptions) (*Message, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultUpgradeTimeout
	}
	msg := Message{Type: MessageTypeUpgradeRequest, Version: opts.Version}
	return c.exchange(ctx, target, msg, timeout, MessageTypeUpgradeResponse)
}

// PushOptions controls a transmit exchange.
type PushOptions struct {
	Body            string
	ContentType     string
	Remote          string
	WaitForResponse bool
	Timeout         time.Duration
}

// Push transmits a payload through an agent to a remote destination.
func (c *Client) Push(ctx context.Context, target *domain.Agent, opts PushOptions) (*Message, error) {
	msg := Message{
		Type:        MessageTypeTransmitRequest,
		Body:        opts.Body,
		ContentType: opts.ContentType,
		Remote:      opts.Remote,
	}
	if !opts.WaitForResponse {
		return c.Send(ctx, target, msg, SendOptions{})
	}
	return c.exchange(ctx, target, msg, opts.Timeout, MessageTypeTransmitResponse)
}

// Variable for generating correlation token suffixes
// Can be replaced in tests for deterministic behavior
var generateToken = func() string {
	return uuid.NewString()
}

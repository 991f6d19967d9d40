package socket

import (
	"context"
	"sync"

	"github.com/DevJoghurt/fhir-relay/internal/bus"
	"github.com/DevJoghurt/fhir-relay/internal/dispatch"
	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/DevJoghurt/fhir-relay/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains socket gateway configuration
type Config struct {
	// Address to listen on
	ListenAddr string

	// BroadcastChannel carrying websocket notification batches
	BroadcastChannel string
}

// DefaultConfig returns a default gateway configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":8090",
		BroadcastChannel: dispatch.DefaultBroadcastChannel,
	}
}

// Gateway terminates live socket connections: agent uplinks, client
// subscription streams and the echo loopback. Each connection binds to
// bus channels according to its protocol.
type Gateway struct {
	config   Config
	app      *fiber.App
	bus      *bus.Bus
	store    domain.Store
	fastPath *dispatch.FastPath
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewGateway creates a new socket gateway
func NewGateway(config Config, b *bus.Bus, store domain.Store, fastPath *dispatch.FastPath) *Gateway {
	defaults := DefaultConfig()
	if config.ListenAddr == "" {
		config.ListenAddr = defaults.ListenAddr
	}
	if config.BroadcastChannel == "" {
		config.BroadcastChannel = defaults.BroadcastChannel
	}

	logger := log.With().Str("component", "socket").Logger()

	g := &Gateway{
		config:   config,
		bus:      b,
		store:    store,
		fastPath: fastPath,
		logger:   logger,
		metrics:  metrics.GetMetrics(),
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use("/ws/:protocol", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/:protocol", websocket.New(func(conn *websocket.Conn) {
		protocol := ParseProtocol(conn.Params("protocol"))
		g.metrics.SocketConnectionsActive.Inc()
		defer g.metrics.SocketConnectionsActive.Dec()

		switch protocol {
		case ProtocolEcho:
			g.handleEcho(conn)
		case ProtocolAgent:
			g.handleAgent(conn)
		case ProtocolSubscriptions:
			g.handleSubscriptions(conn)
		default:
			g.logger.Debug().Str("protocol", conn.Params("protocol")).Msg("Unknown socket protocol")
			conn.Close()
		}
	}))

	app.Get("/sse/subscriptions", g.handleSSE)

	g.app = app
	return g
}

// Start begins serving socket connections.
func (g *Gateway) Start(ctx context.Context) error {
	g.logger.Info().Str("addr", g.config.ListenAddr).Msg("Starting socket gateway")
	go func() {
		if err := g.app.Listen(g.config.ListenAddr); err != nil {
			g.logger.Error().Err(err).Msg("Socket gateway stopped")
		}
	}()
	return nil
}

// Shutdown stops the gateway and closes open connections.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info().Msg("Shutting down socket gateway")
	return g.app.ShutdownWithContext(ctx)
}

// wsWriter serializes writes to one websocket connection.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) write(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// Variable for generating connection and channel IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}

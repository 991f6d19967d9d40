package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/DevJoghurt/fhir-relay/internal/domain"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/valyala/fasthttp"
)

// bindRequest is the client-side control message of the subscription
// protocol.
type bindRequest struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscriptionId"`
}

// subscriptionSession tracks which subscription IDs one connection is
// bound to, and which of those were registered into the fast-path
// registry so they can be removed on disconnect.
type subscriptionSession struct {
	mu         sync.Mutex
	bound      map[string]struct{}
	registered map[string]string // subscription ID -> project ID
}

func newSubscriptionSession() *subscriptionSession {
	return &subscriptionSession{
		bound:      make(map[string]struct{}),
		registered: make(map[string]string),
	}
}

func (s *subscriptionSession) bind(subscriptionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound[subscriptionID] = struct{}{}
}

func (s *subscriptionSession) unbind(subscriptionID string) (projectID string, registered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bound, subscriptionID)
	projectID, registered = s.registered[subscriptionID]
	delete(s.registered, subscriptionID)
	return projectID, registered
}

func (s *subscriptionSession) markRegistered(subscriptionID, projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered[subscriptionID] = projectID
}

// relevant filters a broadcast batch down to the session's bound
// subscriptions.
func (s *subscriptionSession) relevant(event *domain.BroadcastEvent) []domain.BroadcastEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []domain.BroadcastEntry
	for _, entry := range event.Entries {
		if _, ok := s.bound[entry.SubscriptionID]; ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

// drain returns every fast-path registration for removal on disconnect.
func (s *subscriptionSession) drain() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	registered := s.registered
	s.registered = make(map[string]string)
	return registered
}

// handleSubscriptions runs one live notification stream. The client
// binds subscription IDs; the session listens on the well-known
// broadcast channel and forwards only the entries for bound IDs.
// Websocket-channel subscriptions are registered into the fast-path
// registry for the lifetime of the connection.
func (g *Gateway) handleSubscriptions(conn *websocket.Conn) {
	writer := &wsWriter{conn: conn}
	session := newSubscriptionSession()

	sub := g.bus.Subscriber()
	sub.OnMessage(func(_ string, payload []byte) {
		var event domain.BroadcastEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			g.logger.Warn().Err(err).Msg("Malformed broadcast batch")
			return
		}
		for _, entry := range session.relevant(&event) {
			out, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			if err := writer.write(out); err != nil {
				return
			}
			g.metrics.SocketMessagesTotal.WithLabelValues(ProtocolSubscriptions.String(), "out").Inc()
		}
	})
	sub.Subscribe(g.config.BroadcastChannel)
	defer sub.Close()
	defer func() {
		for subscriptionID, projectID := range session.drain() {
			g.fastPath.Remove(projectID, subscriptionID)
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		g.metrics.SocketMessagesTotal.WithLabelValues(ProtocolSubscriptions.String(), "in").Inc()

		var req bindRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			g.logger.Warn().Err(err).Msg("Malformed bind request")
			continue
		}

		switch req.Type {
		case "bind":
			g.bindSubscription(session, writer, req.SubscriptionID)
		case "unbind":
			if projectID, registered := session.unbind(req.SubscriptionID); registered {
				g.fastPath.Remove(projectID, req.SubscriptionID)
			}
		default:
			g.logger.Debug().Str("type", req.Type).Msg("Unknown subscription control message")
		}
	}
}

// bindSubscription attaches a subscription ID to the session and, for
// websocket-channel subscriptions, registers it in the fast-path
// registry.
func (g *Gateway) bindSubscription(session *subscriptionSession, writer *wsWriter, subscriptionID string) {
	sub, err := g.store.ReadSubscription(context.Background(), subscriptionID)
	if err != nil {
		reply, _ := json.Marshal(fiber.Map{"type": "error", "message": "Unknown subscription"})
		writer.write(reply)
		return
	}

	session.bind(sub.ID)
	if sub.Channel.Type == domain.ChannelWebSocket && sub.ProjectID != "" {
		g.fastPath.Add(sub.ProjectID, sub)
		session.markRegistered(sub.ID, sub.ProjectID)
	}

	reply, _ := json.Marshal(fiber.Map{"type": "bound", "subscriptionId": sub.ID})
	writer.write(reply)
}

// handleSSE streams broadcast entries for one subscription ID as
// server-sent events.
func (g *Gateway) handleSSE(c *fiber.Ctx) error {
	subscriptionID := c.Query("subscription", "")
	if subscriptionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Subscription ID is required",
		})
	}
	if _, err := g.store.ReadSubscription(c.Context(), subscriptionID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown subscription",
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	events := make(chan []byte, 100)
	sub := g.bus.Subscriber()
	sub.OnMessage(func(_ string, payload []byte) {
		var event domain.BroadcastEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return
		}
		for _, entry := range event.Entries {
			if entry.SubscriptionID != subscriptionID {
				continue
			}
			out, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			select {
			case events <- out:
			default:
				g.logger.Warn().Str("subscription", subscriptionID).Msg("SSE buffer full, dropping entry")
			}
		}
	})
	sub.Subscribe(g.config.BroadcastChannel)

	ctx := c.Context()
	ctx.SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer sub.Close()
		fmt.Fprintf(w, "event: connected\ndata: {\"subscriptionId\":%q}\n\n", subscriptionID)
		w.Flush()
		for {
			select {
			case payload := <-events:
				fmt.Fprintf(w, "data: %s\n\n", payload)
				if err := w.Flush(); err != nil {
					return
				}
				g.metrics.SocketMessagesTotal.WithLabelValues(ProtocolSubscriptions.String(), "out").Inc()
			case <-ctx.Done():
				return
			}
		}
	}))

	return nil
}

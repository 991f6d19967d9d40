package socket

import (
	"context"
	"encoding/json"

	"github.com/DevJoghurt/fhir-relay/internal/agent"
	"github.com/gofiber/websocket/v2"
)

// handleAgent runs one agent uplink. The first message must be a connect
// request naming a known agent; the session then bridges the agent's bus
// channel onto the socket. Command requests arriving on the bus are
// forwarded down; agent messages carrying a callback token are published
// back onto the callback channel for the awaiting exchange.
func (g *Gateway) handleAgent(conn *websocket.Conn) {
	writer := &wsWriter{conn: conn}

	target, ok := g.acceptAgent(conn, writer)
	if !ok {
		conn.Close()
		return
	}

	logger := g.logger.With().Str("agent", target).Logger()
	logger.Info().Msg("Agent connected")

	sub := g.bus.Subscriber()
	sub.OnMessage(func(_ string, payload []byte) {
		if err := writer.write(payload); err != nil {
			logger.Debug().Err(err).Msg("Agent write failed")
			return
		}
		g.metrics.SocketMessagesTotal.WithLabelValues(ProtocolAgent.String(), "out").Inc()
	})
	sub.Subscribe(target)
	defer sub.Close()
	defer logger.Info().Msg("Agent disconnected")

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		g.metrics.SocketMessagesTotal.WithLabelValues(ProtocolAgent.String(), "in").Inc()

		var msg agent.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.Warn().Err(err).Msg("Malformed agent message")
			continue
		}

		switch {
		case msg.Type == agent.MessageTypeHeartbeatRequest:
			reply, _ := json.Marshal(agent.Message{Type: agent.MessageTypeHeartbeatResponse})
			if err := writer.write(reply); err != nil {
				return
			}
		case msg.Callback != "":
			// A response to a pending exchange; the correlation registry
			// is subscribed on the callback channel.
			g.bus.Publish(msg.Callback, payload)
		default:
			logger.Debug().Str("type", msg.Type).Msg("Dropping agent message without callback")
		}
	}
}

// acceptAgent performs the connect handshake and returns the agent's bus
// channel.
func (g *Gateway) acceptAgent(conn *websocket.Conn, writer *wsWriter) (string, bool) {
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}

	var msg agent.Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Type != agent.MessageTypeConnectRequest || msg.AgentID == "" {
		g.rejectAgent(writer, "Expected connect request with agent ID")
		return "", false
	}

	target, err := g.store.ReadAgent(context.Background(), msg.AgentID)
	if err != nil {
		g.rejectAgent(writer, "Unknown agent")
		return "", false
	}

	reply, _ := json.Marshal(agent.Message{Type: agent.MessageTypeConnectResponse, AgentID: target.ID})
	if err := writer.write(reply); err != nil {
		return "", false
	}
	return target.Ref(), true
}

func (g *Gateway) rejectAgent(writer *wsWriter, reason string) {
	reply, _ := json.Marshal(agent.Message{Type: agent.MessageTypeError, Body: reason})
	writer.write(reply)
}

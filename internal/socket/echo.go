package socket

import (
	"github.com/gofiber/websocket/v2"
)

// handleEcho binds the connection to a fresh private bus channel and
// loops every inbound message through the bus and back to the socket.
// It exists to exercise the full publish path end to end.
func (g *Gateway) handleEcho(conn *websocket.Conn) {
	channel := generateID()
	writer := &wsWriter{conn: conn}

	sub := g.bus.Subscriber()
	sub.OnMessage(func(_ string, payload []byte) {
		if err := writer.write(payload); err != nil {
			g.logger.Debug().Err(err).Msg("Echo write failed")
			return
		}
		g.metrics.SocketMessagesTotal.WithLabelValues(ProtocolEcho.String(), "out").Inc()
	})
	sub.Subscribe(channel)
	defer sub.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		g.metrics.SocketMessagesTotal.WithLabelValues(ProtocolEcho.String(), "in").Inc()
		g.bus.Publish(channel, message)
	}
}

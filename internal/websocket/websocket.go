// Package websocket bridges a tenant's event stream onto a WebSocket
// connection.
package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dapidd12/hexhs/internal/fanout"
	"github.com/dapidd12/hexhs/internal/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Streamer serves each tenant's lifecycle events over WebSocket. A tenant
// has one stream; connecting again replaces the previous subscriber.
type Streamer struct {
	fanout *fanout.Fanout
	logger logging.Logger
}

// NewStreamer creates a streamer over the given fanout.
func NewStreamer(fan *fanout.Fanout, logger logging.Logger) *Streamer {
	return &Streamer{fanout: fan, logger: logger}
}

// ServeWS upgrades the request and pumps the tenant's events until the
// client goes away or the subscription is replaced.
func (s *Streamer) ServeWS(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	events := s.fanout.Subscribe(tenantID)
	log := s.logger.WithField("tenant_id", tenantID)
	log.Info("WebSocket event stream attached")

	go s.writePump(conn, events, tenantID)
	s.readPump(conn, events, tenantID)
	log.Info("WebSocket event stream detached")
}

// writePump pumps events to the peer and keeps the connection alive with
// pings. A closed events channel means the subscription was replaced.
func (s *Streamer) writePump(conn *websocket.Conn, events <-chan fanout.Event, tenantID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	hello := fanout.Event{
		Type:      fanout.TypeConnected,
		Message:   "Event stream connected",
		Timestamp: time.Now().UTC(),
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames, servicing pongs and close handshakes.
func (s *Streamer) readPump(conn *websocket.Conn, events <-chan fanout.Event, tenantID string) {
	defer func() {
		s.fanout.Unsubscribe(tenantID, events)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).Debug("WebSocket connection error")
			}
			return
		}
	}
}

package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vigil-sec/vigil/internal/models"
)

const writeWait = 10 * time.Second

// StreamHub fans alerts, score updates and action outcomes out to all
// connected websocket dashboards. It implements notify.Notifier so it can
// sit next to the Kafka publisher behind notify.Multi.
type StreamHub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	// writeMu serializes broadcasts; gorilla/websocket allows only one
	// concurrent writer per connection.
	writeMu sync.Mutex
}

// NewStreamHub creates an empty hub.
func NewStreamHub(log *zap.Logger) *StreamHub {
	return &StreamHub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Handler upgrades the connection and keeps it registered until the peer
// goes away. Clients only receive; inbound messages are discarded.
func (h *StreamHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		h.register(conn)
		h.log.Debug("stream client connected", zap.String("remote", conn.RemoteAddr().String()))

		// Read loop exists only to observe the close.
		go func() {
			defer h.unregister(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func (h *StreamHub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *StreamHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// ClientCount reports how many dashboards are attached.
func (h *StreamHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

type streamMessage struct {
	Kind    string `json:"kind"` // alert, score or action
	Payload any    `json:"payload"`
}

func (h *StreamHub) broadcast(msg streamMessage) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteJSON(msg); err != nil {
			h.log.Debug("stream client dropped", zap.Error(err))
			h.unregister(c)
		}
	}
}

// Close disconnects all clients.
func (h *StreamHub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		c.Close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

func (h *StreamHub) NotifyAlert(_ context.Context, alert models.Alert) error {
	h.broadcast(streamMessage{Kind: "alert", Payload: alert})
	return nil
}

func (h *StreamHub) NotifyAction(_ context.Context, action models.ResponseActionRecord) error {
	h.broadcast(streamMessage{Kind: "action", Payload: action})
	return nil
}

func (h *StreamHub) NotifyScore(_ context.Context, score models.RiskScoreRecord) error {
	h.broadcast(streamMessage{Kind: "score", Payload: score})
	return nil
}

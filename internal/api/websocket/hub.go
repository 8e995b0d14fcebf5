// Package websocket streams pipeline progress events to connected
// observers. The stream is one-way; client frames are read only to keep
// the connection's control traffic flowing.
package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message is the envelope for every broadcast frame.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config tunes per-connection behavior.
type Config struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	SendBufferSize int
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		MaxMessageSize: 4096,
		SendBufferSize: 64,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The stream carries no credentials and accepts no commands.
		return true
	},
}

// Hub fans progress messages out to every connected client. A client
// whose send queue fills up is disconnected rather than allowed to stall
// the broadcaster.
type Hub struct {
	logger *slog.Logger
	config Config

	mu      sync.RWMutex
	clients map[uuid.UUID]*client
	closed  bool
}

type client struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
}

func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Hub{
		logger:  logger,
		config:  cfg,
		clients: make(map[uuid.UUID]*client),
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, h.config.SendBufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)

	h.logger.Debug("websocket client connected", "client_id", c.id, "remote_addr", r.RemoteAddr)
}

// Broadcast queues an event for every connected client.
func (h *Hub) Broadcast(eventType string, data any) {
	msg := Message{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("cannot marshal websocket event", "type", eventType, "error", err)
		return
	}

	var stale []uuid.UUID
	h.mu.RLock()
	for id, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		h.logger.Warn("dropping slow websocket client", "client_id", id)
		h.remove(id)
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects future upgrades.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
	h.mu.Unlock()
}

// remove drops one client and closes its queue. Safe to call twice; the
// second call finds nothing.
func (h *Hub) remove(id uuid.UUID) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(c.send)
	}
	h.mu.Unlock()

	if ok {
		h.logger.Debug("websocket client removed", "client_id", id)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		h.remove(c.id)
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

			// Flush whatever else is queued while we hold the writer.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		c.conn.Close()
		h.remove(c.id)
	}()

	c.conn.SetReadLimit(h.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

// Package broadcast fans recording events out to WebSocket listeners. The
// hub never blocks on a slow client: each connection has a bounded send
// buffer and overflowing clients are dropped.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"strand/internal/logging"
	"strand/internal/notifications"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API binds to loopback; cross-origin browsers are not a
		// supported client.
		return true
	},
}

// Message is the WebSocket event envelope.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hub maintains the set of connected listeners and broadcasts events.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	logger  *slog.Logger
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hub{
		clients: make(map[string]*client),
		logger:  logger.With(logging.String(logging.FieldComponent, "broadcast")),
	}
}

// BroadcastStateChange implements notifications.Broadcaster.
func (h *Hub) BroadcastStateChange(change notifications.StateChange) {
	h.Broadcast("recording_state", change)
}

// Broadcast sends an event to every connected listener. Clients whose send
// buffer is full are disconnected rather than slowing the caller down.
func (h *Hub) Broadcast(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("encode broadcast payload", logging.Error(err), logging.String(logging.FieldEventType, event))
		return
	}
	msg := Message{Event: event, Data: data}

	h.mu.RLock()
	var overflow []*client
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			overflow = append(overflow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range overflow {
		h.logger.Warn("dropping slow event listener", logging.String("client_id", c.id))
		h.remove(c)
	}
}

// ClientCount returns the number of connected listeners.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects all listeners and rejects new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ServeHTTP upgrades the request and runs the client write loop.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan Message, sendBufferSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("event listener connected", logging.String("client_id", c.id))

	go c.readLoop(h)
	c.writeLoop(h)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if present {
		c.close()
		h.logger.Debug("event listener disconnected", logging.String("client_id", c.id))
	}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Message

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readLoop discards inbound frames; the event stream is one-way. It exists
// to process pong frames and detect disconnects.
func (c *client) readLoop(h *Hub) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop(h *Hub) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.remove(c)
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

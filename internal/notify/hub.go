package notify

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/urbanforestry/treesync/internal/logging"
	"github.com/urbanforestry/treesync/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Only allow connections from localhost; the hub serves the local
	// UI shell and nothing else.
	CheckOrigin: localOrigin,
}

func localOrigin(r *http.Request) bool {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// envelope wraps all hub messages.
type envelope struct {
	Type      string       `json:"type"`
	Data      Notification `json:"data"`
	Timestamp int64        `json:"timestamp"`
}

// client is one connected UI session.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains connected UI clients and broadcasts notifications to them.
// It implements Notifier, so admin-comment and sync events reach any open
// dashboard immediately.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates a notification hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
	}
}

// Send implements Notifier by broadcasting to every connected client.
func (h *Hub) Send(n Notification) error {
	msg, err := json.Marshal(envelope{
		Type:      "notification." + string(n.Kind),
		Data:      n,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Client send buffer is full; drop it.
			logging.Warn("Dropping slow notification client",
				map[string]interface{}{"client_id": id})
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades an incoming connection and registers it with the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("WebSocket upgrade failed", err, nil)
		return
	}

	c := &client{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	logging.Info("Notification client connected",
		map[string]interface{}{"client_id": c.id, "total": total})

	go h.writePump(c)
	go h.readPump(c)
}

// writePump flushes queued messages to the client connection.
func (h *Hub) writePump(c *client) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump consumes (and discards) client frames until the connection
// closes, then unregisters the client.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	c.conn.Close()
	logging.Info("Notification client disconnected",
		map[string]interface{}{"client_id": c.id, "total": total})
}

package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamhive/relay/internal/session"
	"github.com/streamhive/relay/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Client kinds.
const (
	clientCollector = "collector"
	clientOverlay   = "overlay"
)

// Client is one connected websocket consumer: a collector (receives
// chat-kind deliveries for its platform) or an overlay surface (receives
// media/ticker/general/form deliveries for its entity).
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	kind  string
	scope string // platform for collectors, entity id for overlays
}

// Delivery is the envelope pushed to websocket clients.
type Delivery struct {
	SessionID string             `json:"session_id"`
	EntityID  string             `json:"entity_id"`
	UserID    string             `json:"user_id"`
	Status    string             `json:"status"`
	Responses []session.Response `json:"responses"`
}

// Hub tracks connected clients and fans finalized session results out to
// them. Implements session.Sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]bool)}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	slog.Info("gateway.ws_connected", "kind", c.kind, "scope", c.scope)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Deliver partitions a finalized result by response kind: chat responses go
// back to the originating platform's collectors, the rest to overlay clients
// scoped to the entity. Results with no responses of either kind are dropped.
func (h *Hub) Deliver(res session.Result) {
	platform := store.EntityPlatform(res.EntityID)

	if chat := res.ChatResponses(); len(chat) > 0 {
		h.send(clientCollector, platform, Delivery{
			SessionID: res.SessionID.String(),
			EntityID:  res.EntityID,
			UserID:    res.UserID,
			Status:    res.Status,
			Responses: chat,
		})
	}
	if overlay := res.OverlayResponses(); len(overlay) > 0 {
		h.send(clientOverlay, res.EntityID, Delivery{
			SessionID: res.SessionID.String(),
			EntityID:  res.EntityID,
			UserID:    res.UserID,
			Status:    res.Status,
			Responses: overlay,
		})
	}
}

func (h *Hub) send(kind, scope string, d Delivery) {
	data, err := json.Marshal(d)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.kind != kind || (c.scope != scope && c.scope != "*") {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow consumer: drop the delivery rather than blocking the hub.
			slog.Warn("gateway.ws_slow_consumer", "kind", c.kind, "scope", c.scope)
		}
	}
}

// CollectorCount returns connected collector clients (health surface).
func (h *Hub) CollectorCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.kind == clientCollector {
			n++
		}
	}
	return n
}

// serveWS upgrades the connection and runs the client pumps.
func (h *Hub) serveWS(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, kind, scope string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway.ws_upgrade_failed", "error", err)
		return
	}

	c := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		kind:  kind,
		scope: scope,
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

// readPump discards inbound frames (delivery sockets are one-way) and keeps
// the pong deadline fresh until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

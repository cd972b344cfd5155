// Package websocket pushes entitlement snapshots to connected UI clients.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rcourtman/entitled/internal/entitlement"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: check the Origin header against config.AllowedOrigins
		return true
	},
}

// Client is one connected websocket peer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub fans entitlement snapshots out to connected clients. Register,
// unregister and broadcast all flow through Run's select loop.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu          sync.RWMutex
	getSnapshot func() entitlement.Snapshot
}

// Message is the wire frame. Types sent by the hub: welcome,
// entitlements, status, ping, pong. Clients may send ping and
// requestState.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// NewHub creates a hub. getSnapshot supplies the state sent to clients
// on connect and on requestState; it may be nil.
func NewHub(getSnapshot func() entitlement.Snapshot) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		broadcast:   make(chan []byte, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		getSnapshot: getSnapshot,
	}
}

// Run drives the hub until ctx is cancelled, then disconnects every
// client and returns.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.drainAndClose()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client connected")

			// The send buffer is empty at registration, so the greeting
			// and initial state always fit.
			client.queue(marshalMessage(Message{Type: "welcome", Data: map[string]string{"message": "connected"}}))
			if snap := h.snapshot(); snap != nil {
				client.queue(marshalMessage(Message{Type: "entitlements", Data: snap}))
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Info().Str("client", client.id).Msg("WebSocket client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Client cannot keep up. Closing the connection makes
					// its read pump fail and unregister it.
					log.Warn().Str("client", client.id).Msg("Dropping slow WebSocket client")
					client.conn.Close()
				}
			}

		case <-pingTicker.C:
			h.enqueue(marshalMessage(Message{Type: "ping", Data: map[string]int64{"timestamp": time.Now().Unix()}}))
		}
	}
}

// drainAndClose closes every connection and waits for the read pumps to
// unregister their clients. Send channels are only closed here in the
// unregister path, after the owning read pump has stopped queueing.
func (h *Hub) drainAndClose() {
	h.mu.RLock()
	remaining := len(h.clients)
	for client := range h.clients {
		client.conn.Close()
	}
	h.mu.RUnlock()

	for remaining > 0 {
		client := <-h.unregister
		h.mu.Lock()
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
			remaining--
		}
		h.mu.Unlock()
	}
}

// HandleWebSocket upgrades the request and attaches the client to the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		id:   uuid.NewString(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// BroadcastSnapshot pushes a state update to all clients.
func (h *Hub) BroadcastSnapshot(snap entitlement.Snapshot) {
	h.enqueue(marshalMessage(Message{Type: "entitlements", Data: snap}))
}

// BroadcastStatus pushes the rendered subscription status description.
func (h *Hub) BroadcastStatus(description string) {
	h.enqueue(marshalMessage(Message{Type: "status", Data: map[string]string{"description": description}}))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() *entitlement.Snapshot {
	h.mu.RLock()
	getSnapshot := h.getSnapshot
	h.mu.RUnlock()
	if getSnapshot == nil {
		return nil
	}
	snap := getSnapshot()
	return &snap
}

func (h *Hub) enqueue(data []byte) {
	if data == nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Warn().Msg("WebSocket broadcast channel full")
	}
}

func (c *Client) queue(data []byte) {
	if data == nil {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn().Str("client", c.id).Msg("Client send buffer full")
	}
}

func marshalMessage(msg Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return nil
	}
	return data
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed WebSocket message")
			continue
		}

		switch msg.Type {
		case "ping":
			c.queue(marshalMessage(Message{Type: "pong", Data: map[string]int64{"timestamp": time.Now().Unix()}}))
		case "requestState":
			if snap := c.hub.snapshot(); snap != nil {
				c.queue(marshalMessage(Message{Type: "entitlements", Data: snap}))
			}
		default:
			log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Received WebSocket message")
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
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Flush anything already queued behind this message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				select {
				case msg := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

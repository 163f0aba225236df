// Package hub is the notification fan-out: a lifecycle-scoped registry of
// live WebSocket connections that every domain event is broadcast to.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gridshare/gridshare/pkg/messaging"
)

// DefaultHeartbeatInterval between liveness sweeps.
const DefaultHeartbeatInterval = 30 * time.Second

const sendBuffer = 64

// Conn is the subset of *websocket.Conn the hub needs; tests substitute
// fakes to exercise the liveness sweep without real sockets.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Client is one registered connection. The userID is bound by the first
// {"type":"auth","userId":N} message and is informational, not an enforced
// security boundary.
type Client struct {
	id   uuid.UUID
	conn Conn
	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	alive  bool
	userID int64
	closed bool
}

// UserID returns the identity bound by the auth handshake, zero if none.
func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// sweep reports whether the client answered since the previous probe and
// arms the next one.
func (c *Client) sweep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasAlive := c.alive
	c.alive = false
	return wasAlive
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	c.conn.Close()
}

// authMessage is the inbound handshake payload.
type authMessage struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
}

// Hub owns the connection registry and the heartbeat sweep. Construct with
// New, attach the event bus, then Run until the server stops.
type Hub struct {
	logger    *zap.Logger
	heartbeat time.Duration

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func New(logger *zap.Logger, heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Hub{
		logger:    logger,
		heartbeat: heartbeat,
		clients:   make(map[*Client]struct{}),
	}
}

// AttachBus subscribes the hub to every event type so domain events reach
// connected clients.
func (h *Hub) AttachBus(bus messaging.Bus) error {
	for _, eventType := range messaging.EventTypes {
		if err := bus.Subscribe(eventType, func(event messaging.Event) {
			h.broadcastEnvelope(event.Envelope())
		}); err != nil {
			return err
		}
	}
	return nil
}

// Run drives the liveness sweep until ctx is cancelled, then closes every
// remaining connection.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep removes connections that missed the previous probe and pings the
// rest.
func (h *Hub) sweep() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	deadline := time.Now().Add(h.heartbeat / 2)
	for _, c := range clients {
		if !c.sweep() {
			h.logger.Debug("hub: dropping unresponsive client", zap.String("client_id", c.id.String()))
			h.Unregister(c)
			continue
		}
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.Unregister(c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.shutdown()
	}
}

// Register adds a connection and starts its pumps.
func (h *Hub) Register(conn Conn) *Client {
	c := &Client{
		id:    uuid.New(),
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
		alive: true,
	}
	conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.readPump(c)
	go h.writePump(c)
	return c
}

// Unregister removes a connection and closes it. Safe to call more than
// once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.shutdown()
	}
}

// Broadcast marshals one {type, data} envelope and queues it on every
// client. Best effort: a client with a full send buffer misses the message
// rather than blocking the caller.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("hub: marshal broadcast payload failed",
			zap.String("event_type", eventType), zap.Error(err))
		return
	}
	h.broadcastEnvelope(messaging.Envelope{Type: eventType, Data: raw})
}

func (h *Hub) broadcastEnvelope(env messaging.Envelope) {
	msg, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("hub: marshal envelope failed", zap.String("event_type", env.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		case <-c.done:
		default:
			// Slow consumer: drop this message for this client.
		}
	}
}

// ClientCount reports the registry size.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump consumes inbound frames: the auth handshake binds an identity,
// anything else is ignored. A read error removes the connection.
func (h *Hub) readPump(c *Client) {
	defer h.Unregister(c)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.markAlive()

		var msg authMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.logger.Debug("hub: malformed client message", zap.Error(err))
			continue
		}
		if msg.Type == "auth" && msg.UserID != 0 {
			c.mu.Lock()
			c.userID = msg.UserID
			c.mu.Unlock()
		}
	}
}

func (h *Hub) writePump(c *Client) {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.Unregister(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Authorizer gates thread subscriptions. Implemented by
// services.ThreadService.
type Authorizer interface {
	CanSubscribe(ctx context.Context, userID, threadID string) error
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "ping"
	ThreadID    string `json:"thread_id,omitempty"`     // thread to (un)subscribe
	LastEventID string `json:"last_event_id,omitempty"` // resumption cursor (event timestamp)
}

// ConnectionManager manages WebSocket connections and the subscription
// sessions running on top of them. Each process has one instance.
type ConnectionManager struct {
	log        Log
	bus        Bus
	authorizer Authorizer

	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Write timeout for WebSocket sends
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client. The read loop and
// session goroutines both touch the sessions map; sessMu guards it.
type Connection struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	sessMu   sync.Mutex
	sessions map[string]context.CancelFunc // channel → session cancel
	wg       sync.WaitGroup

	writeMu sync.Mutex
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(log Log, bus Bus, authorizer Authorizer, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		log:          log,
		bus:          bus,
		authorizer:   authorizer,
		connections:  make(map[string]*Connection),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages the lifecycle of a single WebSocket
// connection for an authenticated user. Blocks until the connection
// closes; all sessions are torn down before it returns.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, userID string) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:       connID,
		UserID:   userID,
		Conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]context.CancelFunc),
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	// Read loop — process client messages until connection closes
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// handleClientMessage dispatches a client message to the appropriate handler.
func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.ThreadID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "thread_id is required for subscribe"})
			return
		}
		m.subscribe(ctx, c, msg.ThreadID, msg.LastEventID)

	case "unsubscribe":
		if msg.ThreadID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "thread_id is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, ThreadChannel(msg.ThreadID, c.UserID))

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe authorizes the thread and starts a subscription session
// goroutine for it. The confirmation is sent before the session starts
// so the client sees it ahead of any replayed events.
func (m *ConnectionManager) subscribe(ctx context.Context, c *Connection, threadID, lastEventID string) {
	if err := m.authorizer.CanSubscribe(ctx, c.UserID, threadID); err != nil {
		slog.Warn("Subscribe authorization failed",
			"connection_id", c.ID, "thread_id", threadID, "error", err)
		m.sendJSON(c, map[string]string{
			"type":      "subscription.error",
			"thread_id": threadID,
			"message":   "thread not found",
		})
		return
	}

	channel := ThreadChannel(threadID, c.UserID)

	c.sessMu.Lock()
	if _, exists := c.sessions[channel]; exists {
		c.sessMu.Unlock()
		m.sendJSON(c, map[string]string{
			"type":      "subscription.confirmed",
			"thread_id": threadID,
		})
		return
	}
	sessCtx, sessCancel := context.WithCancel(c.ctx)
	c.sessions[channel] = sessCancel
	c.wg.Add(1)
	c.sessMu.Unlock()

	m.sendJSON(c, map[string]string{
		"type":      "subscription.confirmed",
		"thread_id": threadID,
	})

	session := NewSession(m.log, m.bus, channel, lastEventID, func(ev TrackedEvent) error {
		return m.sendTracked(c, ev)
	})

	go func() {
		defer c.wg.Done()
		defer m.clearSession(c, channel)

		if err := session.Run(sessCtx); err != nil {
			slog.Warn("Subscription session ended with error",
				"connection_id", c.ID, "channel", channel, "error", err)
			m.sendJSON(c, map[string]string{
				"type":      "subscription.error",
				"thread_id": threadID,
				"message":   "subscription failed",
			})
		}
	}()
}

// unsubscribe cancels the session for a channel, if any.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	c.sessMu.Lock()
	cancel, ok := c.sessions[channel]
	c.sessMu.Unlock()
	if ok {
		cancel()
	}
}

// clearSession removes a finished session's bookkeeping entry.
func (m *ConnectionManager) clearSession(c *Connection, channel string) {
	c.sessMu.Lock()
	if cancel, ok := c.sessions[channel]; ok {
		cancel()
		delete(c.sessions, channel)
	}
	c.sessMu.Unlock()
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection cancels all sessions, waits for them to release
// their bus subscriptions, and closes the socket. Runs on every exit
// path of HandleConnection, so cleanup is guaranteed.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	c.cancel()
	c.wg.Wait()

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sessionCount returns the number of live sessions on a connection.
// Unexported — used by tests to poll instead of sleeping.
func (c *Connection) sessionCount() int {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return len(c.sessions)
}

// sendTracked sends a tracked event emission to a single connection.
func (m *ConnectionManager) sendTracked(c *Connection, ev TrackedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.sendRaw(c, data)
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
// Serialized per connection: the read loop and session goroutines all
// write here.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}

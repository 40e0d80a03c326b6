package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Edyrichards/todo-realtime/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Outbound buffer per connection.
	sendBufferSize = 256
)

// Conn is the subset of *websocket.Conn the hub needs. Tests substitute an
// in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Connection is one registered socket. It is created unauthenticated on
// accept and owned exclusively by the hub until removal.
type Connection struct {
	hub  *Hub
	conn Conn

	// Buffered channel of outbound envelopes.
	send      chan protocol.Envelope
	closeOnce sync.Once

	mu            sync.RWMutex
	userID        string
	authenticated bool
	workspaces    map[string]struct{}
	lastPingAt    time.Time
	connectedAt   time.Time
	authTimer     *time.Timer

	remoteAddr string
	logger     *slog.Logger
}

func newConnection(hub *Hub, conn Conn, remoteAddr string, logger *slog.Logger) *Connection {
	return &Connection{
		hub:         hub,
		conn:        conn,
		send:        make(chan protocol.Envelope, sendBufferSize),
		workspaces:  make(map[string]struct{}),
		connectedAt: time.Now(),
		remoteAddr:  remoteAddr,
		logger:      logger.With("remote_addr", remoteAddr),
	}
}

// Start launches the read and write pumps.
func (c *Connection) Start() {
	go c.writePump()
	go c.readPump()
}

// Authenticated reports whether a valid auth envelope has been processed.
func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// UserID returns the authenticated user ID, empty until authentication.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// InWorkspace reports whether this connection subscribes to the workspace.
func (c *Connection) InWorkspace(workspaceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.workspaces[workspaceID]
	return ok
}

// Workspaces returns a copy of the subscribed workspace IDs.
func (c *Connection) Workspaces() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.workspaces))
	for id := range c.workspaces {
		ids = append(ids, id)
	}
	return ids
}

// setIdentity marks the connection authenticated and replaces its workspace
// set. Cancels the unauthenticated-eviction timer.
func (c *Connection) setIdentity(userID string, workspaceIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.userID = userID
	c.authenticated = true
	c.workspaces = make(map[string]struct{}, len(workspaceIDs))
	for _, id := range workspaceIDs {
		c.workspaces[id] = struct{}{}
	}
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

func (c *Connection) setAuthTimer(t *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authTimer = t
}

func (c *Connection) stopAuthTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

// stampPing records the arrival of a ping envelope.
func (c *Connection) stampPing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPingAt = time.Now()
}

// LastPingAt returns when the peer last sent an application-level ping.
func (c *Connection) LastPingAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPingAt
}

// enqueue queues an envelope for delivery. Returns false when the send
// buffer is full; the hub treats that as a dead connection.
func (c *Connection) enqueue(env protocol.Envelope) bool {
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// closeSend safely closes the send channel exactly once.
func (c *Connection) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump pumps envelopes from the socket into the hub's router.
// It runs in its own goroutine; exit unregisters the connection.
func (c *Connection) readPump() {
	defer func() {
		c.hub.Remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Error("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		c.hub.route(c, message)
	}
}

// writePump pumps envelopes from the hub to the socket and keeps the
// transport alive with websocket-level pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				return
			}

			if !ok {
				// The hub closed the channel.
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("failed to send close message", "error", err)
				}
				return
			}

			data, err := json.Marshal(env)
			if err != nil {
				c.logger.Error("failed to marshal envelope", "kind", env.Type, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

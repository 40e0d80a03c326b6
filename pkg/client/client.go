// Package client implements the Go SDK for the realtime task sync hub: a
// single-connection state machine with automatic reconnection, an
// application-level heartbeat, an event dispatch registry, and the catch-up
// sync exchange.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/Edyrichards/todo-realtime/internal/core/errors"
	"github.com/Edyrichards/todo-realtime/internal/presence"
	"github.com/Edyrichards/todo-realtime/internal/protocol"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusConnecting     Status = "connecting"
	StatusConnected      Status = "connected" // terminal success when no credential is configured
	StatusAuthenticating Status = "authenticating"
	StatusAuthenticated  Status = "authenticated"
	StatusErrored        Status = "error"
)

// State is a point-in-time snapshot of the connection.
type State struct {
	Status            Status
	Err               error
	LastConnectedAt   time.Time
	ReconnectAttempts int
}

// Client owns exactly one logical connection to the hub. All exported
// methods are safe for concurrent use; internally the state machine is
// serialized by a single mutex and a connection generation counter that
// makes envelopes from torn-down sockets inert.
type Client struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	mu              sync.Mutex
	status          Status
	err             error
	lastConnectedAt time.Time
	attempts        int
	explicit        bool

	conn    Conn
	writeMu sync.Mutex
	gen     uint64

	token        string
	workspaceIDs []string
	userID       string

	authCh         chan protocol.AuthResult
	reconnectTimer *time.Timer
	hb             *heartbeat

	registry    *registry
	pendingSync map[string]chan protocol.SyncResponse
	watermarks  map[string]time.Time

	presence *presence.Store
}

// New creates a client. It does not connect; call Connect.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:          cfg,
		dialer:       cfg.Dialer,
		logger:       cfg.Logger.With("component", "sync_client"),
		status:       StatusDisconnected,
		token:        cfg.Token,
		workspaceIDs: append([]string(nil), cfg.WorkspaceIDs...),
		pendingSync:  make(map[string]chan protocol.SyncResponse),
		watermarks:   make(map[string]time.Time),
	}
	c.registry = newRegistry(c.logger)

	if cfg.EnablePresence || cfg.EnableTypingIndicators {
		c.presence = presence.NewStore(c.logger)
	}
	return c
}

// State returns the current connection snapshot.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Status:            c.status,
		Err:               c.err,
		LastConnectedAt:   c.lastConnectedAt,
		ReconnectAttempts: c.attempts,
	}
}

// UserID returns the identity confirmed by the hub, empty until
// authenticated.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Connect opens the socket and, when a credential is configured, completes
// the authenticate exchange before returning. Calling it while already
// connecting or connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusConnecting, StatusAuthenticating, StatusConnected, StatusAuthenticated:
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.err = nil
	c.explicit = false
	c.gen++
	gen := c.gen
	url := c.cfg.URL
	token := c.token
	c.mu.Unlock()

	conn, err := c.dialer.DialContext(ctx, url)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.status = StatusErrored
			c.err = err
		}
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		// Disconnected while dialing.
		c.mu.Unlock()
		_ = conn.Close()
		return apperrors.ErrConnectionClosed
	}
	c.conn = conn
	var authCh chan protocol.AuthResult
	if token != "" {
		authCh = make(chan protocol.AuthResult, 1)
		c.authCh = authCh
		c.status = StatusAuthenticating
	}
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	if token == "" {
		// Connected without authentication is terminal success.
		c.mu.Lock()
		if c.gen == gen {
			c.status = StatusConnected
			c.lastConnectedAt = time.Now()
			c.startHeartbeatLocked(gen)
		}
		c.mu.Unlock()
		c.logger.Info("connected without credential")
		return nil
	}

	if err := c.sendAuthenticate(); err != nil {
		c.failConnect(gen, err)
		return err
	}

	select {
	case result, ok := <-authCh:
		if !ok {
			return fmt.Errorf("%w during authentication", apperrors.ErrConnectionClosed)
		}
		if !result.Success {
			err := fmt.Errorf("%w: %s", apperrors.ErrAuthFailed, result.Error)
			c.failConnect(gen, err)
			return err
		}

		c.mu.Lock()
		if c.gen == gen {
			c.status = StatusAuthenticated
			c.attempts = 0
			c.lastConnectedAt = time.Now()
			c.userID = result.UserID
			c.startHeartbeatLocked(gen)
		}
		c.mu.Unlock()
		c.logger.Info("authenticated", "user_id", result.UserID)
		return nil

	case <-ctx.Done():
		c.failConnect(gen, ctx.Err())
		return ctx.Err()
	}
}

// Disconnect closes the connection and cancels every timer owned by it.
// The state flips synchronously; envelopes arriving afterwards are ignored.
// Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.explicit = true
	c.teardownLocked()
	c.status = StatusDisconnected
	c.err = nil
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Reconnect resets the retry budget and re-establishes the connection. This
// is the required manual recovery path after the budget is exhausted.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()

	c.Disconnect()
	return c.Connect(ctx)
}

// Close disconnects and releases the presence cache.
func (c *Client) Close() {
	c.Disconnect()
	if c.presence != nil {
		c.presence.Stop()
	}
}

// UpdateToken replaces the credential. When connected but not yet
// authenticated, the authenticate envelope is re-sent immediately.
func (c *Client) UpdateToken(token string) error {
	c.mu.Lock()
	c.token = token
	resend := c.status == StatusConnected
	if resend {
		c.status = StatusAuthenticating
	}
	c.mu.Unlock()

	if resend {
		return c.sendAuthenticate()
	}
	return nil
}

// UpdateWorkspaces replaces the subscribed workspace set. When already
// authenticated the authenticate envelope is re-sent: re-authentication is
// the only way membership changes reach the hub.
func (c *Client) UpdateWorkspaces(ids []string) error {
	c.mu.Lock()
	c.workspaceIDs = append([]string(nil), ids...)
	resend := c.status == StatusAuthenticated
	c.mu.Unlock()

	if resend {
		return c.sendAuthenticate()
	}
	return nil
}

// Publish sends a domain envelope to the hub for workspace fan-out.
func (c *Client) Publish(kind protocol.Kind, workspaceID string, payload any) error {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	return c.send(env.WithWorkspace(workspaceID))
}

// failConnect tears the socket down after a failed connect/auth attempt.
// Socket errors during connect never schedule automatic reconnects.
func (c *Client) failConnect(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.gen++
	c.status = StatusErrored
	c.err = err
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// teardownLocked cancels the heartbeat, the reconnect timer, any pending
// auth wait, and in-flight sync requests. Every exit path funnels through
// here so no timer survives its connection.
func (c *Client) teardownLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.hb != nil {
		c.hb.stop()
		c.hb = nil
	}
	if c.authCh != nil {
		close(c.authCh)
		c.authCh = nil
	}
	for id, ch := range c.pendingSync {
		close(ch)
		delete(c.pendingSync, id)
	}
	c.gen++
}

// startHeartbeatLocked begins the ping/staleness loop for this generation.
func (c *Client) startHeartbeatLocked(gen uint64) {
	if c.hb != nil {
		c.hb.stop()
	}
	hb := newHeartbeat(c.cfg.PingInterval, func() error {
		return c.sendPing(gen)
	}, c.logger)
	c.hb = hb
	hb.start()
}

func (c *Client) sendPing(gen uint64) error {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return apperrors.ErrNotConnected
	}
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.KindPing, nil)
	if err != nil {
		return err
	}
	return c.send(env)
}

func (c *Client) sendAuthenticate() error {
	c.mu.Lock()
	req := protocol.AuthRequest{
		Token:        c.token,
		WorkspaceIDs: append([]string(nil), c.workspaceIDs...),
	}
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.KindAuthenticate, req)
	if err != nil {
		return err
	}
	return c.send(env)
}

// send marshals and writes one envelope. Writes are serialized because the
// heartbeat and callers share the socket.
func (c *Client) send(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return apperrors.ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(data)
}

// readLoop pumps inbound envelopes until the socket dies, then runs the
// closure policy. Stale generations exit silently.
func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosure(gen, err)
			return
		}
		c.handleInbound(gen, data)
	}
}

// handleClosure applies §4.1's closure policy: explicit disconnects stay
// disconnected; failures during connect/auth reject the pending connect and
// stop; unsolicited closures from a connected state schedule reconnection
// while budget remains, then become a fatal error state.
func (c *Client) handleClosure(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	prior := c.status
	explicit := c.explicit
	c.teardownLocked()
	c.conn = nil

	if explicit {
		c.status = StatusDisconnected
		c.mu.Unlock()
		return
	}

	switch prior {
	case StatusConnecting, StatusAuthenticating:
		// The in-flight Connect observes the closed auth channel; no
		// automatic reconnect from here.
		c.status = StatusErrored
		c.err = cause
		c.mu.Unlock()
		return
	}

	c.status = StatusDisconnected
	if c.attempts < c.cfg.ReconnectAttempts {
		c.attempts++
		attempt := c.attempts
		delay := c.cfg.ReconnectDelay
		c.reconnectTimer = time.AfterFunc(delay, func() {
			c.logger.Info("attempting reconnect", "attempt", attempt)
			if err := c.Connect(context.Background()); err != nil {
				c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			}
		})
		c.mu.Unlock()
		c.logger.Warn("connection lost, reconnect scheduled",
			"attempt", attempt,
			"delay", delay,
			"cause", cause,
		)
		return
	}

	c.status = StatusErrored
	c.err = fmt.Errorf("%w: gave up after %d attempts", apperrors.ErrReconnectExhausted, c.attempts)
	c.mu.Unlock()
	c.logger.Error("reconnect budget exhausted, manual Reconnect required",
		"attempts", c.cfg.ReconnectAttempts,
	)
}

// handleInbound decodes and routes one envelope. Malformed data is logged
// and dropped; it never takes the state machine down.
func (c *Client) handleInbound(gen uint64, data []byte) {
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		c.logger.Warn("dropping inbound message", "error", err)
		return
	}

	switch env.Type {
	case protocol.KindPong:
		c.mu.Lock()
		hb := c.hb
		c.mu.Unlock()
		if hb != nil {
			hb.observePong()
		}
		// Never forwarded to user handlers.
		return

	case protocol.KindAuthenticate:
		var result protocol.AuthResult
		if err := env.Decode(&result); err != nil {
			c.logger.Warn("malformed auth result", "error", err)
			return
		}
		c.handleAuthResult(gen, result)
		return

	case protocol.KindUnauthorized:
		// Two payload shapes share this kind: an auth result (always carries
		// a success field) and a plain rejection of an unauthenticated send.
		var probe struct {
			Success *bool  `json:"success"`
			Error   string `json:"error"`
		}
		if err := env.Decode(&probe); err != nil {
			c.logger.Warn("malformed unauthorized payload", "error", err)
			return
		}
		if probe.Success != nil {
			c.handleAuthResult(gen, protocol.AuthResult{Success: *probe.Success, Error: probe.Error})
			return
		}

	case protocol.KindSyncResponse:
		c.handleSyncResponse(env)
		return

	case protocol.KindUserPresence:
		c.cachePresence(env)

	case protocol.KindUserTyping:
		c.cacheTyping(env)
	}

	c.registry.dispatch(env)
}

// handleAuthResult resolves a pending Connect when one is waiting, otherwise
// applies a re-authentication result (UpdateToken/UpdateWorkspaces flows).
func (c *Client) handleAuthResult(gen uint64, result protocol.AuthResult) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	if c.authCh != nil {
		ch := c.authCh
		c.authCh = nil
		c.mu.Unlock()
		ch <- result
		return
	}

	if result.Success {
		c.status = StatusAuthenticated
		c.attempts = 0
		c.lastConnectedAt = time.Now()
		c.userID = result.UserID
		if c.hb == nil {
			c.startHeartbeatLocked(gen)
		}
		c.mu.Unlock()
		c.logger.Info("re-authenticated", "user_id", result.UserID)
		return
	}

	c.status = StatusErrored
	c.err = fmt.Errorf("%w: %s", apperrors.ErrAuthFailed, result.Error)
	c.mu.Unlock()
	c.logger.Warn("re-authentication rejected", "error", result.Error)
}

package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 5 * time.Second
	defaultPingInterval      = 30 * time.Second
)

// Config controls one Client. Use DefaultConfig for the documented defaults;
// zero durations and counts are normalized to them.
type Config struct {
	// URL of the hub's websocket endpoint.
	URL string

	// Token is the credential sent in the authenticate envelope. When empty
	// the client stops at the connected state and never authenticates.
	Token string

	// WorkspaceIDs to subscribe to. Changing membership later goes through
	// UpdateWorkspaces.
	WorkspaceIDs []string

	// ReconnectAttempts is the automatic reconnect budget after unsolicited
	// closures. Exhausting it is fatal until Reconnect is called.
	ReconnectAttempts int

	// ReconnectDelay between automatic reconnect attempts.
	ReconnectDelay time.Duration

	// PingInterval for the heartbeat monitor.
	PingInterval time.Duration

	// EnablePresence keeps a local presence cache and allows presence sends.
	EnablePresence bool

	// EnableTypingIndicators allows typing sends and caching.
	EnableTypingIndicators bool

	// Dialer opens the underlying socket. Defaults to gorilla/websocket.
	Dialer Dialer

	// Logger for connection lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:                    url,
		ReconnectAttempts:      defaultReconnectAttempts,
		ReconnectDelay:         defaultReconnectDelay,
		PingInterval:           defaultPingInterval,
		EnablePresence:         true,
		EnableTypingIndicators: true,
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = wsDialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Conn is the transport the client reads envelopes from and writes them to.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn. Tests substitute an in-memory implementation.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// wsDialer is the production dialer backed by gorilla/websocket.
type wsDialer struct{}

func (wsDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

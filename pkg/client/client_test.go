package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Edyrichards/todo-realtime/internal/core/errors"
	"github.com/Edyrichards/todo-realtime/internal/protocol"
)

var errConnClosed = errors.New("use of closed connection")

// fakeConn is an in-memory transport. inject feeds inbound messages to the
// read loop; onWrite lets a test script server behavior.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	writes  []protocol.Envelope
	onWrite func(conn *fakeConn, env protocol.Envelope)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	c.mu.Lock()
	c.writes = append(c.writes, env)
	onWrite := c.onWrite
	c.mu.Unlock()

	if onWrite != nil {
		onWrite(c, env)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) inject(t *testing.T, kind protocol.Kind, payload any, requestID string) {
	t.Helper()

	env, err := protocol.NewEnvelope(kind, payload)
	require.NoError(t, err)
	if requestID != "" {
		env = env.WithRequestID(requestID)
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	select {
	case c.inbound <- data:
	case <-time.After(time.Second):
		t.Fatal("inbound buffer full")
	}
}

func (c *fakeConn) written(kind protocol.Kind) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []protocol.Envelope
	for _, env := range c.writes {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

// fakeDialer hands out one conn per dial from a factory and counts dials.
type fakeDialer struct {
	mu    sync.Mutex
	dials int32
	make  func() (*fakeConn, error)
	conns []*fakeConn
}

func (d *fakeDialer) DialContext(_ context.Context, _ string) (Conn, error) {
	atomic.AddInt32(&d.dials, 1)

	conn, err := d.make()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) dialCount() int { return int(atomic.LoadInt32(&d.dials)) }

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// authOK wires a conn to accept any authenticate envelope as user u1.
func authOK(conn *fakeConn, env protocol.Envelope) {
	if env.Type != protocol.KindAuthenticate {
		return
	}
	reply, _ := protocol.NewEnvelope(protocol.KindAuthenticate, protocol.AuthResult{
		Success: true,
		UserID:  "u1",
	})
	data, _ := json.Marshal(reply)
	conn.inbound <- data
}

func newTestClient(t *testing.T, dialer *fakeDialer, mutate func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig("ws://hub.test/ws")
	cfg.Token = "token-u1"
	cfg.Dialer = dialer
	cfg.Logger = slog.New(slog.DiscardHandler)
	cfg.PingInterval = time.Hour
	cfg.ReconnectDelay = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	c := New(cfg)
	t.Cleanup(c.Close)
	return c
}

func TestConnectAuthenticates(t *testing.T) {
	dialer := &fakeDialer{make: func() (*fakeConn, error) {
		conn := newFakeConn()
		conn.onWrite = authOK
		return conn, nil
	}}
	c := newTestClient(t, dialer, nil)

	require.NoError(t, c.Connect(context.Background()))

	state := c.State()
	assert.Equal(t, StatusAuthenticated, state.Status)
	assert.Equal(t, 0, state.ReconnectAttempts)
	assert.False(t, state.LastConnectedAt.IsZero())
	assert.Equal(t, "u1", c.UserID())

	auths := dialer.latest().written(protocol.KindAuthenticate)
	require.Len(t, auths, 1)
	var req protocol.AuthRequest
	require.NoError(t, auths[0].Decode(&req))
	assert.Equal(t, "token-u1", req.Token)
}

func TestConnectRejectedCredential(t *testing.T) {
	dialer := &fakeDialer{make: func() (*fakeConn, error) {
		conn := newFakeConn()
		conn.onWrite = func(conn *fakeConn, env protocol.Envelope) {
			if env.Type != protocol.KindAuthenticate {
				return
			}
			reply, _ := protocol.NewEnvelope(protocol.KindUnauthorized, protocol.AuthResult{
				Success: false,
				Error:   "token expired",
			})
			data, _ := json.Marshal(reply)
			conn.inbound <- data
		}
		return conn, nil
	}}
	c := newTestClient(t, dialer, nil)

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, apperrors.ErrAuthFailed)
	assert.Equal(t, StatusErrored, c.State().Status)

	// A rejected credential never triggers automatic reconnects.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestConnectCoalescesConcurrentCalls(t *testing.T) {
	dialer := &fakeDialer{make: func() (*fakeConn, error) {
		conn := newFakeConn()
		conn.onWrite = authOK
		return conn, nil
	}}
	c := newTestClient(t, dialer, nil)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, 1, dialer.dialCount(), "only one live socket at a time")
}

func TestDialFailureIsFatal(t *testing.T) {
	dialErr := errors.New("connection refused")
	dialer := &fakeDialer{make: func() (*fakeConn, error) { return nil, dialErr }}
	c := newTestClient(t, dialer, nil)

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, dialErr)

	state := c.State()
	assert.Equal(t, StatusErrored, state.Status)
	require.Error(t, state.Err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount(), "failures during connect never auto-reconnect")
}

func TestReconnectBudgetExhausted(t *testing.T) {
	// No credential: each dial lands in the connected state, so unsolicited
	// closures exercise the reconnect budget without auth resets.
	dialer := &fakeDialer{make: func() (*fakeConn, error) { return newFakeConn(), nil }}
	c := newTestClient(t, dialer, func(cfg *Config) {
		cfg.Token = ""
		cfg.ReconnectAttempts = 2
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, StatusConnected, c.State().Status)

	for i := 0; i < 3; i++ {
		conn := dialer.latest()
		prev := dialer.dialCount()
		require.NoError(t, conn.Close())

		if i < 2 {
			require.Eventually(t, func() bool {
				return dialer.dialCount() == prev+1 && c.State().Status == StatusConnected
			}, time.Second, 5*time.Millisecond, "reconnect %d should re-establish", i+1)
		}
	}

	require.Eventually(t, func() bool {
		return c.State().Status == StatusErrored
	}, time.Second, 5*time.Millisecond)

	state := c.State()
	assert.ErrorIs(t, state.Err, apperrors.ErrReconnectExhausted)
	assert.Equal(t, 2, state.ReconnectAttempts)
	assert.Equal(t, 3, dialer.dialCount())
}

func TestAuthSuccessResetsAttempts(t *testing.T) {
	dialer := &fakeDialer{make: func() (*fakeConn, error) {
		conn := newFakeConn()
		conn.onWrite = authOK
		return conn, nil
	}}
	c := newTestClient(t, dialer, func(cfg *Config) {
		cfg.ReconnectAttempts = 2
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, dialer.latest().Close())

	require.Eventually(t, func() bool {
		return c.State().Status == StatusAuthenticated && dialer.dialCount() == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, c.State().ReconnectAttempts,
		"successful re-authentication must reset the budget")
}

func TestDisconnectIsSilent(t *testing.T) {
	dialer := &fakeDialer{make: func() (*fakeConn, error) {
		conn := newFakeConn()
		conn.onWrite = authOK
		return conn, nil
	}}
	c := newTestClient(t, dialer, nil)

	require.NoError(t, c.Connect(context.Background()))
	c.Disconnect()

	assert.Equal(t, StatusDisconnected, c.State().Status)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount(), "explicit disconnect never reconnects")

	c.Disconnect() // idempotent
	assert.Equal(t, StatusDisconnected, c.State().Status)
}

func TestManualReconnectResetsBudget(t *testing.T) {
	dialer := &fakeDialer{make: func() (*fakeConn, error) { return newFakeConn(), nil }}
	c := newTestClient(t, dialer, func(cfg *Config) {
		cfg.Token = ""
		cfg.ReconnectAttempts = 1
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, dialer.latest().Close())
	require.Eventually(t, func() bool {
		return c.State().Status == StatusConnected && dialer.dialCount() == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, dialer.latest().Close())
	require.Eventually(t, func() bool {
		return c.State().Status == StatusErrored
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Reconnect(context.Background()))
	state := c.State()
	assert.Equal(t, StatusConnected, state.Status)
	assert.Equal(t, 0, state.ReconnectAttempts)
}

func TestPongNeverReachesHandlers(t *testing.T) {
	dialer := &fakeDialer{make: func() (*fakeConn, error) {
		conn := newFakeConn()
		conn.onWrite = authOK
		return conn, nil
	}}
	c := newTestClient(t, dialer, nil)
	require.NoError(t, c.Connect(context.Background()))

	var calls int32
	c.On(protocol.KindPong, func(protocol.Envelope) {
		atomic.AddInt32(&calls, 1)
	})

	dialer.latest().inject(t, protocol.KindPong, nil, "")
	dialer.latest().inject(t, protocol.KindTaskCreated, map[string]string{"id": "t1"}, "")

	created := make(chan struct{})
	c.On(protocol.KindTaskUpdated, func(protocol.Envelope) { close(created) })
	dialer.latest().inject(t, protocol.KindTaskUpdated, map[string]string{"id": "t1"}, "")

	select {
	case <-created:
	case <-time.After(time.Second):
		t.Fatal("task event never dispatched")
	}
	assert.Zero(t, atomic.LoadInt32(&calls), "pong envelopes are consumed by the heartbeat")
}

func TestUpdateWorkspacesReauthenticates(t *testing.T) {
	dialer := &fakeDialer{make: func() (*fakeConn, error) {
		conn := newFakeConn()
		conn.onWrite = authOK
		return conn, nil
	}}
	c := newTestClient(t, dialer, func(cfg *Config) {
		cfg.WorkspaceIDs = []string{"ws-1"}
	})
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.UpdateWorkspaces([]string{"ws-1", "ws-2"}))

	require.Eventually(t, func() bool {
		return len(dialer.latest().written(protocol.KindAuthenticate)) == 2
	}, time.Second, 5*time.Millisecond)

	auths := dialer.latest().written(protocol.KindAuthenticate)
	var req protocol.AuthRequest
	require.NoError(t, auths[1].Decode(&req))
	assert.Equal(t, []string{"ws-1", "ws-2"}, req.WorkspaceIDs)
}

func TestUpdateTokenAuthenticatesCredentiallessSession(t *testing.T) {
	dialer := &fakeDialer{make: func() (*fakeConn, error) {
		conn := newFakeConn()
		conn.onWrite = authOK
		return conn, nil
	}}
	c := newTestClient(t, dialer, func(cfg *Config) {
		cfg.Token = ""
	})
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, StatusConnected, c.State().Status)
	require.Empty(t, dialer.latest().written(protocol.KindAuthenticate))

	require.NoError(t, c.UpdateToken("token-u1"))

	require.Eventually(t, func() bool {
		return c.State().Status == StatusAuthenticated
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "u1", c.UserID())

	auths := dialer.latest().written(protocol.KindAuthenticate)
	require.Len(t, auths, 1)
	var req protocol.AuthRequest
	require.NoError(t, auths[0].Decode(&req))
	assert.Equal(t, "token-u1", req.Token)
}

func TestPublishRequiresConnection(t *testing.T) {
	dialer := &fakeDialer{make: func() (*fakeConn, error) { return newFakeConn(), nil }}
	c := newTestClient(t, dialer, nil)

	err := c.Publish(protocol.KindTaskCreated, "ws-1", map[string]string{"id": "t1"})
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
}

func TestRequestSyncAdoptsServerTime(t *testing.T) {
	serverTime := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	dialer := &fakeDialer{make: func() (*fakeConn, error) {
		conn := newFakeConn()
		conn.onWrite = func(conn *fakeConn, env protocol.Envelope) {
			switch env.Type {
			case protocol.KindAuthenticate:
				authOK(conn, env)
			case protocol.KindSyncRequest:
				reply, _ := protocol.NewEnvelope(protocol.KindSyncResponse, protocol.SyncResponse{
					WorkspaceID: "ws-1",
					ServerTime:  serverTime,
				})
				data, _ := json.Marshal(reply.WithRequestID(env.RequestID))
				conn.inbound <- data
			}
		}
		return conn, nil
	}}
	c := newTestClient(t, dialer, nil)
	require.NoError(t, c.Connect(context.Background()))

	require.True(t, c.Watermark("ws-1").IsZero())

	resp, err := c.RequestSync(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Empty(t, resp.Tasks)
	assert.Equal(t, serverTime, c.Watermark("ws-1"),
		"empty responses still advance the watermark")

	// The second request carries the stored watermark.
	_, err = c.RequestSync(context.Background(), "ws-1")
	require.NoError(t, err)

	requests := dialer.latest().written(protocol.KindSyncRequest)
	require.Len(t, requests, 2)

	var first, second protocol.SyncRequest
	require.NoError(t, requests[0].Decode(&first))
	require.NoError(t, requests[1].Decode(&second))
	assert.Nil(t, first.LastSyncAt)
	require.NotNil(t, second.LastSyncAt)
	assert.True(t, second.LastSyncAt.Equal(serverTime))
}

func TestRequestSyncTimesOut(t *testing.T) {
	dialer := &fakeDialer{make: func() (*fakeConn, error) {
		conn := newFakeConn()
		conn.onWrite = authOK
		return conn, nil
	}}
	c := newTestClient(t, dialer, nil)
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.RequestSync(ctx, "ws-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	c.mu.Lock()
	pending := len(c.pendingSync)
	c.mu.Unlock()
	assert.Zero(t, pending, "abandoned requests must not leak")
}

func TestPresenceGatedByConfig(t *testing.T) {
	dialer := &fakeDialer{make: func() (*fakeConn, error) {
		conn := newFakeConn()
		conn.onWrite = authOK
		return conn, nil
	}}
	c := newTestClient(t, dialer, func(cfg *Config) {
		cfg.EnablePresence = false
		cfg.EnableTypingIndicators = false
	})
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.SetPresence("ws-1", protocol.PresenceOnline))
	require.NoError(t, c.SetTyping("ws-1", "t1", true))

	assert.Empty(t, dialer.latest().written(protocol.KindUserPresence))
	assert.Empty(t, dialer.latest().written(protocol.KindUserTyping))
}

func TestInboundPresenceCached(t *testing.T) {
	dialer := &fakeDialer{make: func() (*fakeConn, error) {
		conn := newFakeConn()
		conn.onWrite = authOK
		return conn, nil
	}}
	c := newTestClient(t, dialer, nil)
	require.NoError(t, c.Connect(context.Background()))

	dialer.latest().inject(t, protocol.KindUserPresence, protocol.Presence{
		UserID:      "u2",
		WorkspaceID: "ws-1",
		Status:      protocol.PresenceOnline,
		LastSeen:    time.Now().UTC(),
	}, "")
	dialer.latest().inject(t, protocol.KindUserTyping, protocol.Typing{
		UserID:      "u2",
		WorkspaceID: "ws-1",
		TaskID:      "t1",
		IsTyping:    true,
	}, "")

	require.Eventually(t, func() bool {
		return len(c.Presence("ws-1")) == 1 && len(c.TypingUsers("ws-1", "t1")) == 1
	}, time.Second, 5*time.Millisecond)

	entries := c.Presence("ws-1")
	assert.Equal(t, "u2", entries[0].UserID)
	assert.Equal(t, protocol.PresenceOnline, entries[0].Status)
}

// Package hub owns every live socket and fans envelopes out to the
// authenticated members of each workspace. The hub never applies mutations
// itself: decoded task/workspace events are re-emitted on Events() for
// whichever store subscribes.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Edyrichards/todo-realtime/internal/core/ports"
	"github.com/Edyrichards/todo-realtime/internal/presence"
	"github.com/Edyrichards/todo-realtime/internal/protocol"
)

// defaultAuthGrace is how long an unauthenticated socket may linger before
// eviction.
const defaultAuthGrace = 30 * time.Second

// DomainEvent is a decoded task/workspace mutation observed by the hub,
// published for the application store to consume.
type DomainEvent struct {
	Kind        protocol.Kind
	WorkspaceID string
	Data        json.RawMessage
	ReceivedAt  time.Time
}

// Bridge relays envelopes to other hub instances. Defined here to avoid a
// circular import with the bridge adapter.
type Bridge interface {
	Publish(env protocol.Envelope) error
	Available() bool
}

// Options configures a Hub. Authenticator is required; everything else is
// optional.
type Options struct {
	Authenticator ports.Authenticator
	SyncSource    ports.SyncSource
	Presence      *presence.Store
	Bridge        Bridge
	AuthGrace     time.Duration
	Logger        *slog.Logger
}

type broadcastJob struct {
	workspaceID string
	env         protocol.Envelope
	fromBridge  bool
}

// Hub maintains the set of registered connections and broadcasts envelopes
// to them.
type Hub struct {
	// conns and workspaces are guarded by mu. workspaces only holds
	// authenticated connections.
	mu         sync.RWMutex
	conns      map[*Connection]struct{}
	workspaces map[string]map[*Connection]struct{}

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan broadcastJob
	events     chan DomainEvent

	auth      ports.Authenticator
	syncSrc   ports.SyncSource
	presence  *presence.Store
	bridge    Bridge
	authGrace time.Duration

	stats   *statsCounter
	running atomic.Bool
	done    chan struct{}
	stopMu  sync.Once

	logger *slog.Logger
}

// New creates a hub. Call Run in a goroutine to start it.
func New(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authGrace := opts.AuthGrace
	if authGrace <= 0 {
		authGrace = defaultAuthGrace
	}

	return &Hub{
		conns:      make(map[*Connection]struct{}),
		workspaces: make(map[string]map[*Connection]struct{}),
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
		broadcast:  make(chan broadcastJob, 256),
		events:     make(chan DomainEvent, 256),
		auth:       opts.Authenticator,
		syncSrc:    opts.SyncSource,
		presence:   opts.Presence,
		bridge:     opts.Bridge,
		authGrace:  authGrace,
		stats:      newStatsCounter(),
		done:       make(chan struct{}),
		logger:     logger.With("component", "hub"),
	}
}

// SetBridge attaches the cross-instance relay. Must be called before Run;
// the bridge itself targets this hub's BroadcastLocal for inbound envelopes.
func (h *Hub) SetBridge(b Bridge) {
	h.bridge = b
}

// Run starts the hub's event loop. This MUST be run as a goroutine.
func (h *Hub) Run() {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case c := <-h.register:
			h.addConnection(c)

		case c := <-h.unregister:
			h.removeConnection(c)

		case job := <-h.broadcast:
			if !job.fromBridge && h.bridge != nil && h.bridge.Available() {
				if err := h.bridge.Publish(job.env); err != nil {
					h.logger.Warn("bridge publish failed", "error", err)
				}
			}
			h.deliver(job.workspaceID, job.env)

		case <-h.done:
			return
		}
	}
}

// Stop halts the event loop. Idempotent.
func (h *Hub) Stop() {
	h.stopMu.Do(func() {
		close(h.done)
	})
}

// Running reports whether the event loop is active. The HTTP status surface
// answers 503 when it is not.
func (h *Hub) Running() bool {
	return h.running.Load()
}

// Events exposes decoded domain events for the application store. The hub
// drops events when the subscriber falls behind; durability is not a goal of
// this layer.
func (h *Hub) Events() <-chan DomainEvent {
	return h.events
}

// Admit registers a new socket as an unauthenticated connection and starts
// its pumps. The connection is evicted if it does not authenticate within
// the grace period.
func (h *Hub) Admit(conn Conn, remoteAddr string) *Connection {
	c := newConnection(h, conn, remoteAddr, h.logger)

	c.setAuthTimer(time.AfterFunc(h.authGrace, func() {
		if !c.Authenticated() {
			c.logger.Warn("evicting unauthenticated connection", "grace", h.authGrace)
			_ = conn.Close()
		}
	}))

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return nil
	}
	c.Start()
	return c
}

// Remove unregisters a connection on close or error. It emits no
// notification by itself; presence offline is written explicitly by the
// collaborator observing the disconnect.
func (h *Hub) Remove(c *Connection) {
	select {
	case h.unregister <- c:
	case <-h.done:
		// Loop already stopped; clean up directly.
		h.removeConnection(c)
	}
}

// BroadcastToWorkspace queues an envelope for every authenticated connection
// subscribed to the workspace. The sender is not excluded: callers that need
// echo suppression filter on their side.
func (h *Hub) BroadcastToWorkspace(workspaceID string, env protocol.Envelope) {
	h.enqueueBroadcast(broadcastJob{workspaceID: workspaceID, env: env.WithWorkspace(workspaceID)})
}

// BroadcastLocal delivers a bridge-received envelope to local connections
// only, without re-publishing. Prevents cross-instance loops.
func (h *Hub) BroadcastLocal(env protocol.Envelope) {
	h.enqueueBroadcast(broadcastJob{workspaceID: env.WorkspaceID, env: env, fromBridge: true})
}

func (h *Hub) enqueueBroadcast(job broadcastJob) {
	select {
	case h.broadcast <- job:
	default:
		h.logger.Warn("broadcast channel full, dropping envelope",
			"kind", job.env.Type,
			"workspace_id", job.workspaceID,
		)
	}
}

func (h *Hub) addConnection(c *Connection) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	total := len(h.conns)
	h.mu.Unlock()

	connectionsGauge.Inc()
	h.logger.Info("connection admitted",
		"remote_addr", c.remoteAddr,
		"total_connections", total,
	)
}

func (h *Hub) removeConnection(c *Connection) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)

	for id, members := range h.workspaces {
		delete(members, c)
		if len(members) == 0 {
			delete(h.workspaces, id)
		}
	}
	h.mu.Unlock()

	c.stopAuthTimer()
	c.closeSend()

	connectionsGauge.Dec()
	authenticatedGauge.Set(float64(h.authenticatedCount()))
	h.logger.Info("connection removed", "user_id", c.UserID())
}

// joinWorkspaces replaces a connection's workspace membership in the hub's
// routing maps. Re-authentication is the only way membership changes.
func (h *Hub) joinWorkspaces(c *Connection, workspaceIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, members := range h.workspaces {
		delete(members, c)
		if len(members) == 0 {
			delete(h.workspaces, id)
		}
	}
	for _, id := range workspaceIDs {
		if h.workspaces[id] == nil {
			h.workspaces[id] = make(map[*Connection]struct{})
		}
		h.workspaces[id][c] = struct{}{}
	}
}

// deliver fans an envelope out to the current authenticated members of a
// workspace. Runs on the hub loop; membership is snapshotted so connections
// removed mid-iteration are simply skipped.
func (h *Hub) deliver(workspaceID string, env protocol.Envelope) {
	h.mu.RLock()
	members, ok := h.workspaces[workspaceID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(members))
	for c := range members {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	broadcastsTotal.Inc()
	h.stats.incrBroadcast()

	for _, c := range targets {
		if !c.Authenticated() {
			continue
		}
		if !c.enqueue(env) {
			// Send buffer full: the peer is not draining. Drop it.
			h.logger.Warn("connection send buffer full, removing",
				"user_id", c.UserID(),
			)
			h.removeConnection(c)
			_ = c.conn.Close()
		}
	}
}

// emitDomainEvent publishes a decoded mutation without blocking the router.
func (h *Hub) emitDomainEvent(ev DomainEvent) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("event subscriber lagging, dropping domain event",
			"kind", ev.Kind,
			"workspace_id", ev.WorkspaceID,
		)
	}
}

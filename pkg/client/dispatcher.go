package client

import (
	"log/slog"
	"sync"

	"github.com/Edyrichards/todo-realtime/internal/protocol"
)

// Handler receives one inbound envelope. Handlers run on the read goroutine;
// long work should be handed off.
type Handler func(env protocol.Envelope)

// ErrorHandler receives protocol-level error payloads pushed by the hub.
type ErrorHandler func(payload protocol.ErrorPayload)

// Subscription is a stable handle for one registered handler. Unsubscribing
// one handle never disturbs other handlers for the same kind.
type Subscription struct {
	kind protocol.Kind
	id   uint64
	reg  *registry
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.reg == nil {
		return
	}
	s.reg.remove(s.kind, s.id)
	s.reg = nil
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// registry maps envelope kinds to ordered handler lists. Dispatch order is
// registration order, and a panicking handler never takes down its siblings
// or the read loop.
type registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[protocol.Kind][]handlerEntry
	onErr    ErrorHandler
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		logger:   logger,
		handlers: make(map[protocol.Kind][]handlerEntry),
	}
}

// On registers a handler for the given envelope kind.
func (c *Client) On(kind protocol.Kind, fn Handler) *Subscription {
	return c.registry.add(kind, fn)
}

// OnError sets the single handler for hub-pushed error envelopes, replacing
// any previous one.
func (c *Client) OnError(fn ErrorHandler) {
	c.registry.mu.Lock()
	c.registry.onErr = fn
	c.registry.mu.Unlock()
}

func (r *registry) add(kind protocol.Kind, fn Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.handlers[kind] = append(r.handlers[kind], handlerEntry{id: id, fn: fn})
	return &Subscription{kind: kind, id: id, reg: r}
}

func (r *registry) remove(kind protocol.Kind, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.handlers[kind]
	for i, e := range entries {
		if e.id == id {
			r.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (r *registry) dispatch(env protocol.Envelope) {
	if env.Type == protocol.KindError {
		r.dispatchError(env)
		return
	}

	r.mu.RLock()
	entries := r.handlers[env.Type]
	snapshot := make([]handlerEntry, len(entries))
	copy(snapshot, entries)
	r.mu.RUnlock()

	for _, e := range snapshot {
		r.invoke(e.fn, env)
	}
}

func (r *registry) dispatchError(env protocol.Envelope) {
	r.mu.RLock()
	onErr := r.onErr
	r.mu.RUnlock()

	var payload protocol.ErrorPayload
	if err := env.Decode(&payload); err != nil {
		r.logger.Warn("malformed error payload", "error", err)
		return
	}

	if onErr == nil {
		r.logger.Warn("server error", "code", payload.Code, "message", payload.Message)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("error handler panicked", "panic", rec)
		}
	}()
	onErr(payload)
}

func (r *registry) invoke(fn Handler, env protocol.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler panicked", "kind", env.Type, "panic", rec)
		}
	}()
	fn(env)
}

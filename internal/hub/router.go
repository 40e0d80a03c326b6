package hub

import (
	"context"
	"time"

	apperrors "github.com/Edyrichards/todo-realtime/internal/core/errors"
	"github.com/Edyrichards/todo-realtime/internal/presence"
	"github.com/Edyrichards/todo-realtime/internal/protocol"
)

// authTimeout bounds the external credential validation.
const authTimeout = 5 * time.Second

// route handles one raw inbound message. Malformed envelopes and unknown
// kinds are dropped and logged; they never take the connection down.
func (h *Hub) route(c *Connection, raw []byte) {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		h.logger.Warn("dropping inbound message", "error", err, "user_id", c.UserID())
		return
	}

	messagesTotal.Inc()
	h.stats.incrMessage()

	switch {
	case env.Type == protocol.KindPing:
		c.stampPing()
		h.reply(c, protocol.KindPong, nil, env.RequestID)

	case env.Type == protocol.KindAuthenticate:
		h.handleAuthenticate(c, env)

	case env.Type == protocol.KindUserPresence:
		h.handlePresence(c, env)

	case env.Type == protocol.KindUserTyping:
		h.handleTyping(c, env)

	case env.Type == protocol.KindCursorPosition:
		if h.requireAuth(c, env) {
			h.BroadcastToWorkspace(env.WorkspaceID, env)
		}

	case env.Type == protocol.KindSyncRequest:
		h.handleSyncRequest(c, env)

	case env.Type.IsTaskEvent() || env.Type.IsWorkspaceEvent():
		if h.requireAuth(c, env) {
			h.BroadcastToWorkspace(env.WorkspaceID, env)
			h.emitDomainEvent(DomainEvent{
				Kind:        env.Type,
				WorkspaceID: env.WorkspaceID,
				Data:        env.Data,
				ReceivedAt:  time.Now(),
			})
		}

	default:
		// connect/disconnect/pong/error and the rest are not meaningful
		// inbound on the server side.
		h.logger.Debug("ignoring inbound envelope", "kind", env.Type)
	}
}

// requireAuth rejects envelopes from unauthenticated connections.
func (h *Hub) requireAuth(c *Connection, env protocol.Envelope) bool {
	if c.Authenticated() {
		return true
	}
	h.replyError(c, protocol.KindUnauthorized, "UNAUTHORIZED",
		"authenticate before sending "+string(env.Type), env.RequestID)
	return false
}

// handleAuthenticate validates the credential and, on success, admits the
// connection into its workspace groups. A failed attempt leaves the socket
// registered but outside every workspace.
func (h *Hub) handleAuthenticate(c *Connection, env protocol.Envelope) {
	var req protocol.AuthRequest
	if err := env.Decode(&req); err != nil {
		h.logger.Warn("malformed authenticate payload", "error", err)
		h.sendAuthResult(c, protocol.AuthResult{Success: false, Error: apperrors.ErrMalformedEnvelope.Error()}, env.RequestID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()

	identity, err := h.auth.Authenticate(ctx, req.Token)
	if err != nil {
		authFailuresTotal.Inc()
		h.logger.Warn("authentication failed", "remote_addr", c.remoteAddr, "error", err)
		h.sendAuthResult(c, protocol.AuthResult{Success: false, Error: err.Error()}, env.RequestID)
		return
	}

	workspaceIDs := resolveWorkspaces(identity.WorkspaceIDs, req.WorkspaceIDs)

	c.setIdentity(identity.UserID, workspaceIDs)
	h.joinWorkspaces(c, workspaceIDs)
	authenticatedGauge.Set(float64(h.authenticatedCount()))

	h.logger.Info("connection authenticated",
		"user_id", identity.UserID,
		"workspaces", len(workspaceIDs),
	)

	h.sendAuthResult(c, protocol.AuthResult{Success: true, UserID: identity.UserID}, env.RequestID)
}

// resolveWorkspaces intersects the requested workspace set with the set the
// credential permits. An empty permitted set means no restriction; an empty
// request means "everything the credential allows".
func resolveWorkspaces(permitted, requested []string) []string {
	if len(requested) == 0 {
		return permitted
	}
	if len(permitted) == 0 {
		return requested
	}

	allowed := make(map[string]struct{}, len(permitted))
	for _, id := range permitted {
		allowed[id] = struct{}{}
	}

	var out []string
	for _, id := range requested {
		if _, ok := allowed[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (h *Hub) handlePresence(c *Connection, env protocol.Envelope) {
	if !h.requireAuth(c, env) {
		return
	}

	var p protocol.Presence
	if err := env.Decode(&p); err != nil {
		h.logger.Warn("malformed presence payload", "error", err)
		return
	}
	if p.UserID == "" {
		p.UserID = c.UserID()
	}
	if p.WorkspaceID == "" {
		p.WorkspaceID = env.WorkspaceID
	}

	if h.presence != nil {
		h.presence.SetPresence(presence.Entry{
			UserID:        p.UserID,
			WorkspaceID:   p.WorkspaceID,
			Status:        p.Status,
			LastSeen:      p.LastSeen,
			CurrentTaskID: p.CurrentTaskID,
		})
	}

	h.BroadcastToWorkspace(p.WorkspaceID, env)
}

func (h *Hub) handleTyping(c *Connection, env protocol.Envelope) {
	if !h.requireAuth(c, env) {
		return
	}

	var t protocol.Typing
	if err := env.Decode(&t); err != nil {
		h.logger.Warn("malformed typing payload", "error", err)
		return
	}
	if t.UserID == "" {
		t.UserID = c.UserID()
	}
	if t.WorkspaceID == "" {
		t.WorkspaceID = env.WorkspaceID
	}

	if h.presence != nil {
		h.presence.SetTyping(t)
	}

	h.BroadcastToWorkspace(t.WorkspaceID, env)
}

// handleSyncRequest answers a catch-up request. ServerTime is always
// populated so the requester can advance its watermark even when nothing
// changed.
func (h *Hub) handleSyncRequest(c *Connection, env protocol.Envelope) {
	if !h.requireAuth(c, env) {
		return
	}

	var req protocol.SyncRequest
	if err := env.Decode(&req); err != nil {
		h.logger.Warn("malformed sync request", "error", err)
		h.replyError(c, protocol.KindError, "BAD_REQUEST", "malformed sync request", env.RequestID)
		return
	}
	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = env.WorkspaceID
	}

	if h.syncSrc == nil {
		h.replyError(c, protocol.KindError, "SYNC_UNAVAILABLE", apperrors.ErrSyncUnavailable.Error(), env.RequestID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	changes, err := h.syncSrc.ChangesSince(ctx, workspaceID, req.LastSyncAt)
	if err != nil {
		h.logger.Error("sync source query failed",
			"workspace_id", workspaceID,
			"error", err,
		)
		h.replyError(c, protocol.KindError, "SYNC_FAILED", "failed to compute changes", env.RequestID)
		return
	}

	resp := protocol.SyncResponse{
		WorkspaceID:         workspaceID,
		ServerTime:          time.Now().UTC(),
		Tasks:               changes.Tasks,
		Workspaces:          changes.Workspaces,
		DeletedTaskIDs:      changes.DeletedTaskIDs,
		DeletedWorkspaceIDs: changes.DeletedWorkspaceIDs,
	}
	h.reply(c, protocol.KindSyncResponse, resp, env.RequestID)
}

// reply sends a direct envelope back to one connection.
func (h *Hub) reply(c *Connection, kind protocol.Kind, payload any, requestID string) {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		h.logger.Error("failed to build reply", "kind", kind, "error", err)
		return
	}
	if requestID != "" {
		env = env.WithRequestID(requestID)
	}
	if !c.enqueue(env) {
		h.logger.Warn("dropping reply, send buffer full", "kind", kind, "user_id", c.UserID())
	}
}

func (h *Hub) replyError(c *Connection, kind protocol.Kind, code, message, requestID string) {
	h.reply(c, kind, protocol.ErrorPayload{Code: code, Message: message}, requestID)
}

// sendAuthResult replies on the authenticate kind for success and the
// unauthorized kind for failure.
func (h *Hub) sendAuthResult(c *Connection, result protocol.AuthResult, requestID string) {
	kind := protocol.KindAuthenticate
	if !result.Success {
		kind = protocol.KindUnauthorized
	}
	h.reply(c, kind, result, requestID)
}

func (h *Hub) authenticatedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for c := range h.conns {
		if c.Authenticated() {
			count++
		}
	}
	return count
}

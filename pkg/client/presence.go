package client

import (
	"time"

	apperrors "github.com/Edyrichards/todo-realtime/internal/core/errors"
	"github.com/Edyrichards/todo-realtime/internal/presence"
	"github.com/Edyrichards/todo-realtime/internal/protocol"
)

// SetPresence announces this user's presence status for a workspace. A
// no-op when presence is disabled in the config.
func (c *Client) SetPresence(workspaceID string, status protocol.PresenceStatus) error {
	if !c.cfg.EnablePresence {
		return nil
	}

	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()
	if userID == "" {
		return apperrors.ErrUnauthorized
	}

	p := protocol.Presence{
		UserID:      userID,
		WorkspaceID: workspaceID,
		Status:      status,
		LastSeen:    time.Now().UTC(),
	}
	c.cacheLocalPresence(p)
	return c.Publish(protocol.KindUserPresence, workspaceID, p)
}

// SetTyping announces a typing state change for a task. A no-op when typing
// indicators are disabled.
func (c *Client) SetTyping(workspaceID, taskID string, isTyping bool) error {
	if !c.cfg.EnableTypingIndicators {
		return nil
	}

	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()
	if userID == "" {
		return apperrors.ErrUnauthorized
	}

	t := protocol.Typing{
		UserID:      userID,
		WorkspaceID: workspaceID,
		TaskID:      taskID,
		IsTyping:    isTyping,
	}
	if c.presence != nil {
		c.presence.SetTyping(t)
	}
	return c.Publish(protocol.KindUserTyping, workspaceID, t)
}

// SendCursor shares this user's cursor position with the workspace. Cursor
// positions are fire-and-forget and never cached.
func (c *Client) SendCursor(pos protocol.CursorPosition) error {
	if !c.cfg.EnablePresence {
		return nil
	}

	c.mu.Lock()
	if pos.UserID == "" {
		pos.UserID = c.userID
	}
	c.mu.Unlock()

	return c.Publish(protocol.KindCursorPosition, pos.WorkspaceID, pos)
}

// Presence returns the cached presence entries for a workspace, most recent
// write winning per user.
func (c *Client) Presence(workspaceID string) []protocol.Presence {
	if c.presence == nil {
		return nil
	}

	entries := c.presence.GetPresence(workspaceID)
	out := make([]protocol.Presence, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.Presence{
			UserID:        e.UserID,
			WorkspaceID:   e.WorkspaceID,
			Status:        e.Status,
			LastSeen:      e.LastSeen,
			CurrentTaskID: e.CurrentTaskID,
		})
	}
	return out
}

// TypingUsers returns the users currently typing on a task, stale entries
// excluded.
func (c *Client) TypingUsers(workspaceID, taskID string) []protocol.Typing {
	if c.presence == nil {
		return nil
	}

	var out []protocol.Typing
	for _, e := range c.presence.GetTypingUsers(workspaceID) {
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		out = append(out, protocol.Typing{
			UserID:      e.UserID,
			WorkspaceID: e.WorkspaceID,
			TaskID:      e.TaskID,
			IsTyping:    true,
		})
	}
	return out
}

func (c *Client) cacheLocalPresence(p protocol.Presence) {
	if c.presence == nil {
		return
	}
	c.presence.SetPresence(presence.Entry{
		UserID:        p.UserID,
		WorkspaceID:   p.WorkspaceID,
		Status:        p.Status,
		LastSeen:      p.LastSeen,
		CurrentTaskID: p.CurrentTaskID,
	})
}

// cachePresence mirrors inbound presence fan-out into the local store before
// the envelope reaches user handlers.
func (c *Client) cachePresence(env protocol.Envelope) {
	if c.presence == nil {
		return
	}
	var p protocol.Presence
	if err := env.Decode(&p); err != nil {
		c.logger.Warn("malformed presence payload", "error", err)
		return
	}
	c.cacheLocalPresence(p)
}

func (c *Client) cacheTyping(env protocol.Envelope) {
	if c.presence == nil {
		return
	}
	var t protocol.Typing
	if err := env.Decode(&t); err != nil {
		c.logger.Warn("malformed typing payload", "error", err)
		return
	}
	c.presence.SetTyping(t)
}

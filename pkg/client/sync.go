package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Edyrichards/todo-realtime/internal/core/errors"
	"github.com/Edyrichards/todo-realtime/internal/protocol"
)

// RequestSync asks the hub for every change in the workspace since the
// client's stored watermark and blocks until the correlated response
// arrives. The returned response's ServerTime is adopted as the next
// watermark even when the change set is empty, so repeated syncs never
// re-fetch the same window.
func (c *Client) RequestSync(ctx context.Context, workspaceID string) (*protocol.SyncResponse, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, apperrors.ErrNotConnected
	}

	req := protocol.SyncRequest{WorkspaceID: workspaceID}
	if wm, ok := c.watermarks[workspaceID]; ok {
		since := wm
		req.LastSyncAt = &since
	}

	requestID := uuid.NewString()
	ch := make(chan protocol.SyncResponse, 1)
	c.pendingSync[requestID] = ch
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.KindSyncRequest, req)
	if err != nil {
		c.dropPending(requestID)
		return nil, err
	}
	env = env.WithRequestID(requestID).WithWorkspace(workspaceID)

	if err := c.send(env); err != nil {
		c.dropPending(requestID)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("sync %s: %w", workspaceID, apperrors.ErrConnectionClosed)
		}
		c.mu.Lock()
		c.watermarks[workspaceID] = resp.ServerTime
		c.mu.Unlock()
		return &resp, nil

	case <-ctx.Done():
		c.dropPending(requestID)
		return nil, fmt.Errorf("sync %s: %w", workspaceID, ctx.Err())
	}
}

// Watermark reports the stored sync watermark for a workspace, zero until
// the first successful sync.
func (c *Client) Watermark(workspaceID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermarks[workspaceID]
}

func (c *Client) dropPending(requestID string) {
	c.mu.Lock()
	delete(c.pendingSync, requestID)
	c.mu.Unlock()
}

// handleSyncResponse resolves the waiting RequestSync call, matched by
// request ID. Responses with no waiter (the waiter timed out, or the
// connection was recycled) are dropped.
func (c *Client) handleSyncResponse(env protocol.Envelope) {
	if env.RequestID == "" {
		c.logger.Warn("sync response without request id dropped")
		return
	}

	var resp protocol.SyncResponse
	if err := env.Decode(&resp); err != nil {
		c.logger.Warn("malformed sync response", "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pendingSync[env.RequestID]
	if ok {
		delete(c.pendingSync, env.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("unmatched sync response dropped", "request_id", env.RequestID)
		return
	}
	ch <- resp
}

package http

import (
	"log/slog"
	"net/http"

	"github.com/Edyrichards/todo-realtime/internal/hub"
	"github.com/Edyrichards/todo-realtime/internal/presence"
)

// StatusHandler exposes the hub's runtime statistics as JSON. These endpoints
// back operator dashboards; Prometheus scrapes go to /metrics instead.
type StatusHandler struct {
	hub      *hub.Hub
	presence *presence.Store
	logger   *slog.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(h *hub.Hub, p *presence.Store, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{hub: h, presence: p, logger: logger}
}

// HandleStatus reports whether the hub is accepting connections.
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !h.hub.Running() {
		WriteJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: "realtime hub not running",
			Code:  "HUB_UNAVAILABLE",
		})
		return
	}

	stats := h.hub.Stats()
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "running",
		"stats":  stats,
	})
}

// HandleMetrics reports detailed hub statistics, plus the presence counts of
// a workspace when one is requested.
func (h *StatusHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if !h.hub.Running() {
		WriteJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: "realtime hub not running",
			Code:  "HUB_UNAVAILABLE",
		})
		return
	}

	out := map[string]any{
		"stats": h.hub.Stats(),
	}

	if workspaceID := r.URL.Query().Get("workspaceId"); workspaceID != "" && h.presence != nil {
		out["workspace"] = map[string]any{
			"id":          workspaceID,
			"onlineUsers": h.presence.OnlineCount(workspaceID),
			"typingUsers": len(h.presence.GetTypingUsers(workspaceID)),
		}
	}

	WriteJSON(w, http.StatusOK, out)
}

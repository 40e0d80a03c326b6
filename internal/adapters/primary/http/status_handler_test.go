package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Edyrichards/todo-realtime/internal/core/ports"
	"github.com/Edyrichards/todo-realtime/internal/hub"
	"github.com/Edyrichards/todo-realtime/internal/presence"
	"github.com/Edyrichards/todo-realtime/internal/protocol"
)

type stubAuthenticator struct{}

func (stubAuthenticator) Authenticate(context.Context, string) (*ports.Identity, error) {
	return &ports.Identity{UserID: "u1"}, nil
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func newRunningHub(t *testing.T) *hub.Hub {
	t.Helper()

	h := hub.New(hub.Options{
		Authenticator: stubAuthenticator{},
		Logger:        slog.New(slog.DiscardHandler),
	})
	go h.Run()
	t.Cleanup(h.Stop)

	require.Eventually(t, h.Running, time.Second, 5*time.Millisecond)
	return h
}

func TestStatusReportsRunningHub(t *testing.T) {
	h := newRunningHub(t)
	handler := NewStatusHandler(h, nil, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	handler.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ws/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string    `json:"status"`
		Stats  hub.Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body.Status)
	assert.Zero(t, body.Stats.Connections)
}

func TestStatusUnavailableWhenStopped(t *testing.T) {
	h := hub.New(hub.Options{
		Authenticator: stubAuthenticator{},
		Logger:        slog.New(slog.DiscardHandler),
	})
	handler := NewStatusHandler(h, nil, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	handler.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ws/status", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "HUB_UNAVAILABLE", body.Code)
}

func TestMetricsIncludeWorkspacePresence(t *testing.T) {
	h := newRunningHub(t)

	store := presence.NewStore(slog.New(slog.DiscardHandler))
	t.Cleanup(store.Stop)
	store.SetPresence(presence.Entry{
		UserID:      "u1",
		WorkspaceID: "ws-1",
		Status:      protocol.PresenceOnline,
	})

	handler := NewStatusHandler(h, store, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	handler.HandleMetrics(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ws/metrics?workspaceId=ws-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Workspace struct {
			ID          string `json:"id"`
			OnlineUsers int    `json:"onlineUsers"`
		} `json:"workspace"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ws-1", body.Workspace.ID)
	assert.Equal(t, 1, body.Workspace.OnlineUsers)
}

func TestReadinessWithoutSyncSource(t *testing.T) {
	h := newRunningHub(t)
	handler := NewHealthHandler(h, nil, "test")

	rec := httptest.NewRecorder()
	handler.HandleReadiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "disabled", body.Checks["sync_source"].Status)
}

func TestReadinessFailsOnSyncSourceError(t *testing.T) {
	h := newRunningHub(t)
	handler := NewHealthHandler(h, stubPinger{err: errors.New("connection refused")}, "test")

	rec := httptest.NewRecorder()
	handler.HandleReadiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "unhealthy", body.Checks["sync_source"].Status)
}

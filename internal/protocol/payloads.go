package protocol

import (
	"time"

	"github.com/Edyrichards/todo-realtime/internal/core/domain"
)

// AuthRequest is the payload of an authenticate envelope.
type AuthRequest struct {
	Token        string   `json:"token"`
	WorkspaceIDs []string `json:"workspaceIds,omitempty"`
}

// AuthResult is the reply to an authenticate envelope.
type AuthResult struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PresenceStatus is a user's availability inside a workspace.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is the payload of a user:presence envelope.
type Presence struct {
	UserID        string         `json:"userId"`
	WorkspaceID   string         `json:"workspaceId"`
	Status        PresenceStatus `json:"status"`
	LastSeen      time.Time      `json:"lastSeen"`
	CurrentTaskID string         `json:"currentTaskId,omitempty"`
}

// Typing is the payload of a user:typing envelope. IsTyping=false clears
// the corresponding typing entry instead of storing a false flag.
type Typing struct {
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
	TaskID      string `json:"taskId,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}

// CursorPosition is the payload of a cursor:position envelope.
type CursorPosition struct {
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
	TaskID      string `json:"taskId,omitempty"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
}

// SyncRequest asks the hub for every change since the given watermark.
// A nil LastSyncAt requests a full snapshot.
type SyncRequest struct {
	WorkspaceID string     `json:"workspaceId"`
	LastSyncAt  *time.Time `json:"lastSyncAt,omitempty"`
	Kinds       []string   `json:"kinds,omitempty"`
}

// SyncResponse carries the catch-up data. ServerTime is always populated and
// must be adopted as the client's new watermark even when no changes are
// returned, so watermarks stay strictly increasing across empty responses.
type SyncResponse struct {
	WorkspaceID         string             `json:"workspaceId"`
	ServerTime          time.Time          `json:"serverTime"`
	Tasks               []domain.Task      `json:"tasks,omitempty"`
	Workspaces          []domain.Workspace `json:"workspaces,omitempty"`
	DeletedTaskIDs      []string           `json:"deletedTaskIds,omitempty"`
	DeletedWorkspaceIDs []string           `json:"deletedWorkspaceIds,omitempty"`
}

// ErrorPayload is the payload of error and unauthorized envelopes.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

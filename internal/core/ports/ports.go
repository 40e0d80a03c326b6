// Package ports declares the interfaces through which the realtime core talks
// to its collaborators. The hub never imports an implementation directly.
package ports

import (
	"context"
	"time"

	"github.com/Edyrichards/todo-realtime/internal/core/domain"
)

// Identity is what a validated credential resolves to. An empty WorkspaceIDs
// slice places no restriction on which workspaces the user may join.
type Identity struct {
	UserID       string
	WorkspaceIDs []string
}

// Authenticator validates the credential carried by an authenticate envelope.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// SyncSource answers catch-up requests. ChangesSince with a nil watermark
// returns a full snapshot of the workspace.
type SyncSource interface {
	ChangesSince(ctx context.Context, workspaceID string, since *time.Time) (*domain.ChangeSet, error)
	Ping(ctx context.Context) error
}

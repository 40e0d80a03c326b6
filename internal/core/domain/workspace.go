package domain

import "time"

// Workspace groups tasks and members; it is the unit of broadcast fan-out.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	MemberIDs []string  `json:"memberIds,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChangeSet is everything that changed in a workspace since a watermark.
// Deleted entities are reported by ID only.
type ChangeSet struct {
	Tasks               []Task
	Workspaces          []Workspace
	DeletedTaskIDs      []string
	DeletedWorkspaceIDs []string
}

// Empty reports whether the change set carries no operations.
func (c ChangeSet) Empty() bool {
	return len(c.Tasks) == 0 && len(c.Workspaces) == 0 &&
		len(c.DeletedTaskIDs) == 0 && len(c.DeletedWorkspaceIDs) == 0
}

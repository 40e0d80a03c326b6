package domain

import "time"

// TaskStatus is the kanban column a task currently sits in.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
)

// TaskPriority indicates task urgency.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// Task is the sync-layer view of a task: enough to replay a mutation into a
// client-side store. Full task semantics live in the CRUD service.
type Task struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspaceId"`
	CategoryID  string       `json:"categoryId,omitempty"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority,omitempty"`
	Position    int          `json:"position"`
	DueAt       *time.Time   `json:"dueAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

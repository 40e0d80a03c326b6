package protocol

// Kind identifies the payload shape of an Envelope.
type Kind string

const (
	KindConnect      Kind = "connect"
	KindDisconnect   Kind = "disconnect"
	KindAuthenticate Kind = "authenticate"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"

	KindTaskCreated   Kind = "task:created"
	KindTaskUpdated   Kind = "task:updated"
	KindTaskDeleted   Kind = "task:deleted"
	KindTaskCompleted Kind = "task:completed"
	KindTaskMoved     Kind = "task:moved"

	KindWorkspaceCreated       Kind = "workspace:created"
	KindWorkspaceUpdated       Kind = "workspace:updated"
	KindWorkspaceDeleted       Kind = "workspace:deleted"
	KindWorkspaceMemberAdded   Kind = "workspace:member_added"
	KindWorkspaceMemberRemoved Kind = "workspace:member_removed"

	KindUserPresence   Kind = "user:presence"
	KindUserTyping     Kind = "user:typing"
	KindCursorPosition Kind = "cursor:position"

	KindSyncRequest        Kind = "sync:request"
	KindSyncResponse       Kind = "sync:response"
	KindConflictResolution Kind = "conflict:resolution"

	KindError        Kind = "error"
	KindUnauthorized Kind = "unauthorized"
)

var validKinds = map[Kind]struct{}{
	KindConnect:                {},
	KindDisconnect:             {},
	KindAuthenticate:           {},
	KindPing:                   {},
	KindPong:                   {},
	KindTaskCreated:            {},
	KindTaskUpdated:            {},
	KindTaskDeleted:            {},
	KindTaskCompleted:          {},
	KindTaskMoved:              {},
	KindWorkspaceCreated:       {},
	KindWorkspaceUpdated:       {},
	KindWorkspaceDeleted:       {},
	KindWorkspaceMemberAdded:   {},
	KindWorkspaceMemberRemoved: {},
	KindUserPresence:           {},
	KindUserTyping:             {},
	KindCursorPosition:         {},
	KindSyncRequest:            {},
	KindSyncResponse:           {},
	KindConflictResolution:     {},
	KindError:                  {},
	KindUnauthorized:           {},
}

// Valid reports whether k is part of the closed kind set.
func (k Kind) Valid() bool {
	_, ok := validKinds[k]
	return ok
}

// IsTaskEvent reports whether k is one of the task mutation kinds.
func (k Kind) IsTaskEvent() bool {
	switch k {
	case KindTaskCreated, KindTaskUpdated, KindTaskDeleted, KindTaskCompleted, KindTaskMoved:
		return true
	}
	return false
}

// IsWorkspaceEvent reports whether k is one of the workspace mutation kinds.
func (k Kind) IsWorkspaceEvent() bool {
	switch k {
	case KindWorkspaceCreated, KindWorkspaceUpdated, KindWorkspaceDeleted,
		KindWorkspaceMemberAdded, KindWorkspaceMemberRemoved:
		return true
	}
	return false
}

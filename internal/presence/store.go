// Package presence tracks ephemeral per-user state derived from inbound
// envelopes. Nothing here is persisted; everything is rebuilt from live
// traffic after a restart.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Edyrichards/todo-realtime/internal/protocol"
)

const (
	// TypingTTL is how long a typing entry stays valid without a refresh.
	TypingTTL = 5 * time.Second

	// sweepInterval is how often stale typing entries are physically purged.
	sweepInterval = time.Second
)

type presenceKey struct {
	userID      string
	workspaceID string
}

type typingKey struct {
	userID      string
	workspaceID string
	taskID      string
}

// Entry is the current presence of one user in one workspace.
// Last write wins; no history is kept.
type Entry struct {
	UserID        string
	WorkspaceID   string
	Status        protocol.PresenceStatus
	LastSeen      time.Time
	CurrentTaskID string
}

// TypingEntry marks a user actively composing input on a task.
type TypingEntry struct {
	UserID      string
	WorkspaceID string
	TaskID      string
	StartedAt   time.Time
}

// Store holds presence and typing state. Presence entries are never expired
// by the store itself: offline is a terminal value written explicitly by
// whichever collaborator observes the disconnect. Typing entries expire after
// TypingTTL and are excluded from reads even before the sweep removes them.
type Store struct {
	mu       sync.RWMutex
	presence map[presenceKey]Entry
	typing   map[typingKey]TypingEntry

	ttl    time.Duration
	now    func() time.Time
	done   chan struct{}
	stopMu sync.Once
	logger *slog.Logger
}

// NewStore creates a store and starts its typing sweep loop.
func NewStore(logger *slog.Logger) *Store {
	s := &Store{
		presence: make(map[presenceKey]Entry),
		typing:   make(map[typingKey]TypingEntry),
		ttl:      TypingTTL,
		now:      time.Now,
		done:     make(chan struct{}),
		logger:   logger.With("component", "presence_store"),
	}
	go s.sweepLoop()
	return s
}

// Stop cancels the sweep loop. Idempotent.
func (s *Store) Stop() {
	s.stopMu.Do(func() {
		close(s.done)
	})
}

// SetPresence overwrites the entry for (UserID, WorkspaceID).
func (s *Store) SetPresence(e Entry) {
	if e.LastSeen.IsZero() {
		e.LastSeen = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[presenceKey{userID: e.UserID, workspaceID: e.WorkspaceID}] = e
}

// GetPresence returns every presence entry for a workspace.
func (s *Store) GetPresence(workspaceID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []Entry
	for key, e := range s.presence {
		if key.workspaceID == workspaceID {
			entries = append(entries, e)
		}
	}
	return entries
}

// UserPresence returns the entry for one user in one workspace, if any.
func (s *Store) UserPresence(userID, workspaceID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.presence[presenceKey{userID: userID, workspaceID: workspaceID}]
	return e, ok
}

// OnlineCount returns how many users in a workspace are currently online.
func (s *Store) OnlineCount(workspaceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for key, e := range s.presence {
		if key.workspaceID == workspaceID && e.Status == protocol.PresenceOnline {
			count++
		}
	}
	return count
}

// SetTyping replaces the entry for (UserID, WorkspaceID, TaskID). A payload
// with IsTyping=false removes the entry rather than storing a false flag.
func (s *Store) SetTyping(t protocol.Typing) {
	key := typingKey{userID: t.UserID, workspaceID: t.WorkspaceID, taskID: t.TaskID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !t.IsTyping {
		delete(s.typing, key)
		return
	}

	s.typing[key] = TypingEntry{
		UserID:      t.UserID,
		WorkspaceID: t.WorkspaceID,
		TaskID:      t.TaskID,
		StartedAt:   s.now(),
	}
}

// GetTypingUsers returns the non-stale typing entries for a workspace.
// Entries older than the TTL are excluded even if not yet swept.
func (s *Store) GetTypingUsers(workspaceID string) []TypingEntry {
	cutoff := s.now().Add(-s.ttl)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []TypingEntry
	for key, e := range s.typing {
		if key.workspaceID == workspaceID && e.StartedAt.After(cutoff) {
			entries = append(entries, e)
		}
	}
	return entries
}

// sweepLoop purges stale typing entries on a fixed cadence.
func (s *Store) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *Store) sweep() {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.typing {
		if !e.StartedAt.After(cutoff) {
			delete(s.typing, key)
			s.logger.Debug("swept stale typing entry",
				"user_id", key.userID,
				"workspace_id", key.workspaceID,
			)
		}
	}
}

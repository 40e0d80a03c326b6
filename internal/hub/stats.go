package hub

import (
	"sync"
	"time"
)

// rateWindow is the span of the rolling messages-per-second average.
const rateWindow = 60

// Stats is the read-only operational snapshot exposed over HTTP.
type Stats struct {
	Connections       int     `json:"connections"`
	Authenticated     int     `json:"authenticated"`
	ActiveWorkspaces  int     `json:"activeWorkspaces"`
	MessagesPerSecond float64 `json:"messagesPerSecond"`
	BroadcastsTotal   uint64  `json:"broadcastsTotal"`
	UptimeSeconds     int64   `json:"uptimeSeconds"`
}

// statsCounter keeps a per-second ring of message counts for the rolling
// rate, plus monotonic totals.
type statsCounter struct {
	mu         sync.Mutex
	buckets    [rateWindow]uint64
	bucketSec  [rateWindow]int64
	broadcasts uint64
	startedAt  time.Time
}

func newStatsCounter() *statsCounter {
	return &statsCounter{startedAt: time.Now()}
}

func (s *statsCounter) incrMessage() {
	now := time.Now().Unix()
	idx := now % rateWindow

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucketSec[idx] != now {
		s.bucketSec[idx] = now
		s.buckets[idx] = 0
	}
	s.buckets[idx]++
}

func (s *statsCounter) incrBroadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts++
}

// rate averages the messages observed over the last rateWindow seconds.
func (s *statsCounter) rate() float64 {
	floor := time.Now().Unix() - rateWindow

	s.mu.Lock()
	defer s.mu.Unlock()

	var total uint64
	for i := 0; i < rateWindow; i++ {
		if s.bucketSec[i] > floor {
			total += s.buckets[i]
		}
	}
	return float64(total) / float64(rateWindow)
}

func (s *statsCounter) broadcastTotal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcasts
}

func (s *statsCounter) uptime() time.Duration {
	return time.Since(s.startedAt)
}

// Stats returns the current operational snapshot.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	connections := len(h.conns)
	workspaces := len(h.workspaces)
	authenticated := 0
	for c := range h.conns {
		if c.Authenticated() {
			authenticated++
		}
	}
	h.mu.RUnlock()

	return Stats{
		Connections:       connections,
		Authenticated:     authenticated,
		ActiveWorkspaces:  workspaces,
		MessagesPerSecond: h.stats.rate(),
		BroadcastsTotal:   h.stats.broadcastTotal(),
		UptimeSeconds:     int64(h.stats.uptime().Seconds()),
	}
}

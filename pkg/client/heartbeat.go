package client

import (
	"log/slog"
	"sync"
	"time"
)

// heartbeat sends application-level ping envelopes on a fixed interval and
// tracks when the last pong arrived. A connection with no pong for two
// intervals is flagged stale; staleness is reported, not acted on, so the
// socket's own failure detection remains the single closure trigger.
type heartbeat struct {
	interval time.Duration
	sendPing func() error
	logger   *slog.Logger

	mu         sync.Mutex
	lastPongAt time.Time
	ticker     *time.Ticker
	probe      *time.Timer
	stopped    bool
	stopOnce   sync.Once
	done       chan struct{}
}

const pongProbeDelay = 5 * time.Second

func newHeartbeat(interval time.Duration, sendPing func() error, logger *slog.Logger) *heartbeat {
	return &heartbeat{
		interval:   interval,
		sendPing:   sendPing,
		logger:     logger,
		lastPongAt: time.Now(),
		done:       make(chan struct{}),
	}
}

func (h *heartbeat) start() {
	h.mu.Lock()
	h.ticker = time.NewTicker(h.interval)
	ticker := h.ticker
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				h.tick()
			case <-h.done:
				return
			}
		}
	}()
}

func (h *heartbeat) tick() {
	if err := h.sendPing(); err != nil {
		h.logger.Warn("heartbeat ping failed", "error", err)
		return
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	if h.probe != nil {
		h.probe.Stop()
	}
	h.probe = time.AfterFunc(pongProbeDelay, h.checkStale)
	h.mu.Unlock()
}

// checkStale runs a few seconds after each ping, once the pong had a fair
// chance to arrive.
func (h *heartbeat) checkStale() {
	h.mu.Lock()
	stopped := h.stopped
	sincePong := time.Since(h.lastPongAt)
	h.mu.Unlock()

	if stopped {
		return
	}
	if sincePong > 2*h.interval {
		h.logger.Warn("connection appears stale", "since_last_pong", sincePong)
	}
}

func (h *heartbeat) observePong() {
	h.mu.Lock()
	h.lastPongAt = time.Now()
	h.mu.Unlock()
}

func (h *heartbeat) stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		if h.ticker != nil {
			h.ticker.Stop()
		}
		if h.probe != nil {
			h.probe.Stop()
		}
		h.mu.Unlock()
		close(h.done)
	})
}

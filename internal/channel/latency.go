package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/metrics"
	"github.com/alleneee/digital-human/internal/protocol"
)

// Smoothing weight given to a new latency sample
const latencyWeight = 0.2

// Stats is a point-in-time view of connection health. It is always replaced
// as a whole so readers never see a half-applied update.
type Stats struct {
	LatencyMs  float64   `json:"latency_ms"`
	HasLatency bool      `json:"has_latency"`
	LastPingAt time.Time `json:"last_ping_at"`
	Reconnects int       `json:"reconnects"`
	LastFailed bool      `json:"last_failed"`
}

type statsStore struct {
	p atomic.Pointer[Stats]
}

func newStatsStore() *statsStore {
	s := &statsStore{}
	s.p.Store(&Stats{})
	return s
}

func (s *statsStore) load() Stats {
	return *s.p.Load()
}

func (s *statsStore) update(fn func(Stats) Stats) Stats {
	for {
		old := s.p.Load()
		next := fn(*old)
		if s.p.CompareAndSwap(old, &next) {
			return next
		}
	}
}

// Smooth folds a latency sample into the running average
func Smooth(prev float64, hasPrev bool, sample float64) float64 {
	if !hasPrev {
		return sample
	}
	return (1-latencyWeight)*prev + latencyWeight*sample
}

// LatencyTracker pings an established channel with pings and keeps a
// smoothed round-trip estimate. It also owns the ConnectionStats store.
type LatencyTracker struct {
	interval time.Duration
	now      func() time.Time
	stats    *statsStore
	logger   *logger.ContextLogger

	mu       sync.Mutex
	stop     chan struct{}
	lastPing time.Time
	inflight []int64 // send stamps (Unix ms) of unanswered pings, oldest first
}

// Unanswered pings remembered for matching; older ones are forgotten
const maxInflight = 4

// Used when the configured interval is not positive
const defaultPingInterval = 10 * time.Second

// NewLatencyTracker creates a tracker that pings every interval once started
func NewLatencyTracker(interval time.Duration, log *logger.Logger) *LatencyTracker {
	if interval <= 0 {
		interval = defaultPingInterval
	}
	return &LatencyTracker{
		interval: interval,
		now:      time.Now,
		stats:    newStatsStore(),
		logger:   log.With("latency"),
	}
}

// Start begins pinging with send. Any running ping loop is cancelled first.
func (t *LatencyTracker) Start(send func(*protocol.Message) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	stop := make(chan struct{})
	t.stop = stop

	go t.run(stop, send)
}

// Stop cancels the ping loop. Safe to call when not running.
func (t *LatencyTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *LatencyTracker) stopLocked() {
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

func (t *LatencyTracker) run(stop chan struct{}, send func(*protocol.Message) bool) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		// stop may have raced the tick
		select {
		case <-stop:
			return
		default:
		}

		now := t.now()
		t.markSent(now)

		if !send(protocol.NewPing(now)) {
			// No transport: clear the interval, the next Online transition starts a fresh one
			t.logger.Debug("Ping not delivered, stopping ping loop")
			t.mu.Lock()
			if t.stop == stop {
				t.stopLocked()
			}
			t.mu.Unlock()
			return
		}
	}
}

func (t *LatencyTracker) markSent(now time.Time) {
	t.mu.Lock()
	t.lastPing = now
	t.inflight = append(t.inflight, now.UnixMilli())
	if len(t.inflight) > maxInflight {
		t.inflight = append([]int64(nil), t.inflight[len(t.inflight)-maxInflight:]...)
	}
	t.mu.Unlock()

	t.stats.update(func(s Stats) Stats {
		s.LastPingAt = now
		return s
	})
}

// match consumes the unanswered ping stamped echoed, along with every older
// one. It reports false for stamps this tracker did not send or that were
// already answered.
func (t *LatencyTracker) match(echoed int64) bool {
	for i, stamp := range t.inflight {
		if stamp == echoed {
			t.inflight = t.inflight[i+1:]
			return true
		}
	}
	return false
}

// ObservePong records the round trip for a pong echoing echoed (Unix ms).
// Only pongs answering an outstanding ping count. A pong without a
// timestamp is matched against the last ping sent.
func (t *LatencyTracker) ObservePong(echoed int64) (time.Duration, bool) {
	now := t.now()

	t.mu.Lock()
	if echoed <= 0 && !t.lastPing.IsZero() {
		echoed = t.lastPing.UnixMilli()
	}
	ok := echoed > 0 && t.match(echoed)
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("Ignoring pong for unknown ping %d", echoed)
		return 0, false
	}

	sample := now.Sub(time.UnixMilli(echoed))
	if sample < 0 {
		sample = 0
	}
	ms := float64(sample) / float64(time.Millisecond)

	next := t.stats.update(func(s Stats) Stats {
		s.LatencyMs = Smooth(s.LatencyMs, s.HasLatency, ms)
		s.HasLatency = true
		return s
	})
	metrics.LatencySeconds.Set(next.LatencyMs / 1000)

	return sample, true
}

// Stats returns the current connection stats
func (t *LatencyTracker) Stats() Stats {
	return t.stats.load()
}

// Reset clears all stats; only used on full reinitialisation
func (t *LatencyTracker) Reset() {
	t.stats.p.Store(&Stats{})
	t.mu.Lock()
	t.lastPing = time.Time{}
	t.inflight = nil
	t.mu.Unlock()
}

func (t *LatencyTracker) recordReconnect() {
	t.stats.update(func(s Stats) Stats {
		s.Reconnects++
		s.LastFailed = true
		return s
	})
}

func (t *LatencyTracker) recordOnline() {
	t.stats.update(func(s Stats) Stats {
		s.LastFailed = false
		return s
	})
}

func (t *LatencyTracker) recordFailure() {
	t.stats.update(func(s Stats) Stats {
		s.LastFailed = true
		return s
	})
}

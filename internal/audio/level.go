package audio

import (
	"math"
	"sync"
	"time"
)

// LevelMeter keeps the average magnitude over a rolling window of samples.
// It is fed by the processing path and sampled by the level tick.
type LevelMeter struct {
	mu     sync.Mutex
	window []float32
	next   int
	filled int
	sum    float64
}

// NewLevelMeter creates a meter over the last size samples
func NewLevelMeter(size int) *LevelMeter {
	if size <= 0 {
		size = 2048
	}
	return &LevelMeter{window: make([]float32, size)}
}

// Add folds samples into the window
func (m *LevelMeter) Add(samples []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range samples {
		v := float32(math.Abs(float64(s)))
		if m.filled == len(m.window) {
			m.sum -= float64(m.window[m.next])
		} else {
			m.filled++
		}
		m.window[m.next] = v
		m.sum += float64(v)
		m.next = (m.next + 1) % len(m.window)
	}
}

// Level returns the windowed average magnitude (0 when empty)
func (m *LevelMeter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.filled == 0 {
		return 0
	}
	avg := m.sum / float64(m.filled)
	if avg < 0 {
		// float drift after many subtractions
		return 0
	}
	return avg
}

// LowVolumeMonitor raises an advisory warning when the level stays below a
// threshold for longer than a delay, counted from recording start. Any
// sample at or above the threshold clears it and restarts the count.
type LowVolumeMonitor struct {
	threshold float64
	delay     time.Duration

	lowSince time.Time
	warning  bool
}

// NewLowVolumeMonitor creates a monitor
func NewLowVolumeMonitor(threshold float64, delay time.Duration) *LowVolumeMonitor {
	return &LowVolumeMonitor{threshold: threshold, delay: delay}
}

// Begin marks recording start
func (m *LowVolumeMonitor) Begin(start time.Time) {
	m.lowSince = start
	m.warning = false
}

// Observe folds in one level sample. It returns the current flag and
// whether it changed.
func (m *LowVolumeMonitor) Observe(level float64, now time.Time) (warning, changed bool) {
	prev := m.warning

	if level >= m.threshold {
		m.lowSince = time.Time{}
		m.warning = false
	} else {
		if m.lowSince.IsZero() {
			m.lowSince = now
		}
		m.warning = now.Sub(m.lowSince) >= m.delay
	}

	return m.warning, m.warning != prev
}

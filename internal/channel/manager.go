package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/metrics"
	"github.com/alleneee/digital-human/internal/protocol"
)

var (
	// ErrNotConnected is returned for binary sends while the channel is not Online
	ErrNotConnected = errors.New("channel not connected")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("channel closed")
)

// Options configures a Manager
type Options struct {
	Backoff Backoff

	// NotifyEvery raises a notification every N reconnect attempts after the first
	NotifyEvery int

	// ClientConfig returns the configuration sent as the first frame of every connection
	ClientConfig func() protocol.ClientConfig

	// Scheduler for reconnect delays; nil uses time.AfterFunc
	Scheduler Scheduler
}

// Manager owns the logical conversation channel: the transport, the
// reconnect policy, the pending queue and the latency tracker. All sends go
// through it; no other component touches the transport.
type Manager struct {
	dialer  Dialer
	inbound Inbound
	tracker *LatencyTracker
	queue   *Queue
	opts    Options
	sched   Scheduler
	logger  *logger.ContextLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	transport Transport
	attempt   int
	gen       uint64 // bumped per dial so late dial results are discarded
	retry     Timer
	closed    bool
	pending   []Event

	subMu       sync.Mutex
	subscribers []func(Event)
	fireMu      sync.Mutex
}

// New creates a Manager in the Offline state. Call Connect to start.
func New(dialer Dialer, tracker *LatencyTracker, inbound Inbound, opts Options, log *logger.Logger) *Manager {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.ClientConfig == nil {
		opts.ClientConfig = func() protocol.ClientConfig { return protocol.ClientConfig{} }
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = realScheduler{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	publishState(StateOffline)

	return &Manager{
		dialer:  dialer,
		inbound: inbound,
		tracker: tracker,
		queue:   NewQueue(),
		opts:    opts,
		sched:   sched,
		logger:  log.With("channel"),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateOffline,
	}
}

// Subscribe registers fn for state transition events. fn runs outside the
// manager lock and may call back into the manager.
func (m *Manager) Subscribe(fn func(Event)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// State returns the current channel state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns the current connection stats
func (m *Manager) Stats() Stats {
	return m.tracker.Stats()
}

// Pending returns the number of messages waiting for replay
func (m *Manager) Pending() int {
	return m.queue.Len()
}

// Connect starts a connection attempt. It is a no-op while Connecting or
// Online, and in Failed (use Restart). It returns immediately; the handshake
// runs in the background and sends issued meanwhile are queued.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.state == StateConnecting || m.state == StateOnline || m.state == StateFailed {
		m.mu.Unlock()
		return
	}

	m.stopRetryLocked()
	m.setStateLocked(Event{To: StateConnecting})
	m.gen++
	gen := m.gen
	ctx := m.ctx
	m.mu.Unlock()
	m.fire()

	go m.dial(ctx, gen)
}

// Restart is the manual recovery path after Failed: the attempt counter is
// reset and a fresh connection attempt starts. Stats are kept.
func (m *Manager) Restart() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.attempt = 0
	if m.state == StateFailed {
		m.setStateLocked(Event{To: StateOffline})
	}
	m.mu.Unlock()
	m.fire()

	m.Connect()
}

// Reset is a full manual reinitialisation: attempt counter and stats are
// cleared, then Restart.
func (m *Manager) Reset() {
	m.tracker.Reset()
	m.Restart()
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	t, err := m.dialer.Dial(ctx)

	m.mu.Lock()
	if m.closed || gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return
	}

	if err != nil {
		m.logger.Warn("Connect failed: %v", err)
		m.handleLossLocked(err)
		m.mu.Unlock()
		m.fire()
		return
	}

	m.transport = t
	m.attempt = 0
	m.tracker.recordOnline()

	// The service rebuilds session context from the config frame, so it goes first
	if err := m.writeLocked(protocol.NewConfig(m.opts.ClientConfig())); err != nil {
		m.logger.Error("Failed to send config: %v", err)
	}

	replayed, err := m.queue.Flush(m.writeLocked)
	if err != nil {
		m.logger.Warn("Replay stopped after %d messages: %v", replayed, err)
	} else if replayed > 0 {
		m.logger.Info("Replayed %d pending messages", replayed)
	}

	m.setStateLocked(Event{To: StateOnline, Replayed: replayed})
	m.tracker.Start(m.Send)
	m.mu.Unlock()
	m.fire()

	go m.readLoop(t)
}

func (m *Manager) readLoop(t Transport) {
	for {
		f, err := t.ReadFrame()
		if err != nil {
			m.onTransportClosed(t, err)
			return
		}
		if m.inbound != nil {
			m.inbound.Enqueue(f)
		}
	}
}

// onTransportClosed owns recovery for both close and error: a transport error
// always ends in a read failure here.
func (m *Manager) onTransportClosed(t Transport, err error) {
	m.mu.Lock()
	if m.transport != t {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.tracker.Stop()

	if m.closed {
		m.setStateLocked(Event{To: StateOffline})
	} else {
		m.logger.Warn("Transport closed: %v", err)
		m.handleLossLocked(err)
	}
	m.mu.Unlock()
	m.fire()

	_ = t.Close()
}

func (m *Manager) handleLossLocked(err error) {
	budget := m.opts.Backoff.MaxAttempts
	if m.attempt >= budget {
		m.tracker.recordFailure()
		metrics.ChannelFailures.Inc()
		m.logger.Error("Giving up after %d reconnect attempts", m.attempt)
		m.setStateLocked(Event{To: StateFailed, Attempt: m.attempt, Notify: true, Err: err})
		return
	}

	delay := m.opts.Backoff.Delay(m.attempt)
	m.attempt++
	m.tracker.recordReconnect()
	metrics.ReconnectAttempts.Inc()

	notify := m.attempt == 1
	if n := m.opts.NotifyEvery; n > 0 && m.attempt%n == 0 {
		notify = true
	}

	m.logger.Info("Reconnect attempt %d/%d in %v", m.attempt, budget, delay)
	m.setStateLocked(Event{To: StateReconnecting, Attempt: m.attempt, Delay: delay, Notify: notify, Err: err})

	m.retry = m.sched.AfterFunc(delay, m.retryConnect)
}

func (m *Manager) retryConnect() {
	m.mu.Lock()
	ok := !m.closed && m.state == StateReconnecting
	m.mu.Unlock()
	if ok {
		m.Connect()
	}
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// Send transmits msg now if Online and reports true. Otherwise, or if the
// write fails, the message is queued for replay (pings and config are
// dropped) and Send reports false. False means deferred, not failed.
// The write itself happens outside the manager lock; the transport
// serializes concurrent writers.
func (m *Manager) Send(msg *protocol.Message) bool {
	m.mu.Lock()
	for m.state == StateOnline && m.transport != nil {
		t := m.transport
		m.mu.Unlock()

		err := m.write(t, msg)
		if err == nil {
			return true
		}
		m.logger.Warn("Send %s failed: %v", msg.Type, err)

		m.mu.Lock()
		if m.transport == t {
			m.failTransportLocked()
			break
		}
		// A newer connection replaced t while writing; its replay has
		// already run, so try it directly
	}
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	if m.queue.Enqueue(msg) {
		metrics.MessagesQueued.WithLabelValues(string(msg.Type)).Inc()
		m.logger.Debug("Queued %s (pending=%d)", msg.Type, m.queue.Len())
	}
	return false
}

// SendBinary writes a raw binary frame. Binary audio is never queued: it is
// stale by the time a reconnect completes.
func (m *Manager) SendBinary(data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateOnline || m.transport == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	t := m.transport
	m.mu.Unlock()

	if err := t.WriteFrame(Frame{Binary: true, Data: data}); err != nil {
		m.mu.Lock()
		if m.transport == t {
			m.failTransportLocked()
		}
		m.mu.Unlock()
		return fmt.Errorf("binary write failed: %w", err)
	}
	return nil
}

func (m *Manager) writeLocked(msg *protocol.Message) error {
	if m.transport == nil {
		return ErrNotConnected
	}
	if err := m.write(m.transport, msg); err != nil {
		m.failTransportLocked()
		return err
	}
	return nil
}

func (m *Manager) write(t Transport, msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}

	if err := t.WriteFrame(Frame{Data: data}); err != nil {
		return err
	}

	metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()
	return nil
}

// failTransportLocked closes the transport after a write error; the read loop
// then observes the close and drives recovery
func (m *Manager) failTransportLocked() {
	t := m.transport
	go func() { _ = t.Close() }()
}

// Close tears the channel down: cancels the retry timer, the latency
// tracker and any in-flight dial, and closes the transport. Safe to call
// more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	m.stopRetryLocked()
	m.tracker.Stop()

	t := m.transport
	m.transport = nil
	if m.state != StateOffline {
		m.setStateLocked(Event{To: StateOffline})
	}
	m.mu.Unlock()
	m.fire()

	if t != nil {
		if err := t.Close(); err != nil {
			m.logger.Debug("Transport close: %v", err)
		}
	}
	return nil
}

func (m *Manager) setStateLocked(ev Event) {
	ev.From = m.state
	m.state = ev.To
	publishState(ev.To)
	m.pending = append(m.pending, ev)
}

// fire delivers queued events in order. A caller that finds delivery already
// in progress leaves its events to the active deliverer.
func (m *Manager) fire() {
	for {
		if !m.fireMu.TryLock() {
			return
		}

		m.mu.Lock()
		events := m.pending
		m.pending = nil
		m.mu.Unlock()

		m.subMu.Lock()
		subs := append([]func(Event){}, m.subscribers...)
		m.subMu.Unlock()

		for _, ev := range events {
			for _, fn := range subs {
				fn(ev)
			}
		}
		m.fireMu.Unlock()

		m.mu.Lock()
		empty := len(m.pending) == 0
		m.mu.Unlock()
		if empty {
			return
		}
	}
}

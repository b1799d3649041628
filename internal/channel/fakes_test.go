package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/protocol"
)

var errFakeClosed = errors.New("fake transport closed")

type fakeTransport struct {
	in        chan Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	written    []Frame
	failWrites bool

	// When set, WriteFrame signals writing and waits for release
	writing chan struct{}
	release chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan Frame, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() (Frame, error) {
	select {
	case fr := <-f.in:
		return fr, nil
	case <-f.closed:
		return Frame{}, errFakeClosed
	}
}

func (f *fakeTransport) WriteFrame(fr Frame) error {
	f.mu.Lock()
	writing, release := f.writing, f.release
	f.mu.Unlock()
	if release != nil {
		writing <- struct{}{}
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write failed")
	}
	f.written = append(f.written, fr)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) setFailWrites(v bool) {
	f.mu.Lock()
	f.failWrites = v
	f.mu.Unlock()
}

func (f *fakeTransport) blockWrites() (writing, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writing = make(chan struct{}, 1)
	f.release = make(chan struct{})
	return f.writing, f.release
}

// messages decodes every text frame written so far
func (f *fakeTransport) messages(t *testing.T) []*protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*protocol.Message
	for _, fr := range f.written {
		if fr.Binary {
			continue
		}
		msg, err := protocol.Decode(fr.Data)
		if err != nil {
			t.Fatalf("Written frame does not decode: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

// fakeDialer hands out results in order; after the list is exhausted every
// dial fails
type fakeDialer struct {
	mu      sync.Mutex
	results []func() (Transport, error)
	calls   int
}

func (d *fakeDialer) push(t Transport, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, func() (Transport, error) { return t, err })
}

func (d *fakeDialer) Dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.results[0]
	d.results = d.results[1:]
	return next()
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type scheduledCall struct {
	delay time.Duration
	fn    func()
}

type fakeScheduler struct {
	calls chan scheduledCall
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{calls: make(chan scheduledCall, 64)}
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.calls <- scheduledCall{delay: d, fn: f}
	return fakeTimer{}
}

func (s *fakeScheduler) next(t *testing.T) scheduledCall {
	t.Helper()
	select {
	case c := <-s.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a scheduled reconnect")
		return scheduledCall{}
	}
}

type fakeInbound struct {
	frames chan Frame
}

func (f *fakeInbound) Enqueue(fr Frame) {
	f.frames <- fr
}

type harness struct {
	mgr     *Manager
	dialer  *fakeDialer
	sched   *fakeScheduler
	inbound *fakeInbound
	events  chan Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialer:  &fakeDialer{},
		sched:   newFakeScheduler(),
		inbound: &fakeInbound{frames: make(chan Frame, 16)},
		events:  make(chan Event, 256),
	}

	log := logger.NewNop()
	tracker := NewLatencyTracker(time.Hour, log)
	h.mgr = New(h.dialer, tracker, h.inbound, Options{
		Backoff:      DefaultBackoff(),
		NotifyEvery:  5,
		ClientConfig: func() protocol.ClientConfig { return protocol.ClientConfig{Language: "en-US"} },
		Scheduler:    h.sched,
	}, log)
	h.mgr.Subscribe(func(ev Event) { h.events <- ev })

	t.Cleanup(func() { h.mgr.Close() })
	return h
}

func (h *harness) waitFor(t *testing.T, state State) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.To == state {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for state %s (current %s)", state, h.mgr.State())
			return Event{}
		}
	}
}

package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alleneee/digital-human/internal/audio"
	"github.com/alleneee/digital-human/internal/channel"
	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/protocol"
)

type fakeBinary struct {
	mu   sync.Mutex
	err  error
	sent [][]byte
}

func (f *fakeBinary) SendBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, data)
	return nil
}

type fakeSender struct {
	mu    sync.Mutex
	kinds []protocol.Kind
}

func (f *fakeSender) Send(msg *protocol.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, msg.Type)
	return true
}

func (f *fakeSender) sent() []protocol.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Kind{}, f.kinds...)
}

type fakeSink struct {
	name    string
	openErr error

	// when set, Open signals entered and blocks until gate is closed
	gate    chan struct{}
	entered chan struct{}

	mu     sync.Mutex
	opened bool
	closed bool
	closes int
	frames []audio.Frame
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Open(ctx context.Context) error {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = f.openErr == nil
	return f.openErr
}

func (f *fakeSink) Write(fr audio.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closes++
	return nil
}

func (f *fakeSink) delivered() []audio.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.Frame{}, f.frames...)
}

func (f *fakeSink) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeCapture emits frames on Stop like the audio session's padded tail.
// With block set, Start waits for Stop and reports the start as cancelled,
// as the audio session does when stopped during acquisition.
type fakeCapture struct {
	startErr error
	onStart  func()
	onStop   func()
	block    bool

	entered  chan struct{}
	released chan struct{}
	once     sync.Once

	mu     sync.Mutex
	starts int
	stops  int
}

func newBlockingCapture() *fakeCapture {
	return &fakeCapture{
		block:    true,
		entered:  make(chan struct{}, 1),
		released: make(chan struct{}),
	}
}

func (c *fakeCapture) Start(ctx context.Context) error {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()

	if c.block {
		c.entered <- struct{}{}
		<-c.released
		return audio.ErrStartCancelled
	}
	if c.onStart != nil {
		c.onStart()
	}
	return c.startErr
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()

	if c.block {
		c.once.Do(func() { close(c.released) })
	}
	if c.onStop != nil {
		c.onStop()
	}
	return nil
}

func (c *fakeCapture) startCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

func TestChannelSinkWritesPCM(t *testing.T) {
	b := &fakeBinary{}
	s := NewChannelSink(b, logger.NewNop())

	if err := s.Write(audio.Frame{Samples: []int16{1, 2, 3}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(b.sent) != 1 || len(b.sent[0]) != 6 {
		t.Errorf("Expected one 6-byte payload, got %v", b.sent)
	}
}

func TestChannelSinkDropsWhileOffline(t *testing.T) {
	b := &fakeBinary{err: channel.ErrNotConnected}
	s := NewChannelSink(b, logger.NewNop())

	err := s.Write(audio.Frame{Samples: []int16{1}})
	if !errors.Is(err, channel.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestSelectorUsesFallbackWithoutSupport(t *testing.T) {
	fallback := &fakeSink{name: "channel"}
	dc := &fakeSink{name: "datachannel"}
	sel := NewSelector(fallback, func() FrameSink { return dc }, logger.NewNop())

	if got := sel.Select(context.Background()); got.Name() != "channel" {
		t.Errorf("Expected channel sink, got %s", got.Name())
	}

	yes := true
	sel.HandleSupport(&protocol.Message{Type: protocol.KindWebRTCSupport, Supported: &yes})
	if got := sel.Select(context.Background()); got.Name() != "datachannel" {
		t.Errorf("Expected datachannel sink, got %s", got.Name())
	}

	no := false
	sel.HandleSupport(&protocol.Message{Type: protocol.KindWebRTCSupport, Supported: &no})
	if sel.Supported() {
		t.Error("Support should be withdrawn")
	}
}

func TestSelectorFallsBackWhenNegotiationFails(t *testing.T) {
	fallback := &fakeSink{name: "channel"}
	dc := &fakeSink{name: "datachannel", openErr: errors.New("ice failed")}
	sel := NewSelector(fallback, func() FrameSink { return dc }, logger.NewNop())

	yes := true
	sel.HandleSupport(&protocol.Message{Supported: &yes})

	if got := sel.Select(context.Background()); got.Name() != "channel" {
		t.Errorf("Expected fallback after failed negotiation, got %s", got.Name())
	}
	if !dc.closed {
		t.Error("Failed DataChannel sink should be closed")
	}
}

func TestSelectorWithoutSignalingNeverSupported(t *testing.T) {
	sel := NewSelector(&fakeSink{name: "channel"}, nil, logger.NewNop())
	yes := true
	sel.HandleSupport(&protocol.Message{Supported: &yes})
	if sel.Supported() {
		t.Error("No DataChannel factory means no support")
	}
}

func TestRecorderLifecycleMarkers(t *testing.T) {
	out := &fakeSink{name: "channel"}
	sender := &fakeSender{}
	rec := NewRecorder(NewSelector(out, nil, logger.NewNop()), sender, logger.NewNop())

	capture := &fakeCapture{}
	capture.onStop = func() { rec.OnFrame(audio.Frame{Seq: 7, Padded: 10}) }
	rec.Bind(capture)

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if rec.Active() != "channel" {
		t.Errorf("Expected channel sink active, got %q", rec.Active())
	}
	rec.OnFrame(audio.Frame{Seq: 6})

	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	want := []protocol.Kind{protocol.KindRecordingStarted, protocol.KindRecordingStopped, protocol.KindTranscriptionComplete}
	got := sender.sent()
	if len(got) != len(want) {
		t.Fatalf("Expected markers %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected markers %v, got %v", want, got)
		}
	}

	if len(out.frames) != 2 || out.frames[1].Seq != 7 {
		t.Errorf("Tail frame should reach the sink before it closes, got %+v", out.frames)
	}
	if !out.closed {
		t.Error("Sink should be closed after stop")
	}
	if rec.Active() != "" {
		t.Error("Recorder should be idle")
	}

	rec.OnFrame(audio.Frame{Seq: 8})
	if len(out.frames) != 2 {
		t.Error("Frames after stop must be ignored")
	}
}

func TestRecorderStartFailure(t *testing.T) {
	out := &fakeSink{name: "channel"}
	sender := &fakeSender{}
	rec := NewRecorder(NewSelector(out, nil, logger.NewNop()), sender, logger.NewNop())
	rec.Bind(&fakeCapture{startErr: audio.ErrDeviceUnavailable})

	if err := rec.Start(context.Background()); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}
	if got := sender.sent(); len(got) != 0 {
		t.Errorf("A recording that never started must not be announced, got %v", got)
	}
	if rec.Active() != "" {
		t.Error("Recorder should be idle after a failed start")
	}
	if out.closeCount() != 1 {
		t.Errorf("Sink should be closed once, got %d", out.closeCount())
	}

	// Idle stop is harmless and sends nothing
	if err := rec.Stop(); err != nil {
		t.Errorf("Idle stop failed: %v", err)
	}
	if len(sender.sent()) != 0 {
		t.Error("Idle stop must not send markers")
	}
}

func TestRecorderConcurrentStartKeepsFirstRecording(t *testing.T) {
	out := &fakeSink{name: "channel", gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	sender := &fakeSender{}
	rec := NewRecorder(NewSelector(out, nil, logger.NewNop()), sender, logger.NewNop())
	capture := &fakeCapture{}
	rec.Bind(capture)

	first := make(chan error, 1)
	go func() { first <- rec.Start(context.Background()) }()

	select {
	case <-out.entered:
	case <-time.After(time.Second):
		t.Fatal("First start never reached sink selection")
	}

	if err := rec.Start(context.Background()); !errors.Is(err, audio.ErrAlreadyRecording) {
		t.Fatalf("Second start should be rejected, got %v", err)
	}

	close(out.gate)
	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("First start failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("First start did not finish")
	}

	if rec.Active() != "channel" {
		t.Errorf("Expected channel sink active, got %q", rec.Active())
	}
	if capture.startCount() != 1 {
		t.Errorf("Capture should start once, got %d", capture.startCount())
	}

	rec.OnFrame(audio.Frame{Seq: 1})
	if frames := out.delivered(); len(frames) != 1 {
		t.Errorf("Frame should reach the live sink, got %d", len(frames))
	}
	if got := sender.sent(); len(got) != 1 || got[0] != protocol.KindRecordingStarted {
		t.Errorf("Expected one recording_started, got %v", got)
	}
	if out.closeCount() != 0 {
		t.Error("Live sink must not be closed")
	}
}

func TestRecorderStopDuringCaptureStart(t *testing.T) {
	out := &fakeSink{name: "channel"}
	sender := &fakeSender{}
	rec := NewRecorder(NewSelector(out, nil, logger.NewNop()), sender, logger.NewNop())
	capture := newBlockingCapture()
	rec.Bind(capture)

	started := make(chan error, 1)
	go func() { started <- rec.Start(context.Background()) }()

	select {
	case <-capture.entered:
	case <-time.After(time.Second):
		t.Fatal("Capture start never entered")
	}

	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case err := <-started:
		if !errors.Is(err, audio.ErrStartCancelled) {
			t.Errorf("Expected ErrStartCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}

	if got := sender.sent(); len(got) != 0 {
		t.Errorf("Cancelled start must not send markers, got %v", got)
	}
	if out.closeCount() != 1 {
		t.Errorf("Sink should be closed exactly once, got %d", out.closeCount())
	}
	if rec.Active() != "" {
		t.Error("Recorder should be idle")
	}

	// A new recording can start afterwards
	rec.Bind(&fakeCapture{})
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
}

func TestRecorderStopDuringSinkSelection(t *testing.T) {
	out := &fakeSink{name: "channel", gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	sender := &fakeSender{}
	rec := NewRecorder(NewSelector(out, nil, logger.NewNop()), sender, logger.NewNop())
	capture := &fakeCapture{}
	rec.Bind(capture)

	started := make(chan error, 1)
	go func() { started <- rec.Start(context.Background()) }()
	<-out.entered

	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	close(out.gate)

	if err := <-started; !errors.Is(err, audio.ErrStartCancelled) {
		t.Errorf("Expected ErrStartCancelled, got %v", err)
	}
	if capture.startCount() != 0 {
		t.Error("Capture must not start after Stop")
	}
	if out.closeCount() != 1 {
		t.Errorf("Sink should be closed exactly once, got %d", out.closeCount())
	}
	if got := sender.sent(); len(got) != 0 {
		t.Errorf("Expected no markers, got %v", got)
	}
}

func TestRecorderKeepsFramesEmittedDuringStart(t *testing.T) {
	out := &fakeSink{name: "channel"}
	sender := &fakeSender{}
	rec := NewRecorder(NewSelector(out, nil, logger.NewNop()), sender, logger.NewNop())

	capture := &fakeCapture{}
	capture.onStart = func() { rec.OnFrame(audio.Frame{Seq: 0}) }
	rec.Bind(capture)

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	rec.OnFrame(audio.Frame{Seq: 1})

	frames := out.delivered()
	if len(frames) != 2 || frames[0].Seq != 0 || frames[1].Seq != 1 {
		t.Errorf("Expected frames 0 and 1 in order, got %+v", frames)
	}
}

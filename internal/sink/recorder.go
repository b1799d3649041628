package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/alleneee/digital-human/internal/audio"
	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/protocol"
)

// Capture is the audio session lifecycle the recorder drives
type Capture interface {
	Start(ctx context.Context) error
	Stop() error
}

// Sender is the channel capability used for lifecycle markers
type Sender interface {
	Send(msg *protocol.Message) bool
}

// recording is one Start..Stop cycle. Whoever holds it under Recorder.mu
// decides what happens to its sink and markers.
type recording struct {
	sink FrameSink

	// started is set once capture runs and recording_started went out;
	// only a started recording is closed with stop markers
	started bool

	// stopping is set by Stop; a Start still in progress backs out
	stopping bool

	// frames emitted before recording_started was sent
	early []audio.Frame

	writeFailures int
}

// Recorder ties a capture session to the transcription sink and marks the
// session boundaries on the conversation channel
type Recorder struct {
	selector *Selector
	sender   Sender
	logger   *logger.ContextLogger

	mu      sync.Mutex
	capture Capture
	rec     *recording
}

// NewRecorder creates a recorder. Bind must be called before Start.
func NewRecorder(selector *Selector, sender Sender, log *logger.Logger) *Recorder {
	return &Recorder{
		selector: selector,
		sender:   sender,
		logger:   log.With("recorder"),
	}
}

// Bind attaches the capture session. The session's frame callback should
// be the recorder's OnFrame.
func (r *Recorder) Bind(c Capture) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture = c
}

// Start selects a sink, starts capture and then announces the recording.
// A second Start while one is starting or running fails with
// audio.ErrAlreadyRecording; a Stop issued before Start finishes makes it
// return audio.ErrStartCancelled.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	c := r.capture
	if c == nil {
		r.mu.Unlock()
		return errors.New("recorder has no capture session")
	}
	if r.rec != nil {
		r.mu.Unlock()
		return audio.ErrAlreadyRecording
	}
	rec := &recording{}
	r.rec = rec
	r.mu.Unlock()

	s := r.selector.Select(ctx)

	r.mu.Lock()
	if rec.stopping {
		r.mu.Unlock()
		r.closeSink(s)
		return audio.ErrStartCancelled
	}
	rec.sink = s
	r.mu.Unlock()

	err := c.Start(ctx)

	r.mu.Lock()
	if rec.stopping {
		// Stop owns the sink now and sends nothing: the recording never began
		r.mu.Unlock()
		if err == nil {
			_ = c.Stop()
			err = audio.ErrStartCancelled
		}
		return err
	}

	if err != nil {
		r.rec = nil
		rec.sink = nil
		r.mu.Unlock()
		r.logger.Error("Failed to start recording: %v", err)
		r.closeSink(s)
		return err
	}

	rec.started = true
	r.sender.Send(protocol.NewLifecycle(protocol.KindRecordingStarted))
	for _, f := range rec.early {
		r.writeLocked(rec, f)
	}
	rec.early = nil
	r.mu.Unlock()

	r.logger.Info("Recording via %s sink", s.Name())
	return nil
}

// Stop stops capture (the padded tail frame still reaches the sink), then
// sends the stop markers and releases the sink. Stopping an idle recorder
// is a no-op.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	c := r.capture
	rec := r.rec
	if rec == nil || rec.stopping {
		r.mu.Unlock()
		return nil
	}
	rec.stopping = true
	r.mu.Unlock()

	var err error
	if c != nil {
		err = c.Stop()
	}

	r.mu.Lock()
	r.rec = nil
	s := rec.sink
	rec.sink = nil
	started := rec.started
	failures := rec.writeFailures
	r.mu.Unlock()

	if started {
		r.sender.Send(protocol.NewLifecycle(protocol.KindRecordingStopped))
		r.sender.Send(protocol.NewLifecycle(protocol.KindTranscriptionComplete))
	}
	if failures > 0 {
		r.logger.Warn("%d frames were not delivered", failures)
	}
	if s != nil {
		r.closeSink(s)
	}
	return err
}

func (r *Recorder) closeSink(s FrameSink) {
	if err := s.Close(); err != nil {
		r.logger.Debug("Sink close: %v", err)
	}
}

// OnFrame is the audio session frame callback
func (r *Recorder) OnFrame(f audio.Frame) {
	r.mu.Lock()
	rec := r.rec
	if rec == nil || rec.sink == nil {
		r.mu.Unlock()
		return
	}
	if !rec.started {
		rec.early = append(rec.early, f)
		r.mu.Unlock()
		return
	}
	s := rec.sink
	r.mu.Unlock()

	if err := s.Write(f); err != nil {
		r.mu.Lock()
		rec.writeFailures++
		r.mu.Unlock()
	}
}

func (r *Recorder) writeLocked(rec *recording, f audio.Frame) {
	if err := rec.sink.Write(f); err != nil {
		rec.writeFailures++
	}
}

// Active returns the name of the sink in use, or "" when idle
func (r *Recorder) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec == nil || r.rec.sink == nil {
		return ""
	}
	return r.rec.sink.Name()
}

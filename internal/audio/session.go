package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/metrics"
)

// Options configures a Session
type Options struct {
	DeviceName string
	SampleRate int
	FrameSize  int

	// Processing selects the strategy: worker, inline or auto
	Processing string

	LowVolumeThreshold float64
	LowVolumeDelay     time.Duration
	LevelWindow        int
	LevelTick          time.Duration
}

func (o *Options) applyDefaults() {
	if o.SampleRate <= 0 {
		o.SampleRate = TargetSampleRate
	}
	if o.FrameSize <= 0 {
		o.FrameSize = DefaultFrameSize
	}
	if o.LowVolumeDelay <= 0 {
		o.LowVolumeDelay = time.Second
	}
	if o.LevelWindow <= 0 {
		o.LevelWindow = 2048
	}
	if o.LevelTick <= 0 {
		o.LevelTick = 16 * time.Millisecond
	}
}

// Status is the advisory recording state shown to the user
type Status struct {
	Recording  bool    `json:"recording"`
	Level      float64 `json:"level"`
	LowVolume  bool    `json:"low_volume"`
	Processing string  `json:"processing,omitempty"`
}

// FrameFunc receives every encoded frame. It is called from the processing
// path and must be safe for concurrent use with the rest of the client.
type FrameFunc func(Frame)

// pipeline holds the resources of one recording
type pipeline struct {
	device  Device
	proc    Processor
	meter   *LevelMeter
	monitor *LowVolumeMonitor
	stop    chan struct{}
	done    chan struct{}
}

// Session owns the capture device and the processing graph of one
// microphone. Start and Stop may be called from any goroutine; Stop is safe
// at any point, including while Start is still acquiring the device.
type Session struct {
	backend Backend
	opts    Options
	emit    FrameFunc
	logger  *logger.ContextLogger
	now     func() time.Time

	mu       sync.Mutex
	gen      uint64
	starting bool
	active   *pipeline
	status   Status

	obsMu     sync.Mutex
	observers []func(Status)
}

// NewSession creates an idle session
func NewSession(backend Backend, opts Options, emit FrameFunc, log *logger.Logger) *Session {
	opts.applyDefaults()
	return &Session{
		backend: backend,
		opts:    opts,
		emit:    emit,
		logger:  log.With("audio"),
		now:     time.Now,
	}
}

// OnStatus registers fn for status changes (recording, low volume)
func (s *Session) OnStatus(fn func(Status)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Start acquires the device and begins streaming frames. It blocks until
// the device is running or acquisition fails.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.active != nil || s.starting {
		s.mu.Unlock()
		return ErrAlreadyRecording
	}
	s.gen++
	gen := s.gen
	s.starting = true
	s.mu.Unlock()

	p, err := s.acquire(ctx)

	s.mu.Lock()
	if gen != s.gen {
		// Stop ran while the device was being acquired; the result is stale
		s.mu.Unlock()
		if p != nil {
			if terr := teardown(p); terr != nil {
				s.logger.Warn("Discarding late device: %v", terr)
			}
		}
		metrics.RecordingSessions.WithLabelValues("cancelled").Inc()
		return ErrStartCancelled
	}
	s.starting = false
	if err != nil {
		s.mu.Unlock()
		metrics.RecordingSessions.WithLabelValues("failed").Inc()
		return err
	}

	if err := p.device.Start(); err != nil {
		s.mu.Unlock()
		if terr := teardown(p); terr != nil {
			s.logger.Warn("Cleanup after failed start: %v", terr)
		}
		metrics.RecordingSessions.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	start := s.now()
	p.monitor.Begin(start)
	s.active = p
	s.status = Status{Recording: true, Processing: p.proc.Name()}
	st := s.status
	go s.tick(p)
	s.mu.Unlock()

	metrics.RecordingSessions.WithLabelValues(p.proc.Name()).Inc()
	s.logger.Info("Recording started (processing=%s, device rate=%d Hz)", p.proc.Name(), p.device.SampleRate())
	s.notify(st)
	return nil
}

func (s *Session) acquire(ctx context.Context) (*pipeline, error) {
	p := &pipeline{
		meter:   NewLevelMeter(s.opts.LevelWindow),
		monitor: NewLowVolumeMonitor(s.opts.LowVolumeThreshold, s.opts.LowVolumeDelay),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	// The processor is bound before the device exists so the first
	// callback already has somewhere to go
	var proc Processor
	onData := func(samples []float32) {
		if proc != nil {
			proc.Process(samples)
		}
	}

	st := &stage{
		resampler: NewResampler(s.opts.SampleRate, s.opts.SampleRate),
		meter:     p.meter,
		encoder:   NewEncoder(s.opts.FrameSize, s.opts.SampleRate),
		emit:      s.emitFrame,
	}

	var err error
	proc, err = selectProcessor(s.opts.Processing, s.backend.Support(), st)
	if err != nil {
		return nil, err
	}
	p.proc = proc

	device, err := s.backend.Open(ctx, DeviceConfig{
		Name:       s.opts.DeviceName,
		SampleRate: s.opts.SampleRate,
		Channels:   1,
	}, onData)
	if err != nil {
		proc.Close()
		return nil, err
	}
	p.device = device

	if rate := device.SampleRate(); rate > 0 && rate != s.opts.SampleRate {
		s.logger.Warn("Device is using %d Hz, resampling to %d Hz", rate, s.opts.SampleRate)
		st.resampler = NewResampler(rate, s.opts.SampleRate)
	}
	return p, nil
}

func (s *Session) emitFrame(f Frame) {
	metrics.AudioFrames.WithLabelValues("emitted").Inc()
	if s.emit != nil {
		s.emit(f)
	}
}

// tick samples the level meter while recording
func (s *Session) tick(p *pipeline) {
	defer close(p.done)

	ticker := time.NewTicker(s.opts.LevelTick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		level := p.meter.Level()
		metrics.AudioLevel.Set(level)
		warning, changed := p.monitor.Observe(level, s.now())

		s.mu.Lock()
		if s.active != p {
			s.mu.Unlock()
			return
		}
		s.status.Level = level
		s.status.LowVolume = warning
		st := s.status
		s.mu.Unlock()

		if changed {
			if warning {
				metrics.LowVolumeWarnings.Inc()
				s.logger.Warn("Low input volume (level %.4f)", level)
			}
			s.notify(st)
		}
	}
}

// Stop releases the device and processing graph. The carried partial
// frame is padded and emitted. Stop never fails on an idle session and may
// be called repeatedly.
func (s *Session) Stop() error {
	s.mu.Lock()
	s.gen++
	s.starting = false
	p := s.active
	s.active = nil
	wasRecording := s.status.Recording
	s.status = Status{}
	s.mu.Unlock()

	if p == nil {
		return nil
	}

	close(p.stop)
	<-p.done

	err := teardown(p)
	if err != nil {
		s.logger.Warn("Recording teardown: %v", err)
	} else {
		s.logger.Info("Recording stopped")
	}

	if wasRecording {
		s.notify(Status{})
	}
	return err
}

// teardown releases every resource type independently so one failure does
// not keep the others alive
func teardown(p *pipeline) error {
	var err error
	if p.device != nil {
		err = multierr.Append(err, wrapTeardown("stop device", p.device.Stop()))
	}
	if p.proc != nil {
		p.proc.Close()
	}
	if p.device != nil {
		err = multierr.Append(err, wrapTeardown("close device", p.device.Close()))
	}
	return err
}

func wrapTeardown(step string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", step, err)
}

// Recording reports whether the session is capturing
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Status returns the current advisory state
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) notify(st Status) {
	s.obsMu.Lock()
	obs := append([]func(Status){}, s.observers...)
	s.obsMu.Unlock()

	for _, fn := range obs {
		fn(st)
	}
}

package audio

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/alleneee/digital-human/internal/metrics"
)

// Processing path names accepted in configuration
const (
	ProcessingWorker = "worker"
	ProcessingInline = "inline"
	ProcessingAuto   = "auto"
)

// Processor runs the level analysis and encoding stage for one recording.
// Both strategies emit the same Frame shape.
type Processor interface {
	// Process accepts one captured block. It is called from the device
	// callback and must not block for long.
	Process(block []float32)

	// Close drains pending blocks, flushes the padded tail frame and
	// stops the processor. Process calls after Close are ignored.
	Close()

	Name() string
}

// Support describes which processing paths an environment can run
type Support struct {
	Worker bool
	Inline bool
}

// stage is the shared capture -> resample -> level -> encode chain
type stage struct {
	resampler *Resampler
	meter     *LevelMeter
	encoder   *Encoder
	emit      func(Frame)
}

func (s *stage) process(block []float32) {
	block = s.resampler.Process(block)
	s.meter.Add(block)
	for _, f := range s.encoder.Write(block) {
		s.emit(f)
	}
}

func (s *stage) flush() {
	if f, ok := s.encoder.Flush(); ok {
		s.emit(f)
	}
}

// selectProcessor picks the strategy once, at session start
func selectProcessor(mode string, support Support, st *stage) (Processor, error) {
	switch mode {
	case ProcessingWorker, ProcessingAuto, "":
		if support.Worker {
			return newWorkerProcessor(st), nil
		}
		if support.Inline {
			return newInlineProcessor(st), nil
		}
	case ProcessingInline:
		if support.Inline {
			return newInlineProcessor(st), nil
		}
		if support.Worker {
			return newWorkerProcessor(st), nil
		}
	default:
		return nil, fmt.Errorf("unknown processing mode %q", mode)
	}
	return nil, ErrUnsupportedEnvironment
}

// DefaultSupport reports a dedicated thread only when the runtime can
// schedule it alongside the rest of the client
func DefaultSupport() Support {
	return Support{
		Worker: runtime.GOMAXPROCS(0) > 1,
		Inline: true,
	}
}

// workerBacklog bounds the blocks waiting for the processing thread
const workerBacklog = 64

// workerProcessor encodes on a dedicated OS thread, isolated from the
// device callback
type workerProcessor struct {
	st *stage

	mu     sync.Mutex
	closed bool
	blocks chan []float32
	done   chan struct{}
}

func newWorkerProcessor(st *stage) *workerProcessor {
	p := &workerProcessor{
		st:     st,
		blocks: make(chan []float32, workerBacklog),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *workerProcessor) Name() string { return ProcessingWorker }

func (p *workerProcessor) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.done)

	for block := range p.blocks {
		p.st.process(block)
	}
	p.st.flush()
}

func (p *workerProcessor) Process(block []float32) {
	// The device reuses its buffer after the callback returns
	cp := make([]float32, len(block))
	copy(cp, block)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.blocks <- cp:
	default:
		metrics.AudioFrames.WithLabelValues("overrun").Inc()
	}
}

func (p *workerProcessor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.blocks)
	p.mu.Unlock()

	<-p.done
}

// inlineProcessor encodes synchronously inside the device callback
type inlineProcessor struct {
	st *stage

	mu     sync.Mutex
	closed bool
}

func newInlineProcessor(st *stage) *inlineProcessor {
	return &inlineProcessor{st: st}
}

func (p *inlineProcessor) Name() string { return ProcessingInline }

func (p *inlineProcessor) Process(block []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.st.process(block)
}

func (p *inlineProcessor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.st.flush()
}

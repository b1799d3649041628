package sink

import (
	"context"
	"sync"
	"time"

	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/protocol"
)

// negotiateTimeout bounds how long a recording start waits for the
// DataChannel before falling back to the channel sink
const negotiateTimeout = 5 * time.Second

// Selector picks the transcription sink for a recording from the
// capability the service advertised with webrtc_support
type Selector struct {
	fallback FrameSink
	webrtc   func() FrameSink
	logger   *logger.ContextLogger

	mu        sync.Mutex
	supported bool
}

// NewSelector creates a selector. webrtc builds a fresh DataChannel sink
// per recording and may be nil when no signaling endpoint is configured.
func NewSelector(fallback FrameSink, webrtc func() FrameSink, log *logger.Logger) *Selector {
	return &Selector{
		fallback: fallback,
		webrtc:   webrtc,
		logger:   log.With("sink"),
	}
}

// HandleSupport is the router handler for webrtc_support
func (s *Selector) HandleSupport(msg *protocol.Message) {
	supported := msg.Supported != nil && *msg.Supported

	s.mu.Lock()
	s.supported = supported
	s.mu.Unlock()

	s.logger.Info("Service WebRTC support: %v", supported)
}

// Supported reports the last advertised capability
func (s *Selector) Supported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supported && s.webrtc != nil
}

// Select opens and returns the sink for a new recording. A failed
// DataChannel negotiation falls back to the channel sink.
func (s *Selector) Select(ctx context.Context) FrameSink {
	if s.Supported() {
		dc := s.webrtc()

		nctx, cancel := context.WithTimeout(ctx, negotiateTimeout)
		err := dc.Open(nctx)
		cancel()
		if err == nil {
			return dc
		}
		s.logger.Warn("DataChannel unavailable, streaming over the channel: %v", err)
		_ = dc.Close()
	}

	if err := s.fallback.Open(ctx); err != nil {
		s.logger.Warn("Channel sink open: %v", err)
	}
	return s.fallback
}

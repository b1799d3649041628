package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/alleneee/digital-human/internal/audio"
	"github.com/alleneee/digital-human/internal/channel"
	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/metrics"
)

// ErrSinkNotReady is returned by Write before the sink is open
var ErrSinkNotReady = errors.New("transcription sink not ready")

// FrameSink is the destination for encoded audio while a recording is open
type FrameSink interface {
	Open(ctx context.Context) error
	Write(f audio.Frame) error
	Close() error
	Name() string
}

// BinarySender is the part of the channel manager the channel sink needs
type BinarySender interface {
	SendBinary(data []byte) error
}

// ChannelSink streams frames as binary frames on the conversation channel.
// Frames produced while the channel is down are dropped, never queued.
type ChannelSink struct {
	sender BinarySender
	logger *logger.ContextLogger
}

// NewChannelSink creates a sink writing through sender
func NewChannelSink(sender BinarySender, log *logger.Logger) *ChannelSink {
	return &ChannelSink{sender: sender, logger: log.With("sink")}
}

func (s *ChannelSink) Name() string { return "channel" }

func (s *ChannelSink) Open(ctx context.Context) error { return nil }

func (s *ChannelSink) Close() error { return nil }

func (s *ChannelSink) Write(f audio.Frame) error {
	err := s.sender.SendBinary(f.Bytes())
	switch {
	case err == nil:
		metrics.AudioFrames.WithLabelValues("sent").Inc()
		return nil
	case errors.Is(err, channel.ErrNotConnected), errors.Is(err, channel.ErrClosed):
		metrics.AudioFrames.WithLabelValues("dropped").Inc()
		s.logger.Debug("Dropping frame %d: %v", f.Seq, err)
		return err
	default:
		metrics.AudioFrames.WithLabelValues("dropped").Inc()
		return fmt.Errorf("frame %d: %w", f.Seq, err)
	}
}

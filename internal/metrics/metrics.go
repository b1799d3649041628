package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChannelState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "channel_state",
		Help: "1 for the current channel state, 0 otherwise",
	}, []string{"state"})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channel_reconnect_attempts_total",
		Help: "Scheduled reconnect attempts",
	})

	ChannelFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channel_failures_total",
		Help: "Times the retry budget was exhausted",
	})

	PendingMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "channel_pending_messages",
		Help: "Outbound messages waiting for replay",
	})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_messages_sent_total",
		Help: "Outbound frames written to the transport",
	}, []string{"kind"})

	MessagesQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_messages_queued_total",
		Help: "Outbound frames deferred to the pending queue",
	}, []string{"kind"})

	MessagesReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channel_messages_replayed_total",
		Help: "Pending messages delivered after a reconnect",
	})

	LatencySeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "channel_latency_seconds",
		Help: "Smoothed round-trip latency",
	})

	InboundFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_inbound_frames_total",
		Help: "Inbound frames by kind",
	}, []string{"kind"})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "router_protocol_errors_total",
		Help: "Inbound frames dropped as malformed or unknown",
	}, []string{"reason"})

	HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "router_handler_panics_total",
		Help: "Handler failures isolated by the router",
	})

	AudioFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_frames_total",
		Help: "Encoded audio frames by outcome",
	}, []string{"outcome"})

	AudioLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audio_level",
		Help: "Latest windowed average magnitude",
	})

	LowVolumeWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_low_volume_warnings_total",
		Help: "Times the low volume warning was raised",
	})

	RecordingSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_sessions_total",
		Help: "Recording session starts by processing path or failure",
	}, []string{"result"})
)

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a JSON frame on the conversation channel
type Kind string

const (
	// Outbound (client -> service)
	KindConfig                Kind = "config"
	KindTextInput             Kind = "text_input"
	KindPing                  Kind = "ping"
	KindStopTalking           Kind = "stop_talking"
	KindRecordingStarted      Kind = "recording_started"
	KindRecordingStopped      Kind = "recording_stopped"
	KindTranscriptionComplete Kind = "transcription_complete"

	// Inbound (service -> client)
	KindPong                 Kind = "pong"
	KindThinking             Kind = "thinking"
	KindBotReply             Kind = "bot_reply"
	KindResponse             Kind = "response"
	KindTranscription        Kind = "transcription"
	KindTranscriptionPartial Kind = "transcription_partial"
	KindTranscriptionFinal   Kind = "transcription_final"
	KindGeneratingVideo      Kind = "generating_video"
	KindVideoReady           Kind = "video_ready"
	KindWebRTCSupport        Kind = "webrtc_support"
	KindError                Kind = "error"
)

var inboundKinds = map[Kind]bool{
	KindPong:                 true,
	KindThinking:             true,
	KindBotReply:             true,
	KindResponse:             true,
	KindTranscription:        true,
	KindTranscriptionPartial: true,
	KindTranscriptionFinal:   true,
	KindGeneratingVideo:      true,
	KindVideoReady:           true,
	KindWebRTCSupport:        true,
	KindError:                true,
}

// Known reports whether k is an inbound kind the client understands
func (k Kind) Known() bool {
	return inboundKinds[k]
}

// Queueable reports whether an undeliverable message of this kind should be
// held for replay. Pings are stale telemetry and config is resent on every
// reconnect anyway.
func (k Kind) Queueable() bool {
	return k != KindPing && k != KindConfig
}

// ClientConfig is the session configuration the service needs to rebuild
// conversation context after every (re)connect
type ClientConfig struct {
	Language  string `json:"language,omitempty" yaml:"language"`
	VoiceType string `json:"voice_type,omitempty" yaml:"voice_type"`
	Model     string `json:"model,omitempty" yaml:"model"`
	Video     bool   `json:"video" yaml:"video"`
}

// Message is the flat JSON frame used in both directions. Only the fields
// relevant to Type are populated.
type Message struct {
	Type      Kind   `json:"type"`
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // Unix milliseconds

	// Set by the pending queue when the message is replayed after a reconnect
	Replayed bool `json:"replayed,omitempty"`

	Text      string        `json:"text,omitempty"`
	Final     bool          `json:"final,omitempty"`
	Config    *ClientConfig `json:"config,omitempty"`
	Message   string        `json:"message,omitempty"`
	URL       string        `json:"url,omitempty"`
	Supported *bool         `json:"supported,omitempty"`
}

// ErrMalformed is returned by Decode for frames that are not a typed JSON object
var ErrMalformed = errors.New("malformed frame")

// Encode marshals the message for a text frame
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses an inbound text frame
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &msg, nil
}

var lastStamp atomic.Int64

// Now returns a strictly increasing Unix millisecond timestamp so that
// messages created within the same millisecond keep their submission order.
func Now() int64 {
	for {
		now := time.Now().UnixMilli()
		last := lastStamp.Load()
		if now <= last {
			now = last + 1
		}
		if lastStamp.CompareAndSwap(last, now) {
			return now
		}
	}
}

func newOutbound(kind Kind) *Message {
	return &Message{
		Type:      kind,
		ID:        uuid.NewString(),
		Timestamp: Now(),
	}
}

// NewTextInput creates a user text turn
func NewTextInput(text string) *Message {
	msg := newOutbound(KindTextInput)
	msg.Text = text
	return msg
}

// NewConfig creates the config frame
func NewConfig(cfg ClientConfig) *Message {
	msg := newOutbound(KindConfig)
	msg.Config = &cfg
	return msg
}

// NewPing creates a latency ping carrying its send time
func NewPing(sentAt time.Time) *Message {
	return &Message{Type: KindPing, Timestamp: sentAt.UnixMilli()}
}

// NewStopTalking asks the service to interrupt speech synthesis
func NewStopTalking() *Message {
	return newOutbound(KindStopTalking)
}

// NewLifecycle creates a recording_started / recording_stopped /
// transcription_complete marker
func NewLifecycle(kind Kind) *Message {
	return newOutbound(kind)
}

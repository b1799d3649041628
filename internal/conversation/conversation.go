package conversation

import (
	"sync"
	"time"

	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/protocol"
	"github.com/alleneee/digital-human/internal/router"
)

// Role of a turn in the history
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in the conversation history
type Turn struct {
	Role  Role      `json:"role"`
	Text  string    `json:"text"`
	Voice bool      `json:"voice,omitempty"`
	At    time.Time `json:"at"`
}

// Snapshot is a copy of the conversation state
type Snapshot struct {
	Loading         bool   `json:"loading"`
	Partial         string `json:"partial,omitempty"`
	History         []Turn `json:"history"`
	GeneratingVideo bool   `json:"generating_video"`
	VideoURL        string `json:"video_url,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	WebRTCSupported *bool  `json:"webrtc_supported,omitempty"`
}

// Update is delivered to observers after every applied inbound message
type Update struct {
	Kind    protocol.Kind `json:"kind"`
	Text    string        `json:"text,omitempty"`
	Loading bool          `json:"loading"`
}

// State consumes router events and keeps what a conversation surface
// renders: the loading indicator, history, the live transcript and media
// readiness.
type State struct {
	logger *logger.ContextLogger
	now    func() time.Time

	mu      sync.Mutex
	snap    Snapshot
	maxKeep int

	obsMu     sync.Mutex
	observers []func(Update)
}

// New creates an empty conversation keeping at most maxHistory turns
// (0 keeps everything)
func New(maxHistory int, log *logger.Logger) *State {
	return &State{
		logger:  log.With("conversation"),
		now:     time.Now,
		maxKeep: maxHistory,
	}
}

// Register installs handlers for every inbound kind the conversation uses
func (s *State) Register(r *router.Router) {
	r.Handle(protocol.KindThinking, s.Apply)
	r.Handle(protocol.KindBotReply, s.Apply)
	r.Handle(protocol.KindResponse, s.Apply)
	r.Handle(protocol.KindTranscription, s.Apply)
	r.Handle(protocol.KindTranscriptionPartial, s.Apply)
	r.Handle(protocol.KindTranscriptionFinal, s.Apply)
	r.Handle(protocol.KindGeneratingVideo, s.Apply)
	r.Handle(protocol.KindVideoReady, s.Apply)
	r.Handle(protocol.KindWebRTCSupport, s.Apply)
	r.Handle(protocol.KindError, s.Apply)
}

// Subscribe registers fn for updates. fn runs on the dispatching goroutine.
func (s *State) Subscribe(fn func(Update)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

// UserText records a typed user turn
func (s *State) UserText(text string) {
	s.mu.Lock()
	s.appendLocked(Turn{Role: RoleUser, Text: text, At: s.now()})
	s.mu.Unlock()
}

// Apply folds one inbound message into the state
func (s *State) Apply(msg *protocol.Message) {
	s.mu.Lock()

	kind := msg.Type
	text := msg.Text

	// The combined transcription kind is normalised to partial/final
	if kind == protocol.KindTranscription {
		kind = protocol.KindTranscriptionPartial
		if msg.Final {
			kind = protocol.KindTranscriptionFinal
		}
	}

	switch kind {
	case protocol.KindThinking:
		s.snap.Loading = true

	case protocol.KindBotReply, protocol.KindResponse:
		s.snap.Loading = false
		if text != "" {
			s.appendLocked(Turn{Role: RoleAssistant, Text: text, At: s.now()})
		}

	case protocol.KindTranscriptionPartial:
		s.snap.Partial = text

	case protocol.KindTranscriptionFinal:
		s.snap.Partial = ""
		if text != "" {
			s.appendLocked(Turn{Role: RoleUser, Text: text, Voice: true, At: s.now()})
		}

	case protocol.KindGeneratingVideo:
		s.snap.GeneratingVideo = true

	case protocol.KindVideoReady:
		s.snap.GeneratingVideo = false
		s.snap.VideoURL = msg.URL

	case protocol.KindWebRTCSupport:
		if msg.Supported != nil {
			v := *msg.Supported
			s.snap.WebRTCSupported = &v
		}

	case protocol.KindError:
		s.snap.Loading = false
		s.snap.LastError = msg.Message
		s.logger.Warn("Service error: %s", msg.Message)

	default:
		s.mu.Unlock()
		return
	}

	up := Update{Kind: kind, Text: text, Loading: s.snap.Loading}
	if kind == protocol.KindError {
		up.Text = msg.Message
	}
	if kind == protocol.KindVideoReady {
		up.Text = msg.URL
	}
	s.mu.Unlock()

	s.notify(up)
}

func (s *State) appendLocked(t Turn) {
	s.snap.History = append(s.snap.History, t)
	if s.maxKeep > 0 && len(s.snap.History) > s.maxKeep {
		s.snap.History = append([]Turn{}, s.snap.History[len(s.snap.History)-s.maxKeep:]...)
	}
}

func (s *State) notify(up Update) {
	s.obsMu.Lock()
	obs := append([]func(Update){}, s.observers...)
	s.obsMu.Unlock()

	for _, fn := range obs {
		fn(up)
	}
}

// Loading reports whether a reply is pending
func (s *State) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Loading
}

// Snapshot returns a copy of the current state
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.snap
	out.History = append([]Turn(nil), s.snap.History...)
	if s.snap.WebRTCSupported != nil {
		v := *s.snap.WebRTCSupported
		out.WebRTCSupported = &v
	}
	return out
}

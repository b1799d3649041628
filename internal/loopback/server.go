// Package loopback is a local stand-in for the conversational service. It
// speaks the same websocket protocol as the real service, answers WebRTC
// offers for the transcription side-channel, and replies to text turns with
// a fixed responder. It exists for development and integration tests.
package loopback

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Responder produces the bot reply for a user text turn
type Responder func(text string) string

// EchoResponder replies with the user's text
func EchoResponder(text string) string {
	return "You said: " + text
}

// Stats counts what the loopback has seen since it started
type Stats struct {
	Connections       int64 `json:"connections"`
	TextInputs        int64 `json:"text_inputs"`
	Pings             int64 `json:"pings"`
	AudioFrames       int64 `json:"audio_frames"`
	DataChannelFrames int64 `json:"datachannel_frames"`
	Markers           int64 `json:"markers"`
}

// Options configures a Server
type Options struct {
	WebRTC    bool
	Responder Responder

	// Delay between thinking and the reply
	ReplyDelay time.Duration
}

// client is one live websocket connection
type client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	// Audio frames received since recording_started
	recorded atomic.Int64
}

func (c *client) send(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server handles HTTP and WebSocket requests
type Server struct {
	bindAddr string
	opts     Options
	logger   *logger.ContextLogger
	server   *http.Server
	peers    *peers

	mu      sync.Mutex
	clients map[*client]struct{}
	configs map[string]protocol.ClientConfig

	connections atomic.Int64
	texts       atomic.Int64
	pings       atomic.Int64
	audio       atomic.Int64
	dcAudio     atomic.Int64
	markers     atomic.Int64
}

// New creates a loopback server
func New(bindAddr string, opts Options, log *logger.Logger) *Server {
	if opts.Responder == nil {
		opts.Responder = EchoResponder
	}
	return &Server{
		bindAddr: bindAddr,
		opts:     opts,
		logger:   log.With("loopback"),
		peers:    newPeers(log),
		clients:  make(map[*client]struct{}),
		configs:  make(map[string]protocol.ClientConfig),
	}
}

// Handler returns the HTTP handler with every route registered
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleConversation)
	mux.HandleFunc("/signal", s.handleSignaling)
	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.bindAddr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("Starting loopback service on %s (webrtc=%v)", s.bindAddr, s.opts.WebRTC)
	return s.server.ListenAndServe()
}

// Stop closes the listener, every websocket and every peer connection
func (s *Server) Stop() error {
	s.DropAll()
	s.peers.closeAll()
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// DropAll closes every live conversation websocket, as a service restart would
func (s *Server) DropAll() int {
	s.mu.Lock()
	conns := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
	return len(conns)
}

// Stats returns the counters
func (s *Server) Stats() Stats {
	return Stats{
		Connections:       s.connections.Load(),
		TextInputs:        s.texts.Load(),
		Pings:             s.pings.Load(),
		AudioFrames:       s.audio.Load(),
		DataChannelFrames: s.dcAudio.Load(),
		Markers:           s.markers.Load(),
	}
}

// Config returns the last session config received from clientID
func (s *Server) Config(clientID string) (protocol.ClientConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[clientID]
	return cfg, ok
}

// Clients returns the number of live conversation websockets
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"clients":   s.Clients(),
		"peers":     s.peers.count(),
		"stats":     s.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleConversation serves one client on the conversation websocket
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade to WebSocket: %v", err)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	c := &client{id: clientID, conn: conn}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.connections.Add(1)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("Client %s disconnected", clientID)
	}()

	s.logger.Info("Client %s connected", clientID)

	supported := s.opts.WebRTC
	if err := c.send(&protocol.Message{Type: protocol.KindWebRTCSupport, Supported: &supported}); err != nil {
		s.logger.Warn("Failed to send webrtc_support: %v", err)
		return
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("WebSocket read error (client %s): %v", clientID, err)
			return
		}

		if messageType == websocket.BinaryMessage {
			s.audio.Add(1)
			c.recorded.Add(1)
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("Malformed frame from %s: %v", clientID, err)
			c.send(&protocol.Message{Type: protocol.KindError, Message: "malformed frame"})
			continue
		}

		if err := s.handleMessage(c, msg); err != nil {
			s.logger.Debug("Write to client %s failed: %v", clientID, err)
			return
		}
	}
}

func (s *Server) handleMessage(c *client, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.KindPing:
		s.pings.Add(1)
		return c.send(&protocol.Message{Type: protocol.KindPong, Timestamp: msg.Timestamp})

	case protocol.KindConfig:
		if msg.Config != nil {
			s.mu.Lock()
			s.configs[c.id] = *msg.Config
			s.mu.Unlock()
			s.logger.Debug("Config from %s: %+v", c.id, *msg.Config)
		}
		return nil

	case protocol.KindTextInput:
		s.texts.Add(1)
		s.logger.Info("Text from %s (replayed=%v): %q", c.id, msg.Replayed, msg.Text)
		if err := c.send(&protocol.Message{Type: protocol.KindThinking, Timestamp: protocol.Now()}); err != nil {
			return err
		}
		if s.opts.ReplyDelay > 0 {
			time.Sleep(s.opts.ReplyDelay)
		}
		return c.send(&protocol.Message{
			Type:      protocol.KindBotReply,
			Timestamp: protocol.Now(),
			Text:      s.opts.Responder(msg.Text),
		})

	case protocol.KindStopTalking:
		s.logger.Info("Client %s interrupted speech", c.id)
		return nil

	case protocol.KindRecordingStarted:
		s.markers.Add(1)
		c.recorded.Store(0)
		s.logger.Info("Client %s started recording", c.id)
		return nil

	case protocol.KindRecordingStopped:
		s.markers.Add(1)
		s.logger.Info("Client %s stopped recording", c.id)
		return nil

	case protocol.KindTranscriptionComplete:
		s.markers.Add(1)
		frames := c.recorded.Load()
		if frames == 0 {
			return nil
		}
		return c.send(&protocol.Message{
			Type:      protocol.KindTranscription,
			Timestamp: protocol.Now(),
			Text:      fmt.Sprintf("[%d audio frames]", frames),
			Final:     true,
		})

	default:
		s.logger.Warn("Unknown message type from %s: %s", c.id, msg.Type)
		return nil
	}
}

// handleSignaling answers WebRTC offers for the audio DataChannel
func (s *Server) handleSignaling(w http.ResponseWriter, r *http.Request) {
	if !s.opts.WebRTC {
		http.Error(w, "WebRTC disabled", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade to WebSocket: %v", err)
		return
	}
	defer conn.Close()

	peerID := uuid.NewString()
	s.logger.Info("New signaling connection from peer %s (client %s)", peerID, r.URL.Query().Get("client_id"))

	p, err := s.peers.create(peerID, func([]byte) {
		s.dcAudio.Add(1)
	})
	if err != nil {
		s.logger.Error("Failed to create peer connection: %v", err)
		return
	}
	defer s.peers.remove(peerID)

	for {
		var msg protocol.SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			s.logger.Debug("Signaling read error (peer %s): %v", peerID, err)
			break
		}

		switch msg.Type {
		case protocol.SignalOffer:
			answer, err := p.answer(msg.Data)
			if err != nil {
				s.logger.Error("Failed to create answer: %v", err)
				continue
			}
			response := protocol.SignalingMessage{Type: protocol.SignalAnswer, Data: answer}
			if err := conn.WriteJSON(response); err != nil {
				s.logger.Error("Failed to send answer: %v", err)
			}

		case protocol.SignalICE:
			if err := p.addCandidate(msg.Data); err != nil {
				s.logger.Error("Failed to add ICE candidate: %v", err)
			}

		default:
			s.logger.Warn("Unknown signaling message type: %s", msg.Type)
		}
	}

	s.logger.Info("Signaling connection closed for peer %s", peerID)
}

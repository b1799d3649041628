package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alleneee/digital-human/internal/audio"
	"github.com/alleneee/digital-human/internal/channel"
	"github.com/alleneee/digital-human/internal/conversation"
	"github.com/alleneee/digital-human/internal/logger"
)

// Status is the client state reported by /status
type Status struct {
	Channel      channel.State         `json:"channel"`
	Stats        channel.Stats         `json:"stats"`
	Pending      int                   `json:"pending"`
	Recording    bool                  `json:"recording"`
	Sink         string                `json:"sink,omitempty"`
	Audio        audio.Status          `json:"audio"`
	Conversation conversation.Snapshot `json:"conversation"`
}

// Controller is what the API drives
type Controller interface {
	StartRecording(ctx context.Context) error
	StopRecording() error

	// SendText reports whether the text went out now (false = queued)
	SendText(text string) bool
	StopTalking() bool

	// Reconnect restarts the channel; reset also clears connection stats
	Reconnect(reset bool)

	Status() Status
}

// Event is one message pushed to /events subscribers
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
	Time  int64       `json:"time"`
}

// Server handles the HTTP control API
type Server struct {
	bindAddr string
	logger   *logger.ContextLogger
	server   *http.Server
	ctrl     Controller

	// WebSocket connections for event streaming
	wsClients   map[*websocket.Conn]bool
	wsClientsMu sync.Mutex
	wsUpgrader  websocket.Upgrader
}

// New creates a new API server
func New(bindAddr string, ctrl Controller, log *logger.Logger) *Server {
	return &Server{
		bindAddr:  bindAddr,
		logger:    log.With("api"),
		ctrl:      ctrl,
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local dev
			},
		},
	}
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/text", s.handleText)
	mux.HandleFunc("/stop-talking", s.handleStopTalking)
	mux.HandleFunc("/reconnect", s.handleReconnect)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.bindAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting control API on %s", s.bindAddr)
	return s.server.ListenAndServe()
}

// Stop closes the server and every event subscriber
func (s *Server) Stop() error {
	s.wsClientsMu.Lock()
	for conn := range s.wsClients {
		conn.Close()
		delete(s.wsClients, conn)
	}
	s.wsClientsMu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.ctrl.StartRecording(r.Context()); err != nil {
		if errors.Is(err, audio.ErrAlreadyRecording) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
			return
		}
		s.logger.Error("Failed to start: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.ctrl.Status().Recording {
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_running"})
		return
	}

	if err := s.ctrl.StopRecording(); err != nil {
		s.logger.Error("Failed to stop: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	status := "sent"
	if !s.ctrl.SendText(req.Text) {
		status = "queued"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleStopTalking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "sent"
	if !s.ctrl.StopTalking() {
		status = "queued"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reset := r.URL.Query().Get("reset") == "true"
	s.ctrl.Reconnect(reset)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "reconnecting", "reset": reset})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// handleEvents upgrades to WebSocket and streams client events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed: %v", err)
		return
	}

	s.wsClientsMu.Lock()
	s.wsClients[conn] = true
	s.wsClientsMu.Unlock()

	s.logger.Info("Event subscriber connected")

	defer func() {
		s.wsClientsMu.Lock()
		delete(s.wsClients, conn)
		s.wsClientsMu.Unlock()
		conn.Close()
		s.logger.Info("Event subscriber disconnected")
	}()

	// Read messages from client (mainly to detect disconnect)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Subscribers returns the number of connected event subscribers
func (s *Server) Subscribers() int {
	s.wsClientsMu.Lock()
	defer s.wsClientsMu.Unlock()
	return len(s.wsClients)
}

// Broadcast sends an event to all connected subscribers
func (s *Server) Broadcast(event string, data interface{}) {
	payload, err := json.Marshal(Event{Event: event, Data: data, Time: time.Now().UnixMilli()})
	if err != nil {
		s.logger.Error("Failed to marshal event %s: %v", event, err)
		return
	}

	s.wsClientsMu.Lock()
	defer s.wsClientsMu.Unlock()

	for conn := range s.wsClients {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.logger.Warn("Failed to send to event subscriber: %v", err)
		}
	}
}

package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/alleneee/digital-human/internal/audio"
	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/metrics"
	"github.com/alleneee/digital-human/internal/protocol"
)

// DataChannelSink streams frames to the transcription service over a WebRTC
// DataChannel negotiated through a websocket signaling endpoint. Each Open
// creates a fresh peer connection for one recording.
type DataChannelSink struct {
	signalURL string
	clientID  string
	logger    *logger.ContextLogger

	mu     sync.Mutex
	ws     *websocket.Conn
	wsMu   sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	open   bool
	closed chan struct{}
}

// NewDataChannelSink creates a sink for the signaling endpoint signalURL
func NewDataChannelSink(signalURL, clientID string, log *logger.Logger) *DataChannelSink {
	return &DataChannelSink{
		signalURL: signalURL,
		clientID:  clientID,
		logger:    log.With("webrtc"),
	}
}

func (s *DataChannelSink) Name() string { return "datachannel" }

func (s *DataChannelSink) endpoint() (string, error) {
	u, err := url.Parse(s.signalURL)
	if err != nil {
		return "", fmt.Errorf("invalid signal url %q: %w", s.signalURL, err)
	}
	if s.clientID != "" {
		q := u.Query()
		q.Set("client_id", s.clientID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Open negotiates the peer connection and waits until the DataChannel is
// open or ctx ends
func (s *DataChannelSink) Open(ctx context.Context) error {
	endpoint, err := s.endpoint()
	if err != nil {
		return err
	}

	s.logger.Info("Connecting to signaling at %s", s.signalURL)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to connect signaling websocket: %w", err)
	}

	// Empty for localhost connections - ICE servers not needed
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		ws.Close()
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info("Connection state: %s", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			s.setOpen(false)
		}
	})

	ordered := true
	dc, err := pc.CreateDataChannel("audio", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		ws.Close()
		return fmt.Errorf("failed to create data channel: %w", err)
	}

	opened := make(chan struct{})
	var openOnce sync.Once
	dc.OnOpen(func() {
		s.logger.Info("DataChannel opened")
		s.setOpen(true)
		openOnce.Do(func() { close(opened) })
	})
	dc.OnClose(func() {
		s.logger.Info("DataChannel closed")
		s.setOpen(false)
	})
	dc.OnError(func(err error) {
		s.logger.Error("DataChannel error: %v", err)
	})

	s.mu.Lock()
	s.ws, s.pc, s.dc = ws, pc, dc
	s.closed = make(chan struct{})
	closed := s.closed
	s.mu.Unlock()

	if err := s.sendOffer(pc); err != nil {
		s.Close()
		return err
	}

	go s.handleSignaling(ws, pc, closed)

	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		s.Close()
		return fmt.Errorf("datachannel negotiation: %w", ctx.Err())
	case <-closed:
		return fmt.Errorf("datachannel negotiation: signaling closed")
	}
}

// sendOffer sends a complete offer after candidate gathering, so the answer
// side never sees a candidate before the description
func (s *DataChannelSink) sendOffer(pc *webrtc.PeerConnection) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		s.logger.Warn("ICE gathering did not complete, sending partial offer")
	}

	offerJSON, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		return fmt.Errorf("failed to marshal offer: %w", err)
	}

	if err := s.writeSignal(protocol.SignalingMessage{Type: protocol.SignalOffer, Data: offerJSON}); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	s.logger.Debug("Sent offer")
	return nil
}

func (s *DataChannelSink) writeSignal(msg protocol.SignalingMessage) error {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws == nil {
		return ErrSinkNotReady
	}

	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return ws.WriteJSON(msg)
}

// handleSignaling processes answer and candidate messages from the service
func (s *DataChannelSink) handleSignaling(ws *websocket.Conn, pc *webrtc.PeerConnection, closed chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.closed == closed {
			close(closed)
			s.closed = nil
		}
		s.mu.Unlock()
	}()

	for {
		var msg protocol.SignalingMessage
		if err := ws.ReadJSON(&msg); err != nil {
			s.logger.Debug("Signaling websocket closed: %v", err)
			return
		}

		switch msg.Type {
		case protocol.SignalAnswer:
			var answer webrtc.SessionDescription
			if err := json.Unmarshal(msg.Data, &answer); err != nil {
				s.logger.Error("Failed to unmarshal answer: %v", err)
				continue
			}
			if err := pc.SetRemoteDescription(answer); err != nil {
				s.logger.Error("Failed to set remote description: %v", err)
				continue
			}
			s.logger.Debug("Set remote description (answer)")

		case protocol.SignalICE:
			var candidate webrtc.ICECandidateInit
			if err := json.Unmarshal(msg.Data, &candidate); err != nil {
				s.logger.Error("Failed to unmarshal ICE candidate: %v", err)
				continue
			}
			if err := pc.AddICECandidate(candidate); err != nil {
				s.logger.Error("Failed to add ICE candidate: %v", err)
			}

		default:
			s.logger.Warn("Unknown signaling message type: %s", msg.Type)
		}
	}
}

func (s *DataChannelSink) setOpen(v bool) {
	s.mu.Lock()
	s.open = v
	s.mu.Unlock()
}

// Ready reports whether the DataChannel is open
func (s *DataChannelSink) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Write sends one frame as a binary DataChannel message
func (s *DataChannelSink) Write(f audio.Frame) error {
	s.mu.Lock()
	dc, open := s.dc, s.open
	s.mu.Unlock()

	if !open || dc == nil {
		metrics.AudioFrames.WithLabelValues("dropped").Inc()
		return ErrSinkNotReady
	}
	if err := dc.Send(f.Bytes()); err != nil {
		metrics.AudioFrames.WithLabelValues("dropped").Inc()
		return fmt.Errorf("frame %d: %w", f.Seq, err)
	}
	metrics.AudioFrames.WithLabelValues("sent").Inc()
	return nil
}

// Close tears the peer connection and signaling down. Safe to call when not open.
func (s *DataChannelSink) Close() error {
	s.mu.Lock()
	ws, pc, dc := s.ws, s.pc, s.dc
	s.ws, s.pc, s.dc = nil, nil, nil
	s.open = false
	s.mu.Unlock()

	var err error
	if dc != nil {
		dc.Close()
	}
	if pc != nil {
		err = pc.Close()
	}
	if ws != nil {
		ws.Close()
	}
	return err
}

package loopback

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/alleneee/digital-human/internal/logger"
)

// How long an answer waits for local candidate gathering
const gatherTimeout = 5 * time.Second

// peers tracks the answering side of DataChannel audio connections
type peers struct {
	logger *logger.ContextLogger
	config webrtc.Configuration

	mu    sync.RWMutex
	conns map[string]*peer
}

// peer is a single answering peer connection
type peer struct {
	id      string
	pc      *webrtc.PeerConnection
	logger  *logger.ContextLogger
	onFrame func(data []byte)
}

func newPeers(log *logger.Logger) *peers {
	return &peers{
		logger: log.With("loopback-webrtc"),
		conns:  make(map[string]*peer),
	}
}

// create registers a peer connection that delivers every DataChannel
// message to onFrame
func (m *peers) create(id string, onFrame func(data []byte)) (*peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[id]; exists {
		return nil, fmt.Errorf("peer connection %s already exists", id)
	}

	pc, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &peer{id: id, pc: pc, logger: m.logger, onFrame: onFrame}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("Peer %s connection state: %s", id, state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			go m.remove(id)
		}
	})

	// The client creates the channel
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.logger.Info("DataChannel '%s' opened by peer %s", dc.Label(), id)

		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if p.onFrame != nil {
				p.onFrame(msg.Data)
			}
		})
		dc.OnClose(func() {
			p.logger.Debug("DataChannel '%s' closed", dc.Label())
		})
	})

	m.conns[id] = p
	return p, nil
}

func (m *peers) remove(id string) {
	m.mu.Lock()
	p, exists := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if exists {
		p.pc.Close()
		m.logger.Debug("Removed peer connection %s", id)
	}
}

func (m *peers) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *peers) closeAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*peer)
	m.mu.Unlock()

	for _, p := range conns {
		p.pc.Close()
	}
}

// answer applies a remote offer and returns a complete answer, gathered
// before it is sent so no trickled candidates are needed
func (p *peer) answer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal offer: %w", err)
	}

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(gatherTimeout):
		p.logger.Warn("ICE gathering did not complete for peer %s", p.id)
	}

	return json.Marshal(p.pc.LocalDescription())
}

func (p *peer) addCandidate(candidateJSON []byte) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(candidateJSON, &candidate); err != nil {
		return fmt.Errorf("failed to unmarshal ICE candidate: %w", err)
	}
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

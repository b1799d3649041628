package protocol

import "encoding/json"

// Signaling message types exchanged while negotiating the WebRTC audio path
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalICE    = "ice"
)

// SignalingMessage is used for WebRTC signaling over a websocket. Data holds
// a session description or an ICE candidate.
type SignalingMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

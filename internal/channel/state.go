package channel

import (
	"time"

	"github.com/alleneee/digital-human/internal/metrics"
)

// State describes the channel lifecycle state shown in the UI
type State string

const (
	StateOffline      State = "offline"
	StateConnecting   State = "connecting"
	StateOnline       State = "online"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed" // retry budget exhausted; needs Restart
)

var allStates = []State{StateOffline, StateConnecting, StateOnline, StateReconnecting, StateFailed}

// Event is published on every state transition
type Event struct {
	From State
	To   State

	// Reconnect attempt number (1-based) and the delay before it, when To is Reconnecting
	Attempt int
	Delay   time.Duration

	// Pending messages delivered on the transition to Online
	Replayed int

	// Notify is set when the transition deserves a user-visible notification:
	// the first disconnect, every few attempts of a long outage, and Failed.
	Notify bool

	Err error
}

func publishState(s State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.ChannelState.WithLabelValues(string(st)).Set(v)
	}
}

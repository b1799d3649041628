package channel

import "context"

// Frame is one message unit on the transport: JSON text or raw binary
type Frame struct {
	Binary bool
	Data   []byte
}

// Transport is one physical connection. ReadFrame blocks until a frame
// arrives or the connection ends.
type Transport interface {
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error
	Close() error
}

// Dialer opens a new Transport
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// Inbound receives frames in arrival order
type Inbound interface {
	Enqueue(f Frame)
}

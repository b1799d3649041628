package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alleneee/digital-human/internal/channel"
	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/metrics"
	"github.com/alleneee/digital-human/internal/protocol"
)

// PongObserver receives the echoed timestamp of every pong before handlers
// see it
type PongObserver interface {
	ObservePong(echoed int64) (time.Duration, bool)
}

// Handler processes one decoded inbound message
type Handler func(msg *protocol.Message)

// BinaryHandler processes one inbound media payload
type BinaryHandler func(data []byte)

type item struct {
	msg    *protocol.Message
	binary []byte
}

// Router classifies inbound frames by kind and dispatches them to registered
// handlers. Frames are accepted from the transport read loop via Enqueue and
// dispatched in arrival order by Run, so a slow handler never stalls reads.
type Router struct {
	observer PongObserver
	logger   *logger.ContextLogger

	mu       sync.RWMutex
	handlers map[protocol.Kind][]Handler
	any      []Handler
	binary   []BinaryHandler

	inboxMu sync.Mutex
	inbox   []item
	wake    chan struct{}
}

// New creates a router. observer may be nil.
func New(observer PongObserver, log *logger.Logger) *Router {
	return &Router{
		observer: observer,
		logger:   log.With("router"),
		handlers: make(map[protocol.Kind][]Handler),
		wake:     make(chan struct{}, 1),
	}
}

// Handle registers fn for kind. Several handlers per kind run in
// registration order.
func (r *Router) Handle(kind protocol.Kind, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], fn)
}

// HandleAny registers fn for every known kind, after the kind handlers
func (r *Router) HandleAny(fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.any = append(r.any, fn)
}

// HandleBinary registers fn for binary media frames
func (r *Router) HandleBinary(fn BinaryHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.binary = append(r.binary, fn)
}

// Enqueue implements channel.Inbound. It decodes the frame, applies pong
// accounting and queues the result for Run. It never blocks on handlers.
func (r *Router) Enqueue(f channel.Frame) {
	var it item
	if f.Binary {
		it.binary = f.Data
	} else {
		msg, err := r.decode(f.Data)
		if err != nil {
			return
		}
		it.msg = msg
	}

	r.inboxMu.Lock()
	r.inbox = append(r.inbox, it)
	r.inboxMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Router) decode(data []byte) (*protocol.Message, error) {
	msg, err := protocol.Decode(data)
	if err != nil {
		metrics.ProtocolErrors.WithLabelValues("malformed").Inc()
		r.logger.Warn("Dropping malformed frame: %v", err)
		return nil, err
	}
	if !msg.Type.Known() {
		metrics.ProtocolErrors.WithLabelValues("unknown").Inc()
		r.logger.Warn("Dropping frame of unknown kind %q", msg.Type)
		return nil, fmt.Errorf("unknown kind %q", msg.Type)
	}

	if msg.Type == protocol.KindPong && r.observer != nil {
		if rtt, ok := r.observer.ObservePong(msg.Timestamp); ok {
			r.logger.Debug("Pong round trip %v", rtt)
		}
	}
	return msg, nil
}

// Run dispatches queued frames in arrival order until ctx is cancelled
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}

		for {
			r.inboxMu.Lock()
			if len(r.inbox) == 0 {
				r.inboxMu.Unlock()
				break
			}
			it := r.inbox[0]
			r.inbox[0] = item{}
			r.inbox = r.inbox[1:]
			r.inboxMu.Unlock()

			if it.msg != nil {
				r.Dispatch(it.msg)
			} else {
				r.dispatchBinary(it.binary)
			}

			if ctx.Err() != nil {
				return
			}
		}
	}
}

// Dispatch invokes the handlers registered for msg.Type. Unknown kinds are
// dropped with a diagnostic. A failing handler does not stop the others.
func (r *Router) Dispatch(msg *protocol.Message) {
	if msg == nil {
		return
	}
	if !msg.Type.Known() {
		metrics.ProtocolErrors.WithLabelValues("unknown").Inc()
		r.logger.Warn("Dropping frame of unknown kind %q", msg.Type)
		return
	}
	metrics.InboundFrames.WithLabelValues(string(msg.Type)).Inc()

	r.mu.RLock()
	handlers := append([]Handler{}, r.handlers[msg.Type]...)
	handlers = append(handlers, r.any...)
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug("No handler for %s", msg.Type)
		return
	}

	for _, h := range handlers {
		if err := invoke(func() { h(msg) }); err != nil {
			metrics.HandlerPanics.Inc()
			r.logger.Error("Handler for %s failed: %v", msg.Type, err)
		}
	}
}

func (r *Router) dispatchBinary(data []byte) {
	metrics.InboundFrames.WithLabelValues("binary").Inc()

	r.mu.RLock()
	handlers := append([]BinaryHandler{}, r.binary...)
	r.mu.RUnlock()

	for _, h := range handlers {
		if err := invoke(func() { h(data) }); err != nil {
			metrics.HandlerPanics.Inc()
			r.logger.Error("Binary handler failed: %v", err)
		}
	}
}

// Pending returns the number of frames waiting for dispatch
func (r *Router) Pending() int {
	r.inboxMu.Lock()
	defer r.inboxMu.Unlock()
	return len(r.inbox)
}

func invoke(fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if e, ok := rec.(error); ok {
				err = e
				return
			}
			err = errors.New(fmt.Sprint(rec))
		}
	}()
	fn()
	return nil
}

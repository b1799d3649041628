package channel

import (
	"sync"

	"github.com/alleneee/digital-human/internal/metrics"
	"github.com/alleneee/digital-human/internal/protocol"
)

// Queue holds outbound messages that could not be delivered. Insertion order
// is conversational turn order and is preserved on replay.
type Queue struct {
	mu    sync.Mutex
	items []*protocol.Message

	// serialises Flush so the head can be removed without re-checking identity
	flushMu sync.Mutex
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends msg. Kinds that are not queueable are ignored.
func (q *Queue) Enqueue(msg *protocol.Message) bool {
	if msg == nil || !msg.Type.Queueable() {
		return false
	}

	q.mu.Lock()
	q.items = append(q.items, msg)
	n := len(q.items)
	q.mu.Unlock()

	metrics.PendingMessages.Set(float64(n))
	return true
}

// Flush hands messages to send in FIFO order, removing each one after it is
// sent. It stops at the first error; already-sent messages stay removed and
// the rest stay queued for the next flush.
func (q *Queue) Flush(send func(*protocol.Message) error) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	sent := 0
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			metrics.PendingMessages.Set(0)
			return sent, nil
		}
		head := q.items[0]
		q.mu.Unlock()

		// Queued entry stays unmarked until the send succeeds
		msg := *head
		msg.Replayed = true
		if err := send(&msg); err != nil {
			metrics.PendingMessages.Set(float64(q.Len()))
			return sent, err
		}

		q.mu.Lock()
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		sent++
		metrics.MessagesReplayed.Inc()
	}
}

// Len returns the number of pending messages
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the pending messages in order
func (q *Queue) Snapshot() []protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]protocol.Message, len(q.items))
	for i, m := range q.items {
		out[i] = *m
	}
	return out
}

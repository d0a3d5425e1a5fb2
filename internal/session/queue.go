package session

import (
	"sync"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/protocol"
)

// outQueue is the bounded ordered channel that serializes all writes to
// one connection. Enqueue never blocks; overflow surfaces as
// domain.ErrQueueFull so callers can mark the connection unresponsive
// instead of dropping silently.
type outQueue struct {
	mu     sync.Mutex
	ch     chan protocol.Envelope
	closed bool
}

func newOutQueue(size int) *outQueue {
	return &outQueue{ch: make(chan protocol.Envelope, size)}
}

func (q *outQueue) Enqueue(env protocol.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrConnectionUnknown
	}
	select {
	case q.ch <- env:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

func (q *outQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (q *outQueue) Len() int {
	return len(q.ch)
}

package gateway

import (
	"sync"

	"github.com/driftsync/driftsync/backend"
)

// eventQueue decouples event emission (backend side) from transport writes
// (stream task side). It is bounded; on overflow the oldest queued event is
// dropped so a slow client degrades by losing history rather than growing
// memory or blocking emitters.
type eventQueue struct {
	mu    sync.Mutex
	buf   []backend.Event
	cap   int
	ready chan struct{}
}

func newEventQueue(capacity int) *eventQueue {
	return &eventQueue{cap: capacity, ready: make(chan struct{}, 1)}
}

// push enqueues ev, reporting whether an older event was dropped to make
// room. Never blocks.
func (q *eventQueue) push(ev backend.Event) (dropped bool) {
	q.mu.Lock()
	if len(q.buf) >= q.cap {
		q.buf = q.buf[1:]
		dropped = true
	}
	q.buf = append(q.buf, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// pop dequeues the oldest event, if any.
func (q *eventQueue) pop() (backend.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return backend.Event{}, false
	}
	ev := q.buf[0]
	q.buf = q.buf[1:]
	return ev, true
}

package client

import "sync"

// eventQueue is an unbounded FIFO of events for one subscriber.
//
// The reader goroutine enqueues without ever blocking; the subscriber's own
// goroutine drains it. signal has a buffer of one so repeated enqueues
// coalesce into a single wake-up.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// enqueue appends e. Returns false once the queue is closed.
func (q *eventQueue) enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue pops the front event without blocking.
func (q *eventQueue) tryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	// release the payload for GC
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// drained reports whether the queue is closed and empty.
func (q *eventQueue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.events) == 0
}

func (q *eventQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// close stops further enqueues. Events already queued are still delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

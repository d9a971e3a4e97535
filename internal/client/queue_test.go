package client

import (
	"testing"

	"expensedb/internal/protocol"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()
	for _, id := range []string{"a", "b", "c"} {
		if !q.enqueue(Event{Op: protocol.OpCategoryGet, ID: id}) {
			t.Fatalf("enqueue %s rejected", id)
		}
	}
	if q.size() != 3 {
		t.Fatalf("size = %d, want 3", q.size())
	}

	for _, want := range []string{"a", "b", "c"} {
		e, ok := q.tryDequeue()
		if !ok || e.ID != want {
			t.Fatalf("dequeue = %q, %v; want %q", e.ID, ok, want)
		}
	}
	if _, ok := q.tryDequeue(); ok {
		t.Fatal("dequeue from empty queue succeeded")
	}
}

func TestEventQueue_CloseKeepsQueuedEvents(t *testing.T) {
	q := newEventQueue()
	q.enqueue(Event{ID: "kept"})
	q.close()
	q.close()

	if q.enqueue(Event{ID: "late"}) {
		t.Fatal("enqueue after close accepted")
	}
	if q.drained() {
		t.Fatal("queue with a pending event reported drained")
	}
	if e, ok := q.tryDequeue(); !ok || e.ID != "kept" {
		t.Fatalf("dequeue = %q, %v", e.ID, ok)
	}
	if !q.drained() {
		t.Fatal("closed empty queue not drained")
	}

	// the signal channel is closed so waiters never block
	select {
	case <-q.wait():
	default:
		t.Fatal("wait blocked on closed queue")
	}
}

func TestEventQueue_SignalCoalesces(t *testing.T) {
	q := newEventQueue()
	for i := 0; i < 100; i++ {
		q.enqueue(Event{})
	}
	<-q.wait()
	select {
	case <-q.wait():
		t.Fatal("expected a single pending signal")
	default:
	}
	if q.size() != 100 {
		t.Fatalf("size = %d, want 100", q.size())
	}
}

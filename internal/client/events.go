package client

import (
	"encoding/json"
	"fmt"

	"expensedb/internal/core"
	"expensedb/internal/log"
	"expensedb/internal/protocol"
)

// Event is one settled reply, published to subscribers whether or not a
// caller was still waiting for it.
type Event struct {
	Op     protocol.Operation
	ID     string
	Result json.RawMessage
	// Err is a *protocol.RemoteError when the worker reported a failure.
	Err error
}

// Decode unmarshals the event's result into v.
func (e Event) Decode(v any) error {
	if e.Err != nil {
		return e.Err
	}
	if err := json.Unmarshal(e.Result, v); err != nil {
		return fmt.Errorf("%w: decode %s event: %v", core.ErrInvalid, e.Op, err)
	}
	return nil
}

func eventFrom(resp *protocol.Response) Event {
	e := Event{Op: resp.Op, ID: resp.ID, Result: resp.Result}
	if resp.Error != "" {
		e.Err = resp.Err()
	}
	return e
}

// Handler receives events in the order the client read them.
type Handler func(Event)

type subscriber struct {
	id      uint64
	ops     map[protocol.Operation]bool // nil means every operation
	handler Handler
	queue   *eventQueue
	done    chan struct{}
	logger  *log.Logger
}

func (s *subscriber) wants(op protocol.Operation) bool {
	return s.ops == nil || s.ops[op]
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		if e, ok := s.queue.tryDequeue(); ok {
			s.deliver(e)
			continue
		}
		if s.queue.drained() {
			return
		}
		<-s.queue.wait()
	}
}

func (s *subscriber) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Subscriber panicked",
				log.FieldOperation, e.Op.String(),
				log.FieldRequestID, e.ID,
				"subscriber", s.id,
				"panic", r)
		}
	}()
	s.handler(e)
}

// Subscribe registers handler for replies to the given operations, or to
// every operation when none are given. Each subscriber has its own queue and
// goroutine, so a slow handler delays only itself. The returned function
// unsubscribes; events already queued are still delivered.
func (c *Client) Subscribe(handler Handler, ops ...protocol.Operation) (unsubscribe func()) {
	s := &subscriber{
		handler: handler,
		queue:   newEventQueue(),
		done:    make(chan struct{}),
		logger:  c.logger,
	}
	if len(ops) > 0 {
		s.ops = make(map[protocol.Operation]bool, len(ops))
		for _, op := range ops {
			s.ops[op] = true
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.nextSub++
	s.id = c.nextSub
	c.subs[s.id] = s
	c.mu.Unlock()

	go s.run()

	return func() {
		c.mu.Lock()
		delete(c.subs, s.id)
		c.mu.Unlock()
		s.queue.close()
	}
}

// publish fans e out to every interested subscriber without blocking.
func (c *Client) publish(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if s.wants(e.Op) {
			s.queue.enqueue(e)
		}
	}
}

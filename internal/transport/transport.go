// Package transport is the byte channel between the host and the worker.
//
// A Conn is one endpoint. Messages sent on one endpoint arrive, in order, on
// the Messages channel of the other. Nothing but the byte slices crosses the
// connection.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send once either endpoint has been closed.
var ErrClosed = errors.New("transport closed")

type Conn interface {
	// Send delivers msg to the peer. It blocks while the peer's inbox is full.
	Send(ctx context.Context, msg []byte) error

	// Messages yields inbound messages. It is closed when the connection
	// shuts down.
	Messages() <-chan []byte

	// Done is closed when the connection shuts down.
	Done() <-chan struct{}

	Close() error
}

// DefaultBuffer is the inbox size used when Pipe is given a non-positive one.
const DefaultBuffer = 64

type pipe struct {
	mu   sync.RWMutex
	once sync.Once
	done chan struct{}
	toA  chan []byte
	toB  chan []byte
}

type endpoint struct {
	p     *pipe
	inbox chan []byte
	peer  chan []byte
}

// Pipe returns two connected in-process endpoints. Closing either one closes
// both. Messages are copied on send, so callers may reuse their buffers.
func Pipe(buffer int) (Conn, Conn) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	p := &pipe{
		done: make(chan struct{}),
		toA:  make(chan []byte, buffer),
		toB:  make(chan []byte, buffer),
	}
	a := &endpoint{p: p, inbox: p.toA, peer: p.toB}
	b := &endpoint{p: p, inbox: p.toB, peer: p.toA}
	return a, b
}

func (e *endpoint) Send(ctx context.Context, msg []byte) error {
	// The read lock keeps Close from closing the peer channel mid-send.
	e.p.mu.RLock()
	defer e.p.mu.RUnlock()

	select {
	case <-e.p.done:
		return ErrClosed
	default:
	}

	buf := make([]byte, len(msg))
	copy(buf, msg)

	select {
	case e.peer <- buf:
		return nil
	case <-e.p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *endpoint) Messages() <-chan []byte {
	return e.inbox
}

func (e *endpoint) Done() <-chan struct{} {
	return e.p.done
}

func (e *endpoint) Close() error {
	e.p.once.Do(func() {
		close(e.p.done)
		e.p.mu.Lock()
		close(e.p.toA)
		close(e.p.toB)
		e.p.mu.Unlock()
	})
	return nil
}

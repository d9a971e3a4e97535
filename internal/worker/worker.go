// Package worker hosts a dispatcher on one end of a transport connection.
// It is the isolated side of the system: the only way in or out is the
// connection it serves.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"expensedb/internal/dispatcher"
	"expensedb/internal/log"
	"expensedb/internal/transport"
)

// Worker runs a dispatcher's Serve loop in the background.
type Worker struct {
	dispatcher *dispatcher.Dispatcher
	conn       transport.Conn
	logger     *log.Logger

	// Lifecycle management
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
	err     error
}

// New creates a worker serving d on conn. A nil logger logs to stdout.
func New(d *dispatcher.Dispatcher, conn transport.Conn, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &Worker{
		dispatcher: d,
		conn:       conn,
		logger:     logger.WithComponent(log.ComponentWorker),
	}
}

// Start begins serving. Returns an error if already running.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("worker is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.doneCh = make(chan struct{})
	w.err = nil

	go w.run(runCtx, w.doneCh)

	w.logger.InfoContext(ctx, "Worker started", log.FieldOperation, log.OpStartup)
	return nil
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	err := w.dispatcher.Serve(ctx, w.conn)
	if err != nil {
		w.logger.ErrorContext(ctx, "Serve loop failed", log.FieldError, err)
	}

	// the database handle lives exactly as long as the worker
	if cerr := w.dispatcher.Close(); cerr != nil {
		w.logger.WarnContext(ctx, "Failed to close database", log.FieldError, cerr)
	}
	if cerr := w.conn.Close(); cerr != nil {
		w.logger.DebugContext(ctx, "Failed to close connection", log.FieldError, cerr)
	}

	w.mu.Lock()
	w.running = false
	w.err = err
	w.cancel()
	w.mu.Unlock()
}

// Stop cancels the serve loop and waits for in-flight requests to finish
// or for ctx to expire.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel, done := w.cancel, w.doneCh
	w.mu.Unlock()

	start := time.Now()
	cancel()

	select {
	case <-done:
		w.logger.InfoContext(ctx, "Worker stopped gracefully",
			log.FieldOperation, log.OpShutdown,
			log.FieldDuration, time.Since(start).Milliseconds())
	case <-ctx.Done():
		w.logger.WarnContext(ctx, "Worker stop timed out", log.FieldOperation, log.OpShutdown)
		return ctx.Err()
	}
	return nil
}

// IsRunning returns whether the serve loop is active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Done is closed when the serve loop of the latest Start exits, either
// through Stop or because the connection closed. It is nil before Start.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doneCh
}

// Err reports why the last serve loop ended. A clean shutdown is nil.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stats exposes the dispatcher's request counters.
func (w *Worker) Stats() dispatcher.Stats {
	return w.dispatcher.Stats()
}

// Package dispatcher runs inside the worker. It owns the database handle,
// decodes request envelopes, routes them by operation to the storage engine
// and produces exactly one response envelope per request.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"expensedb/internal/core"
	"expensedb/internal/log"
	"expensedb/internal/protocol"
	"expensedb/internal/storage"
)

// State of the database handle.
type State int32

const (
	StateUninitialized State = iota
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "ready"
	}
	return "uninitialized"
}

// DefaultMaxInFlight bounds concurrently executing requests in Serve.
const DefaultMaxInFlight = 16

type Options struct {
	// DataDir holds one <name>.db file per database.
	DataDir     string
	BusyTimeout time.Duration
	MaxInFlight int
	Logger      *log.Logger
}

type Dispatcher struct {
	opts   Options
	logger *log.Logger

	// mu guards store and name. CRUD requests share the read lock;
	// INITIALIZE and DROP take the write lock to swap the handle.
	mu    sync.RWMutex
	store *storage.Store
	name  string

	opening singleflight.Group
	metrics metrics
}

func New(opts Options) *Dispatcher {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = storage.DefaultBusyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &Dispatcher{
		opts:   opts,
		logger: logger.WithComponent(log.ComponentDispatcher),
	}
}

// State reports whether a database is open.
func (d *Dispatcher) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.store == nil {
		return StateUninitialized
	}
	return StateReady
}

// Database returns the name of the open database, or "" when uninitialized.
func (d *Dispatcher) Database() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// Handle decodes one request envelope and returns the encoded response.
// Undecodable input still yields a response, with an empty operation and id
// when they could not be read.
func (d *Dispatcher) Handle(ctx context.Context, data []byte) []byte {
	var resp *protocol.Response
	req, err := protocol.RequestFromJSON(data)
	if err != nil {
		d.metrics.record(0, true)
		d.logger.WarnContext(ctx, "Undecodable request envelope", log.FieldError, err)
		resp = protocol.Failure("", "", err)
	} else {
		resp = d.HandleRequest(ctx, req)
	}

	out, err := resp.ToJSON()
	if err != nil {
		// only reachable if a result failed to marshal after Success
		out, _ = protocol.Failure(resp.Op, resp.ID, fmt.Errorf("%w: encode response: %v", core.ErrStorage, err)).ToJSON()
	}
	return out
}

// HandleRequest executes req and returns its response. It never panics and
// never returns nil.
func (d *Dispatcher) HandleRequest(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "Recovered from panic while handling request",
				log.FieldOperation, req.Op.String(),
				log.FieldRequestID, req.ID,
				"panic", r)
			resp = protocol.Failure(req.Op, req.ID, fmt.Errorf("%w: internal error: %v", core.ErrStorage, r))
		}

		elapsed := time.Since(start)
		var err error
		if resp.Error != "" {
			err = errors.New(resp.Error)
		}
		d.metrics.record(elapsed, err != nil)
		d.logger.LogRequest(ctx, req.Op.String(), req.ID, elapsed, string(resp.Kind), err)
	}()

	result, err := d.route(ctx, req)
	if err != nil {
		return protocol.Failure(req.Op, req.ID, err)
	}

	resp, err = protocol.Success(req, result)
	if err != nil {
		return protocol.Failure(req.Op, req.ID, fmt.Errorf("%w: %v", core.ErrStorage, err))
	}
	return resp
}

func (d *Dispatcher) route(ctx context.Context, req *protocol.Request) (any, error) {
	switch req.Op {
	case protocol.OpInitialize:
		var p protocol.NameParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return true, d.initialize(ctx, p.Name)

	case protocol.OpDrop:
		var p protocol.NameParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return true, d.drop(ctx, p.Name)
	}

	h, ok := handlers[req.Op]
	if !ok {
		return nil, fmt.Errorf("%w: unknown operation %q", core.ErrInvalid, req.Op)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.store == nil {
		return nil, fmt.Errorf("%s: %w: call %s first", req.Op, core.ErrNotInitialized, protocol.OpInitialize)
	}
	return h(ctx, d.store, req)
}

func (d *Dispatcher) path(name string) string {
	return filepath.Join(d.opts.DataDir, name+".db")
}

// initialize opens the named database. Concurrent calls for the same name
// share one open; once ready, a call with the same name is a no-op and a
// call with another name is rejected.
func (d *Dispatcher) initialize(ctx context.Context, name string) error {
	if err := core.ValidateDatabaseName(name); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalid, err)
	}

	if ready, err := d.ready(name); ready || err != nil {
		return err
	}

	_, err, shared := d.opening.Do(name, func() (any, error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		if d.store != nil {
			return nil, d.sameDatabase(name)
		}

		// The open must not be abandoned halfway because one waiting caller
		// went away; the other callers share its result.
		store, err := storage.Open(context.WithoutCancel(ctx), d.path(name), storage.Options{
			BusyTimeout: d.opts.BusyTimeout,
			Logger:      d.logger,
		})
		if err != nil {
			return nil, err
		}

		d.store = store
		d.name = name
		d.logger.InfoContext(ctx, "Database initialized",
			log.FieldDatabase, name,
			log.FieldState, StateReady.String())
		return nil, nil
	})
	if shared {
		d.logger.DebugContext(ctx, "Joined in-flight initialize", log.FieldDatabase, name)
	}
	return err
}

// ready reports whether a database is already open, and whether it is name.
func (d *Dispatcher) ready(name string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.store == nil {
		return false, nil
	}
	return true, d.sameDatabase(name)
}

// sameDatabase must be called with mu held.
func (d *Dispatcher) sameDatabase(name string) error {
	if d.name == name {
		return nil
	}
	return fmt.Errorf("%w: database %q is open, drop it before initializing %q", core.ErrInvalid, d.name, name)
}

// drop deletes the named database. Dropping the open database closes the
// handle first and returns the dispatcher to uninitialized.
func (d *Dispatcher) drop(ctx context.Context, name string) error {
	if err := core.ValidateDatabaseName(name); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalid, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.store != nil && d.name == name {
		if err := d.store.Close(); err != nil {
			d.logger.WarnContext(ctx, "Failed to close database before drop",
				log.FieldDatabase, name,
				log.FieldError, err)
		}
		d.store = nil
		d.name = ""
	}

	if err := storage.Remove(d.path(name)); err != nil {
		return err
	}

	d.logger.InfoContext(ctx, "Database dropped",
		log.FieldDatabase, name,
		log.FieldState, d.stateLocked().String())
	return nil
}

func (d *Dispatcher) stateLocked() State {
	if d.store == nil {
		return StateUninitialized
	}
	return StateReady
}

// Close releases the open database, if any. The files are kept.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.store == nil {
		return nil
	}
	err := d.store.Close()
	d.store = nil
	d.name = ""
	return err
}

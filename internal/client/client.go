// Package client is the host side of the worker connection. It multiplexes
// many concurrent calls over one transport.Conn, matching each reply to its
// caller by operation and correlation id, and republishes every reply as an
// Event for subscribers such as projection stores.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"expensedb/internal/cache"
	"expensedb/internal/core"
	"expensedb/internal/log"
	"expensedb/internal/protocol"
	"expensedb/internal/transport"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultCacheSize = 128
	DefaultCacheTTL  = 5 * time.Minute
)

// ErrTimeout is returned when no reply arrived in time. The request may
// still complete on the worker; its reply is then only seen by subscribers.
var ErrTimeout = errors.New("request timed out")

type Options struct {
	// Timeout applies to calls whose context has no deadline.
	Timeout time.Duration
	// CacheSize bounds the attachment cache. Negative disables it.
	CacheSize int
	CacheTTL  time.Duration
	Logger    *log.Logger
}

type pendingKey struct {
	op protocol.Operation
	id string
}

type Client struct {
	conn   transport.Conn
	opts   Options
	logger *log.Logger

	mu      sync.Mutex
	pending map[pendingKey]chan *protocol.Response
	subs    map[uint64]*subscriber
	nextSub uint64
	closed  bool

	// cacheMu orders cache fills against invalidations. writes counts the
	// attachment writes, initializes and drops observed on the wire.
	cacheMu     sync.Mutex
	writes      uint64
	attachments *cache.LRUCache[core.Attachment]
	caches      *cache.Manager

	// gone closes when the reader stops, readerDone once subscribers drained.
	gone       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

// New starts reading replies from conn. The client owns conn from here on.
func New(conn transport.Conn, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}

	c := &Client{
		conn:       conn,
		opts:       opts,
		logger:     logger.WithComponent(log.ComponentClient),
		pending:    make(map[pendingKey]chan *protocol.Response),
		subs:       make(map[uint64]*subscriber),
		caches:     cache.NewManager(),
		gone:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	if opts.CacheSize > 0 {
		c.attachments = cache.NewLRUCache[core.Attachment](opts.CacheSize, opts.CacheTTL)
		c.caches.Register(c.attachments)
		c.caches.StartCleanup(opts.CacheTTL)
	}

	go c.read()
	return c
}

// Send issues one request and waits for its reply, decoding a successful
// result into out (which may be nil). Worker failures come back as
// *protocol.RemoteError and match the core sentinels with errors.Is.
func (c *Client) Send(ctx context.Context, op protocol.Operation, params, out any) error {
	if !op.Valid() {
		return fmt.Errorf("%w: unknown operation %q", core.ErrInvalid, op)
	}

	req, err := protocol.NewRequest(op, params)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalid, err)
	}
	data, err := req.ToJSON()
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalid, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	key := pendingKey{op: op, id: req.ID}
	reply := make(chan *protocol.Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", op, transport.ErrClosed)
	}
	c.pending[key] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	start := time.Now()
	if err := c.conn.Send(ctx, data); err != nil {
		return c.sendError(op, err)
	}

	select {
	case resp := <-reply:
		c.logger.DebugContext(ctx, "Reply received",
			log.FieldOperation, op.String(),
			log.FieldRequestID, req.ID,
			log.FieldDuration, time.Since(start).Milliseconds())
		if err := resp.Err(); err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		return resp.Decode(out)
	case <-ctx.Done():
		return c.sendError(op, ctx.Err())
	case <-c.gone:
		return fmt.Errorf("%s: %w", op, transport.ErrClosed)
	}
}

func (c *Client) sendError(op protocol.Operation, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// read is the only consumer of conn.Messages.
func (c *Client) read() {
	defer c.shutdown()

	for msg := range c.conn.Messages() {
		resp, err := protocol.ResponseFromJSON(msg)
		if err != nil {
			c.logger.Warn("Dropping undecodable reply", log.FieldError, err)
			continue
		}
		if err := resp.Validate(); err != nil {
			c.logger.Warn("Dropping malformed reply",
				log.FieldOperation, resp.Op.String(),
				log.FieldRequestID, resp.ID,
				log.FieldError, err)
			continue
		}

		c.observe(resp)

		key := pendingKey{op: resp.Op, id: resp.ID}
		c.mu.Lock()
		reply, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()

		if ok {
			reply <- resp
		} else {
			c.logger.Info("Reply arrived with no waiting caller",
				log.FieldOperation, resp.Op.String(),
				log.FieldRequestID, resp.ID)
		}

		c.publish(eventFrom(resp))
	}
}

// observe keeps the attachment cache consistent with writes seen on the wire.
func (c *Client) observe(resp *protocol.Response) {
	if c.attachments == nil || resp.Error != "" {
		return
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	switch resp.Op {
	case protocol.OpInitialize, protocol.OpDrop:
		c.writes++
		c.attachments.Clear()
	case protocol.OpAttachmentUpdate, protocol.OpAttachmentDelete:
		c.writes++
		var id int64
		if err := resp.Decode(&id); err == nil {
			c.attachments.Delete(attachmentKey(id))
		} else {
			c.attachments.Clear()
		}
	}
}

func attachmentKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// cachedAttachment returns a copy of the cached attachment and the write
// count to pass to cacheAttachment after a miss.
func (c *Client) cachedAttachment(id int64) (core.Attachment, uint64, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	a, ok := c.attachments.Get(attachmentKey(id))
	if ok {
		a.Payload = bytes.Clone(a.Payload)
	}
	return a, c.writes, ok
}

// cacheAttachment stores a fetched attachment unless a write was observed
// since the fetch started, in which case the record may be stale.
func (c *Client) cacheAttachment(writes uint64, id int64, a core.Attachment) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.writes != writes {
		return
	}
	a.Payload = bytes.Clone(a.Payload)
	c.attachments.Set(attachmentKey(id), a)
}

// shutdown runs once the reader exits: no more replies can arrive.
func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	subs := make([]*subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[uint64]*subscriber)
	c.mu.Unlock()
	close(c.gone)

	for _, s := range subs {
		s.queue.close()
	}
	for _, s := range subs {
		<-s.done
	}
	close(c.readerDone)
}

// Done is closed once the connection is gone and every subscriber has
// received its queued events.
func (c *Client) Done() <-chan struct{} {
	return c.readerDone
}

// Close shuts the connection down and waits for the reader to exit. It must
// not be called from a subscriber's handler.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.readerDone
		c.caches.Stop()
	})
	return err
}

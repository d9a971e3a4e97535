// Package amqp carries protocol envelopes between a host and an
// expensedb-worker process through a RabbitMQ broker.
//
// Both sides share one direct exchange with two durable queues: requests flow
// host → worker on the request queue, responses flow back on the reply queue.
// The reply queue is not per host, so only one host may use a pair of queues
// at a time.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"expensedb/internal/transport"
)

// Role selects which queue a connection consumes and which it publishes to.
type Role int

const (
	// RoleWorker consumes requests and publishes replies.
	RoleWorker Role = iota
	// RoleHost publishes requests and consumes replies.
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "worker"
}

type Config struct {
	URL          string
	Exchange     string
	RequestQueue string
	ReplyQueue   string
	Role         Role
	// Buffer is the broker prefetch count: deliveries held unacked while the
	// reader is busy.
	Buffer int
}

func (c Config) inbound() string {
	if c.Role == RoleHost {
		return c.ReplyQueue
	}
	return c.RequestQueue
}

func (c Config) outbound() string {
	if c.Role == RoleHost {
		return c.RequestQueue
	}
	return c.ReplyQueue
}

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	publishTimeout = 5 * time.Second
	maxBackoff     = 30 * time.Second
)

// Conn is a transport.Conn backed by an AMQP channel.
type Conn struct {
	cfg     Config
	conn    *amqp091.Connection
	channel *amqp091.Channel

	pubMu sync.Mutex // channels do not allow concurrent publishes
	inbox chan []byte
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	state        int32
	failureCount int64
	cbMu         sync.Mutex
	lastFailure  time.Time
}

var _ transport.Conn = (*Conn)(nil)

// Dial connects to the broker, retrying connection errors with capped
// exponential backoff until ctx is done, then declares the exchange and both
// queues and starts consuming the inbound one.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.Buffer <= 0 {
		cfg.Buffer = transport.DefaultBuffer
	}

	var conn *amqp091.Connection
	for attempt := 0; ; attempt++ {
		var err error
		conn, err = amqp091.Dial(cfg.URL)
		if err == nil {
			break
		}
		if !isConnectionError(err) {
			return nil, fmt.Errorf("dial AMQP: %w", err)
		}

		wait := exponentialBackoff(attempt)
		slog.WarnContext(ctx, "AMQP connection failed, retrying",
			"attempt", attempt+1,
			"retry_in", wait,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial AMQP: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	c := &Conn{
		cfg:     cfg,
		conn:    conn,
		channel: channel,
		inbox:   make(chan []byte),
		done:    make(chan struct{}),
	}

	if err := c.setup(); err != nil {
		c.Close()
		return nil, fmt.Errorf("setup exchange and queues: %w", err)
	}

	msgs, err := c.channel.Consume(
		cfg.inbound(), // queue
		"",            // consumer
		false,         // auto-ack (we want manual ack)
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		nil,           // args
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("start consuming: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))
	c.wg.Add(2)
	go c.consume(msgs)
	go c.watch(closed)

	slog.InfoContext(ctx, "AMQP transport connected",
		"role", cfg.Role.String(),
		"exchange", cfg.Exchange,
		"consume", cfg.inbound(),
		"publish", cfg.outbound())

	return c, nil
}

func (c *Conn) setup() error {
	// Declare exchange
	err := c.channel.ExchangeDeclare(
		c.cfg.Exchange, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, queue := range []string{c.cfg.RequestQueue, c.cfg.ReplyQueue} {
		_, err = c.channel.QueueDeclare(
			queue, // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}

		// routing key is the queue name on a direct exchange
		if err := c.channel.QueueBind(queue, queue, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}

	if err := c.channel.Qos(c.cfg.Buffer, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	return nil
}

// consume moves deliveries into the unbuffered inbox. A delivery is acked only
// once the reader has taken it; anything not taken when the connection shuts
// down stays unacked and is requeued by the broker.
func (c *Conn) consume(msgs <-chan amqp091.Delivery) {
	defer c.wg.Done()
	defer close(c.inbox)

	for {
		select {
		case <-c.done:
			return
		case delivery, ok := <-msgs:
			if !ok {
				slog.Warn("AMQP delivery channel closed", "queue", c.cfg.inbound())
				go c.Close()
				return
			}

			select {
			case c.inbox <- delivery.Body:
				if err := delivery.Ack(false); err != nil {
					slog.Error("Failed to ack message", "error", err, "queue", c.cfg.inbound())
				}
			case <-c.done:
				delivery.Nack(false, true) // requeue for the next consumer
				return
			}
		}
	}
}

func (c *Conn) watch(closed <-chan *amqp091.Error) {
	defer c.wg.Done()

	select {
	case err, ok := <-closed:
		if ok && err != nil {
			slog.Error("AMQP connection lost", "error", err, "role", c.cfg.Role.String())
		}
		go c.Close()
	case <-c.done:
	}
}

// Send publishes msg to the outbound queue.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("circuit breaker is open, refusing to publish to %s", c.cfg.outbound())
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	if c.channel == nil {
		c.recordFailure()
		return errors.New("publish message: channel not open")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	c.pubMu.Lock()
	err := c.channel.PublishWithContext(
		ctx,
		c.cfg.Exchange,   // exchange
		c.cfg.outbound(), // routing key
		false,            // mandatory
		false,            // immediate
		newPublishing(msg),
	)
	c.pubMu.Unlock()
	if err != nil {
		c.recordFailure()
		if errors.Is(err, amqp091.ErrClosed) {
			return fmt.Errorf("publish message: %w", transport.ErrClosed)
		}
		return fmt.Errorf("publish message: %w", err)
	}

	c.recordSuccess()
	slog.DebugContext(ctx, "Published envelope",
		"queue", c.cfg.outbound(),
		"bytes", len(msg))
	return nil
}

func (c *Conn) Messages() <-chan []byte {
	return c.inbox
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close shuts the channel and connection down and waits for the consumer to
// exit. Deliveries not yet handed over are requeued by the broker.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		if c.done != nil {
			close(c.done)
		}
		if c.channel != nil {
			c.channel.Close()
		}
		if c.conn != nil {
			if cerr := c.conn.Close(); cerr != nil && !errors.Is(cerr, amqp091.ErrClosed) {
				err = cerr
			}
		}
		c.wg.Wait()
	})
	return err
}

func (c *Conn) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}

	c.cbMu.Lock()
	last := c.lastFailure
	c.cbMu.Unlock()

	if time.Since(last) > openTimeout {
		// let one publish through to probe the broker
		atomic.StoreInt32(&c.state, StateHalfOpen)
		return false
	}
	return true
}

func (c *Conn) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Conn) recordFailure() {
	n := atomic.AddInt64(&c.failureCount, 1)

	c.cbMu.Lock()
	c.lastFailure = time.Now()
	c.cbMu.Unlock()

	if n >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		if atomic.SwapInt32(&c.state, StateOpen) != StateOpen {
			slog.Warn("AMQP circuit breaker opened", "failures", n, "queue", c.cfg.outbound())
		}
	}
}

// exponentialBackoff returns 1s, 2s, 4s, ... capped at maxBackoff.
func exponentialBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		return maxBackoff
	}
	d := time.Second << uint(attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"eof",
		"broken pipe",
		"use of closed network connection",
		"i/o timeout",
		"no such host",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

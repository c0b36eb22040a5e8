// Package broker is a RabbitMQ client whose channel is owned by a single I/O
// loop goroutine. Other goroutines hand operations to the loop instead of
// touching the channel, which amqp091 does not make safe for concurrent
// acknowledgments and publishes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/predictflow/internal/runtime/errors"
	"github.com/drblury/predictflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/predictflow/internal/runtime/logging"
)

// Delivery is a received message. The Tag must be passed back to Ack or Nack
// exactly once.
type Delivery struct {
	Tag         uint64
	Body        []byte
	Headers     map[string]any
	ContentType string
	MessageID   string
	Redelivered bool
	Queue       string
}

// Message is an outgoing publication.
type Message struct {
	Body        []byte
	Headers     map[string]any
	ContentType string
	MessageID   string
}

// Handler receives deliveries on the I/O loop. It must return quickly and
// must not wait on other broker operations.
type Handler func(Delivery)

// Options tunes the connection.
type Options struct {
	Logger         loggingpkg.ServiceLogger
	ConnectionName string
	Heartbeat      time.Duration
	// OpsBuffer sizes the hand-off queue between callers and the loop.
	OpsBuffer int
}

const defaultOpsBuffer = 256

type operation struct {
	name   string
	fn     func(Channel) error
	result chan error
}

// Client owns one AMQP connection and channel.
type Client struct {
	conn   Connection
	ch     Channel
	logger loggingpkg.ServiceLogger

	ops       chan operation
	stop      chan struct{}
	done      chan struct{}
	notify    chan *amqp.Error
	closeOnce sync.Once

	// Loop-owned consumer state.
	deliveries <-chan amqp.Delivery
	handler    Handler
	queue      string

	mu        sync.Mutex
	consuming bool
	lost      error
}

// Connect dials url, opens a channel and starts the I/O loop.
func Connect(ctx context.Context, url string, opts Options) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, &errspkg.ConnectionError{Op: "dial", Err: err}
	}
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.Discard()
	}

	props := amqp.NewConnectionProperties()
	if opts.ConnectionName != "" {
		props.SetClientConnectionName(opts.ConnectionName)
	}
	cfg := amqp.Config{
		Heartbeat:  opts.Heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial:       contextDialer(ctx),
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}

	conn, err := Dial(url, cfg)
	if err != nil {
		return nil, &errspkg.ConnectionError{Op: "dial", Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, &errspkg.ConnectionError{Op: "open channel", Err: err}
	}

	buffer := opts.OpsBuffer
	if buffer <= 0 {
		buffer = defaultOpsBuffer
	}
	c := &Client{
		conn:   conn,
		ch:     ch,
		logger: logger,
		ops:    make(chan operation, buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		notify: ch.NotifyClose(make(chan *amqp.Error, 1)),
	}
	go c.loop()
	return c, nil
}

func (c *Client) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			c.flush()
			return
		case amqpErr, ok := <-c.notify:
			c.markLost(amqpErr, ok)
			return
		case op := <-c.ops:
			c.run(op)
		case d, ok := <-c.deliveries:
			if !ok {
				c.deliveries = nil
				continue
			}
			c.dispatch(d)
		}
	}
}

// flush runs operations already queued when Close was called so pending
// acknowledgments reach the broker before the channel closes.
func (c *Client) flush() {
	for {
		select {
		case op := <-c.ops:
			c.run(op)
		default:
			return
		}
	}
}

func (c *Client) run(op operation) {
	err := op.fn(c.ch)
	if op.result != nil {
		op.result <- err
		return
	}
	if err != nil {
		c.logger.Error("Broker operation failed", err, loggingpkg.LogFields{"op": op.name})
	}
}

func (c *Client) dispatch(d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Delivery handler panicked", fmt.Errorf("panic: %v", r), loggingpkg.LogFields{"delivery_tag": d.DeliveryTag})
		}
	}()
	c.handler(Delivery{
		Tag:         d.DeliveryTag,
		Body:        d.Body,
		Headers:     d.Headers,
		ContentType: d.ContentType,
		MessageID:   d.MessageId,
		Redelivered: d.Redelivered,
		Queue:       c.queue,
	})
}

func (c *Client) markLost(amqpErr *amqp.Error, ok bool) {
	var err error = amqp.ErrClosed
	if ok && amqpErr != nil {
		err = amqpErr
	}
	c.mu.Lock()
	c.lost = err
	c.mu.Unlock()
	c.logger.Error("Broker channel closed", err, nil)
}

// exitError describes why the loop stopped.
func (c *Client) exitError(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lost != nil {
		return &errspkg.ConnectionError{Op: op, Err: c.lost}
	}
	return errspkg.ErrClientClosed
}

// do runs fn on the loop and waits for its result.
func (c *Client) do(ctx context.Context, name string, fn func(Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	op := operation{name: name, fn: fn, result: make(chan error, 1)}
	select {
	case c.ops <- op:
	case <-c.done:
		return c.exitError(name)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.result:
		return err
	case <-c.done:
		// The loop may have finished the operation just before exiting.
		select {
		case err := <-op.result:
			return err
		default:
			return c.exitError(name)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the loop without waiting. It never blocks: when the
// hand-off buffer is full the operation is queued from a helper goroutine.
func (c *Client) post(name string, fn func(Channel) error) error {
	select {
	case <-c.done:
		return errspkg.ErrAcknowledgmentSkipped
	default:
	}
	if c.ch.IsClosed() {
		return errspkg.ErrAcknowledgmentSkipped
	}
	op := operation{name: name, fn: fn}
	select {
	case c.ops <- op:
	default:
		go func() {
			select {
			case c.ops <- op:
			case <-c.done:
				c.logger.Debug("Dropped queued broker operation", loggingpkg.LogFields{"op": name})
			}
		}()
	}
	return nil
}

// DeclareQueue declares a durable queue. Declaring an existing queue with the
// same arguments is a no-op.
func (c *Client) DeclareQueue(ctx context.Context, name string) error {
	if name == "" {
		return errspkg.ErrQueueRequired
	}
	err := c.do(ctx, "declare", func(ch Channel) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, nil)
		return err
	})
	return wrapConnection("declare", err)
}

// Publish sends msg to queue through the default exchange as a persistent
// message.
func (c *Client) Publish(ctx context.Context, queue string, msg Message) error {
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	pub := amqp.Publishing{
		Headers:      amqp.Table(msg.Headers),
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	}
	err := c.do(ctx, "publish", func(ch Channel) error {
		return ch.PublishWithContext(ctx, "", queue, false, false, pub)
	})
	return wrapConnection("publish", err)
}

// Consume limits unacknowledged deliveries to prefetch, registers a consumer
// on queue and calls handler on the I/O loop for every delivery. It blocks
// until ctx is cancelled, in which case the consumer is cancelled and nil is
// returned, or until the channel is lost, which returns a ConnectionError.
// Acknowledgments keep working after Consume returns, until Close.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int, handler Handler) error {
	switch {
	case queue == "":
		return errspkg.ErrQueueRequired
	case prefetch <= 0:
		return errspkg.ErrPrefetchInvalid
	case handler == nil:
		return errspkg.ErrHandlerRequired
	}

	c.mu.Lock()
	if c.consuming {
		c.mu.Unlock()
		return errspkg.ErrAlreadyConsuming
	}
	c.consuming = true
	c.mu.Unlock()

	consumerTag := "predictflow-" + ids.CreateULID()
	err := c.do(ctx, "consume", func(ch Channel) error {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
		deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
		if err != nil {
			return err
		}
		c.deliveries = deliveries
		c.handler = handler
		c.queue = queue
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return wrapConnection("consume", err)
	}

	c.logger.Info("Consuming", loggingpkg.LogFields{"queue": queue, "prefetch": prefetch, "consumer_tag": consumerTag})

	select {
	case <-ctx.Done():
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.do(cancelCtx, "cancel", func(ch Channel) error {
			return ch.Cancel(consumerTag, false)
		}); err != nil {
			c.logger.Error("Cancel consumer failed", err, loggingpkg.LogFields{"consumer_tag": consumerTag})
		}
		return nil
	case <-c.done:
		return c.exitError("consume")
	}
}

// Ack acknowledges a delivery. It does not wait for the loop; it returns
// ErrAcknowledgmentSkipped when the channel is already closed, in which case
// the broker will redeliver the message.
func (c *Client) Ack(tag uint64) error {
	return c.post("ack", func(ch Channel) error {
		return ch.Ack(tag, false)
	})
}

// Nack rejects a delivery, optionally returning it to the queue. Same
// delivery semantics as Ack.
func (c *Client) Nack(tag uint64, requeue bool) error {
	return c.post("nack", func(ch Channel) error {
		return ch.Nack(tag, false, requeue)
	})
}

// Done is closed when the I/O loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close stops the loop after it has run every queued operation, then closes
// the channel and the connection.
func (c *Client) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
		if !c.ch.IsClosed() {
			if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("close channel: %w", err))
			}
		}
		if !c.conn.IsClosed() {
			if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("close connection: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

func wrapConnection(op string, err error) error {
	if err == nil {
		return nil
	}
	var connErr *errspkg.ConnectionError
	if errors.As(err, &connErr) || errors.Is(err, errspkg.ErrClientClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &errspkg.ConnectionError{Op: op, Err: err}
}

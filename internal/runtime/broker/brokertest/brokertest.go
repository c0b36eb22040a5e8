// Package brokertest provides an in-memory AMQP channel that honours
// prefetch limits, for testing code built on the broker client.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/predictflow/internal/runtime/broker"
)

// NackCall records one negative acknowledgment.
type NackCall struct {
	Tag     uint64
	Requeue bool
}

// Channel is a single-consumer fake of *amqp.Channel. Messages published to
// the consumed queue, or injected with Deliver, are handed to the consumer
// while fewer than prefetch deliveries are unacknowledged.
type Channel struct {
	mu sync.Mutex

	// Injected failures.
	QosErr     error
	ConsumeErr error
	PublishErr error
	DeclareErr error

	prefetch    int
	declared    []string
	published   map[string][]amqp.Publishing
	consumerTag string
	queue       string
	out         chan amqp.Delivery
	pending     []amqp.Delivery
	unacked     map[uint64]amqp.Delivery
	nextTag     uint64
	maxUnacked  int
	acked       []uint64
	nacked      []NackCall
	notify      []chan *amqp.Error
	closed      bool
}

// NewChannel returns an open fake channel.
func NewChannel() *Channel {
	return &Channel{
		published: map[string][]amqp.Publishing{},
		unacked:   map[uint64]amqp.Delivery{},
	}
}

func (c *Channel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if c.QosErr != nil {
		return c.QosErr
	}
	c.prefetch = prefetchCount
	return nil
}

func (c *Channel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if c.DeclareErr != nil {
		return amqp.Queue{}, c.DeclareErr
	}
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	if c.out != nil {
		return nil, errors.New("brokertest: consumer already registered")
	}
	c.queue = queue
	c.consumerTag = consumer
	c.out = make(chan amqp.Delivery, 1024)
	c.pumpLocked()
	return c.out, nil
}

func (c *Channel) PublishWithContext(ctx context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.published[key] = append(c.published[key], msg)
	if key == c.queue && c.queue != "" {
		c.enqueueLocked(msg)
	}
	return nil
}

func (c *Channel) Ack(tag uint64, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if _, ok := c.unacked[tag]; !ok {
		return fmt.Errorf("brokertest: unknown delivery tag %d", tag)
	}
	delete(c.unacked, tag)
	c.acked = append(c.acked, tag)
	c.pumpLocked()
	return nil
}

func (c *Channel) Nack(tag uint64, _ bool, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	d, ok := c.unacked[tag]
	if !ok {
		return fmt.Errorf("brokertest: unknown delivery tag %d", tag)
	}
	delete(c.unacked, tag)
	c.nacked = append(c.nacked, NackCall{Tag: tag, Requeue: requeue})
	if requeue {
		c.pending = append(c.pending, amqp.Delivery{
			Headers:     d.Headers,
			ContentType: d.ContentType,
			MessageId:   d.MessageId,
			Body:        d.Body,
			Redelivered: true,
		})
	}
	c.pumpLocked()
	return nil
}

func (c *Channel) Cancel(consumer string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if consumer != c.consumerTag || c.out == nil {
		return fmt.Errorf("brokertest: unknown consumer %q", consumer)
	}
	close(c.out)
	c.out = nil
	c.consumerTag = ""
	return nil
}

func (c *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the channel gracefully.
func (c *Channel) Close() error {
	return c.shutdown(nil)
}

// Fail simulates the broker closing the channel with an error.
func (c *Channel) Fail(reason string) {
	_ = c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
}

func (c *Channel) shutdown(amqpErr *amqp.Error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	if c.out != nil {
		close(c.out)
		c.out = nil
	}
	for _, n := range c.notify {
		if amqpErr != nil {
			n <- amqpErr
		}
		close(n)
	}
	c.notify = nil
	return nil
}

// Deliver injects a message into the consumed queue.
func (c *Channel) Deliver(msg amqp.Publishing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(msg)
}

func (c *Channel) enqueueLocked(msg amqp.Publishing) {
	c.pending = append(c.pending, amqp.Delivery{
		Headers:     msg.Headers,
		ContentType: msg.ContentType,
		MessageId:   msg.MessageId,
		Body:        msg.Body,
	})
	c.pumpLocked()
}

func (c *Channel) pumpLocked() {
	for c.out != nil && !c.closed && len(c.pending) > 0 {
		if c.prefetch > 0 && len(c.unacked) >= c.prefetch {
			return
		}
		d := c.pending[0]
		c.pending = c.pending[1:]
		c.nextTag++
		d.DeliveryTag = c.nextTag
		d.ConsumerTag = c.consumerTag
		d.RoutingKey = c.queue
		c.unacked[d.DeliveryTag] = d
		if len(c.unacked) > c.maxUnacked {
			c.maxUnacked = len(c.unacked)
		}
		c.out <- d
	}
}

// Acked returns the acknowledged delivery tags in order.
func (c *Channel) Acked() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.acked...)
}

// Nacked returns the negative acknowledgments in order.
func (c *Channel) Nacked() []NackCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]NackCall(nil), c.nacked...)
}

// Published returns the messages published to queue.
func (c *Channel) Published(queue string) []amqp.Publishing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]amqp.Publishing(nil), c.published[queue]...)
}

// Declared returns the declared queue names in order.
func (c *Channel) Declared() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.declared...)
}

// Unacked returns the number of outstanding deliveries.
func (c *Channel) Unacked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unacked)
}

// Pending returns the number of messages waiting for a prefetch slot.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// MaxUnacked returns the highest number of simultaneously unacknowledged
// deliveries observed.
func (c *Channel) MaxUnacked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxUnacked
}

// Prefetch returns the last QoS prefetch count.
func (c *Channel) Prefetch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetch
}

// Connection is a fake broker connection serving one Channel.
type Connection struct {
	mu         sync.Mutex
	Ch         *Channel
	ChannelErr error
	closed     bool
}

// NewConnection wraps ch.
func NewConnection(ch *Channel) *Connection {
	return &Connection{Ch: ch}
}

func (c *Connection) Channel() (broker.Channel, error) {
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	return c.Ch, nil
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	return nil
}

// Dialer returns a broker.Dial replacement that always yields conn. A nil
// conn makes every dial fail with err.
func Dialer(conn *Connection, err error) func(string, amqp.Config) (broker.Connection, error) {
	return func(string, amqp.Config) (broker.Connection, error) {
		if conn == nil {
			return nil, err
		}
		return conn, nil
	}
}

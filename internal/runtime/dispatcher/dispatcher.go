// Package dispatcher turns broker deliveries into sink writes. Deliveries are
// decoded on the broker I/O loop and handed to one goroutine each; every
// goroutine writes its records and then asks the loop to acknowledge or
// reject the delivery. Concurrency is bounded by the consumer prefetch.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/predictflow/internal/runtime/broker"
	"github.com/drblury/predictflow/internal/runtime/codec"
	errspkg "github.com/drblury/predictflow/internal/runtime/errors"
	"github.com/drblury/predictflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/predictflow/internal/runtime/logging"
	"github.com/drblury/predictflow/internal/runtime/metadata"
	"github.com/drblury/predictflow/internal/runtime/model"
	"github.com/drblury/predictflow/internal/runtime/sink"
)

// Broker is the subset of *broker.Client the dispatcher drives.
type Broker interface {
	DeclareQueue(ctx context.Context, name string) error
	Consume(ctx context.Context, queue string, prefetch int, handler broker.Handler) error
	Publish(ctx context.Context, queue string, msg broker.Message) error
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
}

// Outcome is the terminal state of one delivery.
type Outcome string

const (
	// OutcomeAcked means every record was written and the delivery acknowledged.
	OutcomeAcked Outcome = "acked"
	// OutcomeRequeued means the delivery was returned to the queue.
	OutcomeRequeued Outcome = "requeued"
	// OutcomeDeadLettered means an undecodable body was moved to the poison queue.
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeRejected means the delivery was dropped without requeue.
	OutcomeRejected Outcome = "rejected"
	// OutcomeAbandoned means the channel closed before the decision reached
	// the broker; the broker redelivers the message.
	OutcomeAbandoned Outcome = "abandoned"
)

// Result describes a finished delivery.
type Result struct {
	Queue         string
	MessageUUID   string
	CorrelationID string
	Outcome       Outcome
	Rows          int
	Attempts      int
	Duration      time.Duration
	Err           error
	// PublishedAt is taken from the message metadata when the producer set it.
	PublishedAt time.Time
}

// Observer is notified about dispatcher activity. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	DeliveryStarted(queue string, inFlight int)
	DeliveryFinished(Result)
}

type nopObserver struct{}

func (nopObserver) DeliveryStarted(string, int) {}
func (nopObserver) DeliveryFinished(Result)     {}

// Options configures a Dispatcher.
type Options struct {
	Queue string
	// PoisonQueue receives undecodable bodies. Empty disables dead-lettering.
	PoisonQueue         string
	Prefetch            int
	MaxDeliveryAttempts int
	// Codec decodes bodies that carry no recognised content type.
	Codec  codec.Codec
	Sink   sink.Writer
	Logger loggingpkg.ServiceLogger
	// Middlewares wrap the record handler; the first entry is outermost.
	Middlewares      []message.HandlerMiddleware
	Observer         Observer
	AttemptCacheSize int
}

// Stats is a point-in-time view of dispatcher concurrency.
type Stats struct {
	Queue         string `json:"queue"`
	Prefetch      int    `json:"prefetch"`
	InFlight      int    `json:"in_flight"`
	HighWaterMark int    `json:"in_flight_high_water_mark"`
	Draining      bool   `json:"draining"`
	// PoisonTracked counts undecodable messages requeued for another attempt
	// whose delivery count is kept in process.
	PoisonTracked int    `json:"poison_tracked"`
}

// Dispatcher consumes one queue and writes its records to a sink.
type Dispatcher struct {
	opts     Options
	logger   loggingpkg.ServiceLogger
	observer Observer
	attempts *attemptTracker

	wg        sync.WaitGroup
	mu        sync.Mutex
	draining  bool
	inFlight  int
	highWater int
}

// New validates opts and builds a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Queue == "":
		return nil, errspkg.ErrQueueRequired
	case opts.Sink == nil:
		return nil, errspkg.ErrSinkRequired
	case opts.Codec == nil:
		return nil, errspkg.ErrCodecRequired
	case opts.Logger == nil:
		return nil, errspkg.ErrLoggerRequired
	case opts.Prefetch <= 0:
		return nil, errspkg.ErrPrefetchInvalid
	}
	if opts.MaxDeliveryAttempts <= 0 {
		opts.MaxDeliveryAttempts = 1
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	attempts, err := newAttemptTracker(opts.AttemptCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: attempt tracker: %w", err)
	}
	return &Dispatcher{
		opts:     opts,
		logger:   opts.Logger.With(loggingpkg.LogFields{"queue": opts.Queue}),
		observer: observer,
		attempts: attempts,
	}, nil
}

// Run declares the queues and consumes until ctx is cancelled or the broker
// channel is lost. Tasks started by Run keep running after it returns; call
// Drain to wait for them. Run may be called again with a fresh broker after a
// reconnect.
func (d *Dispatcher) Run(ctx context.Context, b Broker) error {
	if b == nil {
		return errspkg.ErrBrokerRequired
	}
	if err := b.DeclareQueue(ctx, d.opts.Queue); err != nil {
		return err
	}
	if d.opts.PoisonQueue != "" {
		if err := b.DeclareQueue(ctx, d.opts.PoisonQueue); err != nil {
			return err
		}
	}

	d.mu.Lock()
	d.draining = false
	d.mu.Unlock()

	return b.Consume(ctx, d.opts.Queue, d.opts.Prefetch, func(del broker.Delivery) {
		d.receive(ctx, b, del)
	})
}

// receive runs on the broker loop. It must not wait on broker operations.
func (d *Dispatcher) receive(ctx context.Context, b Broker, del broker.Delivery) {
	d.mu.Lock()
	if d.draining || ctx.Err() != nil {
		d.mu.Unlock()
		d.logger.Debug("Requeueing delivery received while stopping", loggingpkg.LogFields{"delivery_tag": del.Tag})
		d.settle(b, del, Result{Queue: d.opts.Queue, MessageUUID: messageUUID(del), Outcome: OutcomeRequeued})
		return
	}
	d.wg.Add(1)
	d.inFlight++
	if d.inFlight > d.highWater {
		d.highWater = d.inFlight
	}
	inFlight := d.inFlight
	d.mu.Unlock()

	d.observer.DeliveryStarted(d.opts.Queue, inFlight)

	c := codec.Resolve(d.opts.Codec, headerString(del.Headers, metadata.KeyContentType), del.ContentType)
	payload, decodeErr := c.Decode(del.Body)

	go d.process(context.WithoutCancel(ctx), b, del, payload, decodeErr)
}

func (d *Dispatcher) process(ctx context.Context, b Broker, del broker.Delivery, payload *model.Payload, decodeErr error) {
	defer d.finish()

	started := time.Now()
	md := metadata.FromHeaders(del.Headers)
	res := Result{
		Queue:         d.opts.Queue,
		MessageUUID:   messageUUID(del),
		CorrelationID: md[metadata.KeyCorrelationID],
	}
	if ts, err := time.Parse(time.RFC3339Nano, md[metadata.KeyPublishedAt]); err == nil {
		res.PublishedAt = ts
	}
	logger := d.logger.With(loggingpkg.LogFields{
		"delivery_tag":   del.Tag,
		"message_uuid":   res.MessageUUID,
		"correlation_id": res.CorrelationID,
	})

	if decodeErr != nil {
		res = d.handlePoison(ctx, b, del, logger, res, decodeErr)
		res.Duration = time.Since(started)
		d.observer.DeliveryFinished(res)
		return
	}

	msg := message.NewMessage(res.MessageUUID, del.Body)
	msg.Metadata = metadata.ToWatermill(md)
	msg.SetContext(ctx)

	written := 0
	handler := func(m *message.Message) ([]*message.Message, error) {
		for i, rec := range payload.Records() {
			if i < written {
				continue
			}
			if err := d.opts.Sink.Append(m.Context(), rec); err != nil {
				return nil, err
			}
			written++
		}
		return nil, nil
	}

	_, err := chain(handler, d.opts.Middlewares)(msg)
	res.Rows = written
	res.Err = err
	if err != nil {
		logger.Error("Writing records failed, requeueing", err, loggingpkg.LogFields{"rows_written": written})
		res = d.settle(b, del, withOutcome(res, OutcomeRequeued))
	} else {
		logger.Debug("Records written", loggingpkg.LogFields{"rows": written})
		res = d.settle(b, del, withOutcome(res, OutcomeAcked))
	}
	res.Duration = time.Since(started)
	d.observer.DeliveryFinished(res)
}

// handlePoison applies the attempt limit to an undecodable delivery.
func (d *Dispatcher) handlePoison(ctx context.Context, b Broker, del broker.Delivery, logger loggingpkg.ServiceLogger, res Result, decodeErr error) Result {
	res.Err = decodeErr
	res.Attempts = d.attempts.Record(del)
	fields := loggingpkg.LogFields{"attempts": res.Attempts, "max_attempts": d.opts.MaxDeliveryAttempts}

	if res.Attempts < d.opts.MaxDeliveryAttempts {
		logger.Error("Undecodable message, requeueing", decodeErr, fields)
		return d.settle(b, del, withOutcome(res, OutcomeRequeued))
	}

	if d.opts.PoisonQueue == "" {
		logger.Error("Undecodable message, rejecting", decodeErr, fields)
		d.attempts.Forget(del)
		return d.settle(b, del, withOutcome(res, OutcomeRejected))
	}

	if err := b.Publish(ctx, d.opts.PoisonQueue, poisonMessage(del, d.opts.Queue, res.Attempts, decodeErr)); err != nil {
		logger.Error("Dead-lettering failed, requeueing", err, fields)
		res.Err = errors.Join(decodeErr, err)
		return d.settle(b, del, withOutcome(res, OutcomeRequeued))
	}
	fields["poison_queue"] = d.opts.PoisonQueue
	logger.Error("Undecodable message moved to poison queue", decodeErr, fields)
	d.attempts.Forget(del)
	return d.settle(b, del, withOutcome(res, OutcomeDeadLettered))
}

// settle reports res.Outcome to the broker: acked and dead_lettered ack the
// delivery, requeued and rejected nack it. A closed channel turns any outcome
// into abandoned.
func (d *Dispatcher) settle(b Broker, del broker.Delivery, res Result) Result {
	var err error
	switch res.Outcome {
	case OutcomeAcked, OutcomeDeadLettered:
		err = b.Ack(del.Tag)
	case OutcomeRequeued:
		err = b.Nack(del.Tag, true)
	default:
		err = b.Nack(del.Tag, false)
	}
	if err == nil {
		return res
	}
	if errors.Is(err, errspkg.ErrAcknowledgmentSkipped) {
		d.logger.Info("Channel closed before acknowledgment, broker will redeliver", loggingpkg.LogFields{
			"delivery_tag": del.Tag,
			"outcome":      string(res.Outcome),
		})
	} else {
		d.logger.Error("Acknowledgment failed", err, loggingpkg.LogFields{"delivery_tag": del.Tag})
	}
	res.Outcome = OutcomeAbandoned
	return res
}

func (d *Dispatcher) finish() {
	d.mu.Lock()
	d.inFlight--
	d.mu.Unlock()
	d.wg.Done()
}

// Drain stops accepting deliveries and waits up to timeout for running tasks.
// Deliveries that arrive while draining are requeued. A non-positive timeout
// waits indefinitely.
func (d *Dispatcher) Drain(timeout time.Duration) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("dispatcher: %d tasks still running after %s", d.Stats().InFlight, timeout)
	}
}

// Stats returns the current concurrency figures.
func (d *Dispatcher) Stats() Stats {
	tracked := d.attempts.Len()
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Queue:         d.opts.Queue,
		Prefetch:      d.opts.Prefetch,
		InFlight:      d.inFlight,
		HighWaterMark: d.highWater,
		Draining:      d.draining,
		PoisonTracked: tracked,
	}
}

func chain(h message.HandlerFunc, middlewares []message.HandlerMiddleware) message.HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] != nil {
			h = middlewares[i](h)
		}
	}
	return h
}

func withOutcome(res Result, o Outcome) Result {
	res.Outcome = o
	return res
}

func messageUUID(del broker.Delivery) string {
	if uuid := headerString(del.Headers, metadata.KeyMessageUUID); uuid != "" {
		return uuid
	}
	if del.MessageID != "" {
		return del.MessageID
	}
	return ids.CreateULID()
}

func poisonMessage(del broker.Delivery, queue string, attempts int, cause error) broker.Message {
	headers := make(map[string]any, len(del.Headers)+4)
	for k, v := range del.Headers {
		headers[k] = v
	}
	delete(headers, metadata.KeyDeliveryCount)
	headers[metadata.KeyPoisonError] = cause.Error()
	headers[metadata.KeyPoisonOriginalQueue] = queue
	headers[metadata.KeyPoisonAttempts] = strconv.Itoa(attempts)
	headers[metadata.KeyPoisonFailedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	return broker.Message{
		Body:        del.Body,
		Headers:     headers,
		ContentType: del.ContentType,
		MessageID:   del.MessageID,
	}
}

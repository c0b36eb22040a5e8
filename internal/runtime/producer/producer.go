// Package producer validates submitted payloads, tags low-probability
// predictions and publishes them to the prediction queue.
package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/predictflow/internal/runtime/codec"
	errspkg "github.com/drblury/predictflow/internal/runtime/errors"
	"github.com/drblury/predictflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/predictflow/internal/runtime/logging"
	"github.com/drblury/predictflow/internal/runtime/metadata"
	"github.com/drblury/predictflow/internal/runtime/model"
	"github.com/drblury/predictflow/internal/runtime/transport"
)

// Submission results reported to the Observer.
const (
	ResultPublished   = "published"
	ResultInvalid     = "invalid"
	ResultUnavailable = "broker_unavailable"
	ResultFailed      = "failed"
)

// Observer is told about every Submit call.
type Observer interface {
	Submitted(result string, duration time.Duration)
}

// Submitter is what the HTTP handler needs from a Producer.
type Submitter interface {
	Submit(ctx context.Context, p *model.Payload) error
}

// Options configures a Producer.
type Options struct {
	Queue string
	// Publisher names a transport registered in Registry.
	Publisher string
	Registry  *transport.Registry
	Settings  transport.Settings
	Codec     codec.Codec
	Logger    loggingpkg.ServiceLogger
	Observer  Observer
	// Decorate wraps every publisher opened for a submission, e.g. with
	// Prometheus publish metrics.
	Decorate func(message.Publisher) (message.Publisher, error)
}

// Producer publishes one message per submission. A publisher is opened for
// each submission and closed afterwards; there is no retry at this layer.
type Producer struct {
	opts     Options
	logger   loggingpkg.ServiceLogger
	wmLogger watermill.LoggerAdapter
}

// New validates opts and builds a Producer.
func New(opts Options) (*Producer, error) {
	switch {
	case opts.Queue == "":
		return nil, errspkg.ErrQueueRequired
	case opts.Codec == nil:
		return nil, errspkg.ErrCodecRequired
	case opts.Logger == nil:
		return nil, errspkg.ErrLoggerRequired
	}
	if opts.Registry == nil {
		opts.Registry = transport.DefaultRegistry
	}
	if opts.Publisher == "" {
		opts.Publisher = transport.RabbitMQ
	}
	if !opts.Registry.Has(opts.Publisher) {
		return nil, fmt.Errorf("%w: unknown publisher %q", errspkg.ErrPublisherRequired, opts.Publisher)
	}
	return &Producer{
		opts:     opts,
		logger:   opts.Logger.With(loggingpkg.LogFields{"queue": opts.Queue}),
		wmLogger: loggingpkg.NewWatermillAdapter(opts.Logger),
	}, nil
}

// Queue returns the destination queue name.
func (p *Producer) Queue() string { return p.opts.Queue }

// Codec returns the codec used to encode message bodies.
func (p *Producer) Codec() codec.Codec { return p.opts.Codec }

// Submit re-validates payload, applies low-probability tagging and publishes
// it. Invalid payloads yield a *errors.ValidationError; broker failures a
// *errors.ConnectionError.
func (p *Producer) Submit(ctx context.Context, payload *model.Payload) (err error) {
	started := time.Now()
	result := ResultPublished
	defer func() {
		if p.opts.Observer != nil {
			p.opts.Observer.Submitted(result, time.Since(started))
		}
	}()

	if payload == nil {
		result = ResultInvalid
		return errspkg.ErrPayloadRequired
	}
	payload.Normalize()
	if err := payload.Validate(); err != nil {
		result = ResultInvalid
		return err
	}
	payload.Transform()

	body, err := p.opts.Codec.Encode(payload)
	if err != nil {
		result = ResultFailed
		return fmt.Errorf("encode payload: %w", err)
	}

	correlationID := CorrelationID(ctx)
	if correlationID == "" {
		correlationID = ids.CreateULID()
	}
	msg := message.NewMessage(ids.CreateULID(), body)
	msg.Metadata = metadata.ToWatermill(metadata.New(
		metadata.KeyContentType, p.opts.Codec.ContentType(),
		metadata.KeyCorrelationID, correlationID,
		metadata.KeyPayloadSchema, model.SchemaName,
		metadata.KeyPublishedAt, time.Now().UTC().Format(time.RFC3339Nano),
	))
	msg.SetContext(ctx)

	if err := p.publish(ctx, msg); err != nil {
		result = ResultUnavailable
		p.logger.Error("Publishing submission failed", err, loggingpkg.LogFields{
			"message_uuid":   msg.UUID,
			"correlation_id": correlationID,
		})
		return err
	}

	p.logger.Debug("Submission published", loggingpkg.LogFields{
		"message_uuid":   msg.UUID,
		"correlation_id": correlationID,
		"predictions":    len(payload.Data.Preds),
	})
	return nil
}

func (p *Producer) publish(ctx context.Context, msg *message.Message) (err error) {
	pub, err := p.opts.Registry.Build(ctx, p.opts.Publisher, p.opts.Settings, p.wmLogger)
	if err != nil {
		return asConnectionError("connect", err)
	}
	defer func() {
		if closeErr := pub.Close(); closeErr != nil {
			p.logger.Error("Closing publisher failed", closeErr, nil)
		}
	}()

	if p.opts.Decorate != nil {
		decorated, err := p.opts.Decorate(pub)
		if err != nil {
			return fmt.Errorf("decorate publisher: %w", err)
		}
		pub = decorated
	}

	if err := pub.Publish(p.opts.Queue, msg); err != nil {
		return asConnectionError("publish", err)
	}
	return nil
}

func asConnectionError(op string, err error) error {
	if errspkg.IsConnection(err) {
		return err
	}
	return &errspkg.ConnectionError{Op: op, Err: err}
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id that Submit copies into the
// message metadata.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id set by WithCorrelationID, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

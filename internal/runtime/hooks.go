package runtime

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/predictflow/internal/runtime/logging"
	"github.com/drblury/predictflow/internal/runtime/metadata"
)

// JobContext describes one delivery being written to the sink.
type JobContext struct {
	// Queue is the queue the delivery was consumed from.
	Queue string
	// MessageUUID is the unique identifier of the message.
	MessageUUID string
	// CorrelationID links the delivery to the HTTP submission that produced it.
	CorrelationID string
	// Metadata is a copy of the message headers; hooks may not alter the message.
	Metadata metadata.Metadata
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when the job started processing.
	StartedAt time.Time
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// Redeliveries is how many times the broker has redelivered the message.
	// Only quorum queues report it; classic queues always yield zero.
	Redeliveries int
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the records of a delivery are written.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called once every record of the delivery is in the sink.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when writing fails after the retry middleware gave up.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware creates a middleware that invokes the provided hooks
// at appropriate points in the delivery lifecycle.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(s *ConsumerService) (message.HandlerMiddleware, error) {
			merged := hooks.Merge(s.hooks)
			if merged.empty() {
				return nil, nil
			}
			return jobHooksMiddleware(s.Conf.QueueName, merged), nil
		},
	}
}

func jobHooksMiddleware(queue string, hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			jobCtx := JobContext{
				Queue:         queue,
				MessageUUID:   msg.UUID,
				CorrelationID: msg.Metadata.Get(metadata.KeyCorrelationID),
				Metadata:      metadata.FromWatermill(msg.Metadata),
				Context:       msg.Context(),
				StartedAt:     time.Now(),
			}
			if n, err := strconv.Atoi(msg.Metadata.Get(metadata.KeyDeliveryCount)); err == nil && n > 0 {
				jobCtx.Redeliveries = n
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			msgs, err := h(msg)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}

			return msgs, err
		}
	}
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", loggingpkg.LogFields{
				"queue":          ctx.Queue,
				"message_uuid":   ctx.MessageUUID,
				"correlation_id": ctx.CorrelationID,
				"redeliveries":   ctx.Redeliveries,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"queue":          ctx.Queue,
				"message_uuid":   ctx.MessageUUID,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"queue":          ctx.Queue,
				"message_uuid":   ctx.MessageUUID,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
				"redeliveries":   ctx.Redeliveries,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward job events to counters
// keyed by queue.
func MetricsHooks(onStart, onDone, onError func(queue string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Queue)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Queue)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Queue)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}

package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	idspkg "github.com/drblury/predictflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/predictflow/internal/runtime/logging"
	"github.com/drblury/predictflow/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/predictflow/consumer"

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*ConsumerService) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware wraps the record writer of
// a ConsumerService. Registrations run outermost first.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour. Zero values
// fall back to the service configuration.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults(s *ConsumerService) RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 && s.Conf != nil {
		cfg.MaxRetries = s.Conf.RetryMaxRetries
	}
	if cfg.InitialInterval <= 0 && s.Conf != nil {
		cfg.InitialInterval = s.Conf.RetryInitialInterval
	}
	if cfg.MaxInterval <= 0 && s.Conf != nil {
		cfg.MaxInterval = s.Conf.RetryMaxInterval
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the standard chain wrapped around every delivery.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		JobHooksMiddleware(JobHooks{}),
		RetryMiddleware(RetryMiddlewareConfig{}),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware records handler execution time with Watermill's
// Prometheus metrics builder.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *ConsumerService) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}
			builder := metrics.NewPrometheusMetricsBuilder(s.registerer, metricsNamespace, "consumer")
			return builder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs the metadata of handled messages at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *ConsumerService) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps record writing in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *ConsumerService) (message.HandlerMiddleware, error) {
			return tracerMiddleware(s.Conf.QueueName), nil
		},
	}
}

// RetryMiddleware retries failed sink writes in-process with exponential
// backoff before the delivery is handed back to the broker.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *ConsumerService) (message.HandlerMiddleware, error) {
			normalized := cfg.withDefaults(s)
			if normalized.MaxRetries <= 0 {
				return nil, nil
			}
			return retryMiddleware(normalized, loggingpkg.NewWatermillAdapter(s.Logger)), nil
		},
	}
}

// RecovererMiddleware converts panics into handler errors so the delivery is
// requeued instead of crashing the consumer.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware appends the supplied middleware to the chain. It must be
// called before Run.
func (s *ConsumerService) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.middlewares = append(s.middlewares, mw)
	return nil
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadata.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadata.KeyCorrelationID, idspkg.CreateULID())
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid":  msg.UUID,
				"payload_bytes": len(msg.Payload),
				"metadata":      msg.Metadata,
			})
			return h(msg)
		}
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig, logger watermill.LoggerAdapter) message.HandlerMiddleware {
	retry := middleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      2,
		Logger:          logger,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if cfg.RetryIf != nil {
				return cfg.RetryIf(params.Err)
			}
			return true
		},
	}
	return retry.Middleware
}

func tracerMiddleware(queue string) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := otel.Tracer(tracerName).Start(msg.Context(), "predictflow.write_records")
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("messaging.system", "rabbitmq"),
				attribute.String("messaging.destination.name", queue),
				attribute.String("messaging.message.id", msg.UUID),
				attribute.String("predictflow.correlation_id", msg.Metadata.Get(metadata.KeyCorrelationID)),
			)

			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return msgs, err
		}
	}
}

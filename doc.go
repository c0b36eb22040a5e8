// Package predictflow ingests prediction payloads over HTTP, queues them on a
// RabbitMQ work queue and persists one flattened record per prediction.
//
// The producer side validates a Payload, tags low-probability predictions,
// encodes the payload with the configured codec (JSON or protobuf wire format)
// and publishes it through Watermill's AMQP publisher. The consumer side reads
// the queue with bounded parallelism, appends every record to a CSV file or a
// SQL table and acknowledges a message only once all of its rows are written.
// Messages that cannot be decoded are retried a few times and then moved to a
// poison queue.
//
// # Services
//
// NewProducerService and NewConsumerService build the two halves from a Config.
// Both accept a dependencies struct for overriding the publisher registry, the
// sink, the codec, the middleware chain or the Prometheus registry.
//
// # Middleware
//
// Every delivery runs through a Watermill middleware chain. The default chain
// injects correlation ids, logs messages, opens an OpenTelemetry span, records
// Prometheus metrics, calls JobHooks, retries failed writes with exponential
// backoff and recovers panics. Custom middleware can be added via
// ConsumerDependencies.Middlewares.
//
// # Job Hooks
//
// JobHooksMiddleware provides OnJobStart, OnJobDone, and OnJobError callbacks for
// custom logging, metrics collection, and alerting around record writes.
//
// The predictflow binary in cmd/predictflow wraps both services behind the
// "producer" and "consumer" subcommands.
package predictflow

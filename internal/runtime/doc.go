/*
Package runtime wires the predictflow pipeline together.

A ProducerService exposes the HTTP ingest endpoint and publishes validated
payloads to RabbitMQ. A ConsumerService receives deliveries through a
dispatcher, runs each one through a Watermill middleware chain and appends the
flattened records to the configured sink, acknowledging only after the rows are
durable.

# Consumer

NewConsumerService opens the sink, registers middlewares and builds the
dispatcher. Run connects to the broker with exponential backoff, consumes until
the context is cancelled and reconnects when the channel is lost. In-flight
tasks are drained before the connection closes so their acknowledgments still
reach the broker.

Middlewares run in registration order, the first one outermost:

  - correlation_id: ensures every message carries a correlation id
  - log_messages: debug logging of payload size and metadata
  - tracer: OpenTelemetry span per task
  - metrics: Watermill Prometheus router metrics
  - job_hooks: JobHooks callbacks
  - retry: exponential backoff retry of failed sink writes
  - recoverer: turns panics into errors

# Observability

PipelineStats (models.go) keeps latency percentiles, throughput, error
categories, resource usage and dependency health. PipelineMetrics (metrics.go)
exports Prometheus counters and histograms and tracks poison queue activity.
Both observe the dispatcher. OpsHandler serves /api/stats, /healthz, /readyz
and /metrics.

# Sub-packages

  - broker/: AMQP client with a single channel-owning I/O loop
  - codec/: payload codecs (json, protowire)
  - config/: configuration, validation, flag and environment loading
  - dispatcher/: per-delivery tasks, ack/nack and the poison policy
  - errors/: sentinel errors and typed errors
  - ids/: ULID message ids
  - jsoncodec/: sonic JSON helpers
  - logging/: ServiceLogger and its slog, logrus and Watermill adapters
  - metadata/: message header keys and conversions
  - model/: prediction payloads, validation and flattened records
  - producer/: Submit and the HTTP handler
  - sink/: CSV and SQL record writers
  - transport/: publisher factories for the producer
*/
package runtime

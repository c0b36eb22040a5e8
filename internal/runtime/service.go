package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/predictflow/internal/runtime/broker"
	codecpkg "github.com/drblury/predictflow/internal/runtime/codec"
	configpkg "github.com/drblury/predictflow/internal/runtime/config"
	"github.com/drblury/predictflow/internal/runtime/dispatcher"
	errspkg "github.com/drblury/predictflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/predictflow/internal/runtime/logging"
	"github.com/drblury/predictflow/internal/runtime/producer"
	"github.com/drblury/predictflow/internal/runtime/sink"
	transportpkg "github.com/drblury/predictflow/internal/runtime/transport"
)

// Reconnect pacing for the consumer. Variables so tests can shorten them.
var (
	reconnectInitialInterval = 500 * time.Millisecond
	reconnectMaxInterval     = 30 * time.Second
	httpShutdownTimeout      = 5 * time.Second
)

// ConsumerDependencies holds the optional collaborators of a ConsumerService.
// Leave fields nil to build them from the configuration.
type ConsumerDependencies struct {
	// Sink overrides the writer opened from the sink settings. The service
	// does not close a supplied sink.
	Sink sink.Writer
	// Codec overrides the fallback codec for deliveries without a content type.
	Codec                     codecpkg.Codec
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     JobHooks
	Registerer                prometheus.Registerer
	Gatherer                  prometheus.Gatherer
	ErrorClassifier           ErrorClassifier
}

// ConsumerService drains the work queue into the record sink, reconnecting
// to the broker whenever the connection is lost.
type ConsumerService struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	sink        sink.Writer
	ownsSink    bool
	hooks       JobHooks
	middlewares []message.HandlerMiddleware
	dispatcher  *dispatcher.Dispatcher

	stats      *PipelineStats
	metrics    *PipelineMetrics
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	mu        sync.RWMutex
	connected bool
}

// NewConsumerService validates conf, opens the sink and assembles the
// middleware chain. Call Run to start consuming.
func NewConsumerService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ConsumerDependencies) (*ConsumerService, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info("Creating consumer service", loggingpkg.LogFields{
		"queue":  conf.QueueName,
		"sink":   conf.SinkKind,
		"config": conf.String(),
	})

	fallback := deps.Codec
	if fallback == nil {
		var err error
		if fallback, err = codecpkg.Lookup(conf.Codec); err != nil {
			return nil, err
		}
	}

	s := &ConsumerService{
		Conf:       conf,
		Logger:     log,
		hooks:      deps.Hooks,
		registerer: deps.Registerer,
		gatherer:   deps.Gatherer,
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	s.sink = deps.Sink
	if s.sink == nil {
		w, err := sink.Open(ctx, sink.Options{Kind: conf.SinkKind, Path: conf.SinkPath, DSN: conf.SinkDSN, Fsync: conf.SinkFsync})
		if err != nil {
			return nil, err
		}
		s.sink = w
		s.ownsSink = true
	}

	observers := multiObserver{}
	s.stats = NewPipelineStats(conf.QueueName, conf.SinkKind, deps.ErrorClassifier)
	observers = append(observers, s.stats)

	writer := s.sink
	if conf.MetricsEnabled {
		s.metrics = NewPipelineMetrics(s.registerer)
		if err := s.metrics.Register(); err != nil {
			s.closeSink()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		writer = s.metrics.InstrumentSink(writer, conf.SinkKind)
		observers = append(observers, s.metrics)
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		s.closeSink()
		return nil, err
	}

	disp, err := dispatcher.New(dispatcher.Options{
		Queue:               conf.QueueName,
		PoisonQueue:         conf.PoisonQueueName(),
		Prefetch:            conf.PrefetchCount,
		MaxDeliveryAttempts: conf.MaxDeliveryAttempts,
		Codec:               fallback,
		Sink:                writer,
		Logger:              log,
		Middlewares:         s.middlewares,
		Observer:            observers,
	})
	if err != nil {
		s.closeSink()
		return nil, err
	}
	s.dispatcher = disp
	return s, nil
}

func (s *ConsumerService) registerConfiguredMiddlewares(deps ConsumerDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Run serves the ops endpoints and consumes until ctx is cancelled. On
// cancellation in-flight deliveries are drained before the connection closes.
// It returns nil after a clean shutdown and an error only for failures that a
// reconnect cannot fix.
func (s *ConsumerService) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.Conf.OpsAddress != "" {
		g.Go(func() error {
			return serveHTTP(gctx, s.Conf.OpsAddress, s.OpsHandler(), s.Logger)
		})
	}
	g.Go(func() error {
		return s.consume(gctx)
	})
	return g.Wait()
}

func (s *ConsumerService) consume(ctx context.Context) error {
	for {
		client, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		runErr := s.dispatcher.Run(ctx, client)
		s.setConnected(false)
		s.shutdownClient(client)

		if ctx.Err() != nil {
			s.Logger.Info("Consumer stopped", loggingpkg.LogFields{"queue": s.Conf.QueueName})
			return nil
		}
		if runErr != nil && !errspkg.IsConnection(runErr) {
			return runErr
		}
		s.Logger.Error("Broker connection lost, reconnecting", runErr, loggingpkg.LogFields{"queue": s.Conf.QueueName})
		s.stats.SetDependencyStatus(brokerDependency(s.Conf.QueueName), DependencyStatusDegraded, errorText(runErr))
	}
}

// connect dials the broker until it succeeds or ctx is cancelled.
func (s *ConsumerService) connect(ctx context.Context) (*broker.Client, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitialInterval
	bo.MaxInterval = reconnectMaxInterval

	dependency := brokerDependency(s.Conf.QueueName)
	client, err := backoff.Retry(ctx, func() (*broker.Client, error) {
		client, err := broker.Connect(ctx, s.Conf.AMQPURL(), broker.Options{
			Logger:         s.Logger,
			ConnectionName: "predictflow-consumer",
		})
		if s.metrics != nil {
			s.metrics.RecordConnect(err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			s.stats.SetDependencyStatus(dependency, DependencyStatusDegraded, err.Error())
			return nil, err
		}
		return client, nil
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.Logger.Error("Broker unavailable", err, loggingpkg.LogFields{"retry_in": next.String()})
		}),
	)
	if err != nil {
		return nil, err
	}

	s.stats.SetDependencyStatus(dependency, DependencyStatusHealthy, "")
	s.setConnected(true)
	s.Logger.Info("Connected to broker", loggingpkg.LogFields{"queue": s.Conf.QueueName})
	return client, nil
}

func (s *ConsumerService) shutdownClient(client *broker.Client) {
	if err := s.dispatcher.Drain(s.Conf.DrainTimeout); err != nil {
		s.Logger.Error("Drain incomplete", err, loggingpkg.LogFields{"timeout": s.Conf.DrainTimeout.String()})
	}
	if err := client.Close(); err != nil {
		s.Logger.Error("Close broker connection", err, nil)
	}
}

func (s *ConsumerService) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// Connected reports whether the consumer currently holds a broker connection.
func (s *ConsumerService) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Stats returns the aggregated pipeline statistics.
func (s *ConsumerService) Stats() *PipelineStats { return s.stats }

// Close releases the sink when the service opened it.
func (s *ConsumerService) Close() error {
	return s.closeSink()
}

func (s *ConsumerService) closeSink() error {
	if !s.ownsSink || s.sink == nil {
		return nil
	}
	return s.sink.Close()
}

// ProducerDependencies holds the optional collaborators of a ProducerService.
type ProducerDependencies struct {
	Registry   *transportpkg.Registry
	Codec      codecpkg.Codec
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Version is reported by the info endpoint.
	Version string
}

// ProducerService exposes the submission API.
type ProducerService struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	producer *producer.Producer
	handler  http.Handler
}

// NewProducerService builds the producer and its HTTP handler.
func NewProducerService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ProducerDependencies) (*ProducerService, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := deps.Codec
	if c == nil {
		var err error
		if c, err = codecpkg.Lookup(conf.Codec); err != nil {
			return nil, err
		}
	}

	opts := producer.Options{
		Queue:     conf.QueueName,
		Publisher: conf.Publisher,
		Registry:  deps.Registry,
		Settings:  transportpkg.Settings{AMQPURL: conf.AMQPURL()},
		Codec:     c,
		Logger:    log,
	}

	var metricsHandler http.Handler
	if conf.MetricsEnabled {
		registerer := deps.Registerer
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		pm := NewPipelineMetrics(registerer)
		if err := pm.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		opts.Observer = pm
		builder := metrics.NewPrometheusMetricsBuilder(registerer, metricsNamespace, "producer")
		opts.Decorate = builder.DecoratePublisher
		metricsHandler = MetricsHandler(deps.Gatherer)
	}

	p, err := producer.New(opts)
	if err != nil {
		return nil, err
	}

	log.Info("Creating producer service", loggingpkg.LogFields{
		"queue":     conf.QueueName,
		"publisher": conf.Publisher,
		"codec":     c.Name(),
	})

	return &ProducerService{
		Conf:     conf,
		Logger:   log,
		producer: p,
		handler: producer.NewHandler(p, producer.HandlerOptions{
			Info: producer.ServiceInfo{
				Service: "predictflow-producer",
				Version: deps.Version,
				Queue:   conf.QueueName,
				Codec:   c.Name(),
			},
			Logger:  log,
			Metrics: metricsHandler,
		}),
	}, nil
}

// Handler returns the HTTP handler serving the submission API.
func (s *ProducerService) Handler() http.Handler { return s.handler }

// Producer returns the underlying submitter.
func (s *ProducerService) Producer() *producer.Producer { return s.producer }

// Run serves the API on the configured address until ctx is cancelled.
func (s *ProducerService) Run(ctx context.Context) error {
	return serveHTTP(ctx, s.Conf.HTTPAddress, s.handler, s.Logger)
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger loggingpkg.ServiceLogger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return serveListener(ctx, ln, handler, logger)
}

// serveListener serves handler on ln and shuts down gracefully once ctx is done.
func serveListener(ctx context.Context, ln net.Listener, handler http.Handler, logger loggingpkg.ServiceLogger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": ln.Addr().String()})
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server %s: %w", ln.Addr(), err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server %s: %w", ln.Addr(), err)
		}
		logger.Info("HTTP server stopped", loggingpkg.LogFields{"address": ln.Addr().String()})
		return nil
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

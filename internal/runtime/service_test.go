package runtime

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/predictflow/internal/runtime/broker/brokertest"
	"github.com/drblury/predictflow/internal/runtime/codec"
	errspkg "github.com/drblury/predictflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/predictflow/internal/runtime/logging"
	"github.com/drblury/predictflow/internal/runtime/metadata"
	"github.com/drblury/predictflow/internal/runtime/model"
	"github.com/drblury/predictflow/internal/runtime/producer"
	transportpkg "github.com/drblury/predictflow/internal/runtime/transport"
)

const submissionBody = `{
	"device_id": "device-1",
	"client_id": "client-1",
	"created_at": "2024-03-01 12:00:00.000001",
	"data": {"license_id": "lic-1", "preds": [{"image_frame": "frame-1", "prob": 0.2, "tags": []}]}
}`

func testPayload(frames ...string) *model.Payload {
	p := &model.Payload{
		DeviceID:  "device-1",
		ClientID:  "client-1",
		CreatedAt: "2024-03-01 12:00:00.000001",
		Data:      model.PredictionBatch{LicenseID: "lic-1"},
	}
	for _, f := range frames {
		p.Data.Preds = append(p.Data.Preds, model.Prediction{ImageFrame: f, Prob: 0.9, Tags: []string{}})
	}
	return p
}

func publishing(t *testing.T, id string, p *model.Payload) amqp.Publishing {
	t.Helper()
	body, err := codec.JSON{}.Encode(p)
	require.NoError(t, err)
	return amqp.Publishing{
		Headers:     amqp.Table{metadata.KeyContentType: codec.JSONContentType},
		ContentType: codec.JSONContentType,
		MessageId:   id,
		Body:        body,
	}
}

// runConsumer starts svc and returns a stop function that cancels it and
// waits for Run to return.
func runConsumer(t *testing.T, svc *ConsumerService) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	stopped := false
	var result error
	stop := func() error {
		if stopped {
			return result
		}
		stopped = true
		cancel()
		select {
		case result = <-done:
		case <-time.After(5 * time.Second):
			t.Error("consumer did not stop")
		}
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestNewConsumerServiceValidates(t *testing.T) {
	ctx := context.Background()

	_, err := NewConsumerService(ctx, nil, loggingpkg.Discard(), ConsumerDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewConsumerService(ctx, testConfig(t), nil, ConsumerDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	conf := testConfig(t)
	conf.PrefetchCount = 0
	_, err = NewConsumerService(ctx, conf, loggingpkg.Discard(), ConsumerDependencies{})
	assert.ErrorContains(t, err, "prefetch count must be positive")

	conf = testConfig(t)
	conf.Codec = "avro"
	_, err = NewConsumerService(ctx, conf, loggingpkg.Discard(), ConsumerDependencies{Sink: &memorySink{}})
	assert.Error(t, err)
}

func TestNewConsumerServiceMiddlewareErrors(t *testing.T) {
	sink := &memorySink{}
	_, err := NewConsumerService(context.Background(), testConfig(t), loggingpkg.Discard(), ConsumerDependencies{
		Sink: sink,
		Middlewares: []MiddlewareRegistration{{
			Name: "broken",
			Builder: func(*ConsumerService) (message.HandlerMiddleware, error) {
				return nil, errors.New("builder failed")
			},
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to register middleware broken")
	assert.False(t, sink.closed, "a supplied sink is not closed")

	_, err = NewConsumerService(context.Background(), testConfig(t), loggingpkg.Discard(), ConsumerDependencies{
		Sink:        sink,
		Middlewares: []MiddlewareRegistration{{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anonymous_middleware")
}

func TestNewConsumerServiceRegistersMiddlewares(t *testing.T) {
	conf := testConfig(t)
	conf.RetryMaxRetries = 2

	svc := newTestConsumer(t, conf, ConsumerDependencies{Sink: &memorySink{}})
	// metrics disabled and no hooks: correlation, log, tracer, retry, recoverer
	assert.Len(t, svc.middlewares, 5)

	bare := newTestConsumer(t, testConfig(t), ConsumerDependencies{
		Sink:                      &memorySink{},
		DisableDefaultMiddlewares: true,
		Middlewares:               []MiddlewareRegistration{RecovererMiddleware()},
	})
	assert.Len(t, bare.middlewares, 1)
}

func TestConsumerServiceWritesToCSVSink(t *testing.T) {
	ch := brokertest.NewChannel()
	dialSequence(t, nil, ch)

	conf := testConfig(t)
	svc := newTestConsumer(t, conf, ConsumerDependencies{})
	stop := runConsumer(t, svc)

	require.Eventually(t, func() bool { return ch.Prefetch() == conf.PrefetchCount }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, svc.Connected())
	assert.Equal(t, []string{conf.QueueName, conf.PoisonQueueName()}, ch.Declared())

	ch.Deliver(publishing(t, "m1", testPayload("frame-1", "frame-2")))
	require.Eventually(t, func() bool { return len(ch.Acked()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
	assert.False(t, svc.Connected())
	require.NoError(t, svc.Close())

	data, err := os.ReadFile(conf.SinkPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(model.Columns, ","), lines[0])
	assert.Contains(t, lines[1], "frame-1")
	assert.Contains(t, lines[2], "frame-2")
}

func TestConsumerServiceReconnects(t *testing.T) {
	shortReconnects(t)
	first, second := brokertest.NewChannel(), brokertest.NewChannel()
	refused := errors.New("connection refused")
	dials := dialSequence(t, []error{refused, refused}, first, second)

	conf := testConfig(t)
	conf.MetricsEnabled = true
	reg := prometheus.NewRegistry()
	sink := &memorySink{}
	svc := newTestConsumer(t, conf, ConsumerDependencies{Sink: sink, Registerer: reg, Gatherer: reg})
	stop := runConsumer(t, svc)

	require.Eventually(t, func() bool { return first.Prefetch() == conf.PrefetchCount }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, dials.Count())
	assert.Equal(t, 2.0, counterValue(t, reg, "predictflow_broker_connects_total", map[string]string{"result": "failure"}))

	first.Fail("broker restarted")
	require.Eventually(t, func() bool { return second.Prefetch() == conf.PrefetchCount }, 2*time.Second, 5*time.Millisecond)

	second.Deliver(publishing(t, "m1", testPayload("frame-1")))
	require.Eventually(t, func() bool { return len(second.Acked()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, sink.Rows(), 1)

	svc.stats.mu.Lock()
	broker := svc.stats.Dependencies[svc.stats.dependencyIndex[brokerDependency(conf.QueueName)]]
	svc.stats.mu.Unlock()
	assert.Equal(t, DependencyStatusHealthy, broker.Status)

	require.NoError(t, stop())
	assert.False(t, sink.closed, "a supplied sink stays open")
}

func TestConsumerServiceStopsWhileBrokerUnavailable(t *testing.T) {
	shortReconnects(t)
	dialSequence(t, []error{errors.New("refused"), errors.New("refused"), errors.New("refused")})

	svc := newTestConsumer(t, testConfig(t), ConsumerDependencies{Sink: &memorySink{}})
	stop := runConsumer(t, svc)

	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, stop())
	assert.False(t, svc.Connected())
}

func TestConsumerServiceOpsServer(t *testing.T) {
	ch := brokertest.NewChannel()
	dialSequence(t, nil, ch)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	conf := testConfig(t)
	conf.OpsAddress = addr
	svc := newTestConsumer(t, conf, ConsumerDependencies{Sink: &memorySink{}})
	stop := runConsumer(t, svc)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/readyz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, stop())
	_, err = http.Get("http://" + addr + "/healthz")
	assert.Error(t, err, "ops server shut down with the consumer")
}

func newChannelProducerService(t *testing.T, conf *ProducerDependencies) (*ProducerService, *prometheus.Registry) {
	t.Helper()
	cfg := testConfig(t)
	cfg.Publisher = transportpkg.Channel
	cfg.QueueName = "service-submissions"
	cfg.MetricsEnabled = true
	reg := prometheus.NewRegistry()
	deps := ProducerDependencies{Registerer: reg, Gatherer: reg, Version: "test"}
	if conf != nil {
		deps.Codec = conf.Codec
	}
	svc, err := NewProducerService(cfg, loggingpkg.Discard(), deps)
	require.NoError(t, err)
	return svc, reg
}

func TestProducerServicePublishesSubmissions(t *testing.T) {
	t.Cleanup(func() { _ = transportpkg.ResetSharedChannel() })
	msgs, err := transportpkg.SharedChannel(watermill.NopLogger{}).Subscribe(context.Background(), "service-submissions")
	require.NoError(t, err)

	svc, reg := newChannelProducerService(t, &ProducerDependencies{Codec: codec.Protowire{}})
	assert.Equal(t, codec.ProtowireName, svc.Producer().Codec().Name())

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(submissionBody)))
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case msg := <-msgs:
		msg.Ack()
		assert.Equal(t, codec.ProtowireContentType, msg.Metadata.Get(metadata.KeyContentType))
		decoded, err := codec.Protowire{}.Decode(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, []string{model.LowProbTag}, decoded.Data.Preds[0].Tags)
	case <-time.After(2 * time.Second):
		t.Fatal("submission not published")
	}

	assert.Equal(t, 1.0, counterValue(t, reg, "predictflow_producer_submissions_total", map[string]string{"result": producer.ResultPublished}))

	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "predictflow_producer_publish_time_seconds")
}

func TestNewProducerServiceValidates(t *testing.T) {
	_, err := NewProducerService(nil, loggingpkg.Discard(), ProducerDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewProducerService(testConfig(t), nil, ProducerDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	conf := testConfig(t)
	conf.Publisher = "kafka"
	_, err = NewProducerService(conf, loggingpkg.Discard(), ProducerDependencies{})
	assert.ErrorContains(t, err, "publisher")
}

func TestServeListenerShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	logger := newRecordingLogger()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveListener(ctx, ln, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "pong")
		}), logger)
	}()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ = io.ReadAll(resp.Body)
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "pong", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.True(t, logger.Has("HTTP server stopped"))
}

func TestProducerServiceRunFailsOnBadAddress(t *testing.T) {
	svc, _ := newChannelProducerService(t, nil)
	svc.Conf.HTTPAddress = "256.0.0.1:-1"
	assert.ErrorContains(t, svc.Run(context.Background()), "listen on")
}

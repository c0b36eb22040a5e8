package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/predictflow/internal/runtime/dispatcher"
	"github.com/drblury/predictflow/internal/runtime/model"
	"github.com/drblury/predictflow/internal/runtime/producer"
)

type stubWriter struct {
	err     error
	appends int
}

func (w *stubWriter) Append(context.Context, model.Record) error {
	w.appends++
	return w.err
}

func (w *stubWriter) Close() error { return nil }

// counterValue sums every sample of the named counter whose labels include
// all of want.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range want {
				if labels[k] != v {
					match = false
					break
				}
			}
			if match {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}

func newTestMetrics(t *testing.T) (*PipelineMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)
	require.NoError(t, m.Register())
	return m, reg
}

func TestPipelineMetricsRegister(t *testing.T) {
	m, _ := newTestMetrics(t)
	assert.NoError(t, m.Register())

	// a second instance on the same registry adopts the existing collectors
	reg := prometheus.NewRegistry()
	first := NewPipelineMetrics(reg)
	require.NoError(t, first.Register())
	second := NewPipelineMetrics(reg)
	require.NoError(t, second.Register())

	first.RecordConnect(nil)
	second.RecordConnect(nil)
	assert.Equal(t, 2.0, counterValue(t, reg, "predictflow_broker_connects_total", nil))
}

func TestPipelineMetricsDeliveries(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.DeliveryStarted("predictions", 1)
	m.DeliveryFinished(dispatcher.Result{Queue: "predictions", Outcome: dispatcher.OutcomeAcked, Rows: 3, Duration: time.Millisecond})
	m.DeliveryStarted("predictions", 1)
	m.DeliveryFinished(dispatcher.Result{Queue: "predictions", Outcome: dispatcher.OutcomeRequeued})

	assert.Equal(t, 1.0, counterValue(t, reg, "predictflow_consumer_deliveries_total", map[string]string{"outcome": "acked"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "predictflow_consumer_deliveries_total", map[string]string{"outcome": "requeued"}))
	assert.Equal(t, 3.0, counterValue(t, reg, "predictflow_consumer_rows_written_total", map[string]string{"queue": "predictions"}))
}

func TestPipelineMetricsPoisonStats(t *testing.T) {
	m, reg := newTestMetrics(t)
	assert.Nil(t, m.PoisonStats("predictions"))

	m.DeliveryFinished(dispatcher.Result{Queue: "predictions", Outcome: dispatcher.OutcomeDeadLettered, Attempts: 3, PublishedAt: time.Now().Add(-time.Minute)})
	m.DeliveryFinished(dispatcher.Result{Queue: "predictions", Outcome: dispatcher.OutcomeDeadLettered, Attempts: 5})
	m.DeliveryFinished(dispatcher.Result{Queue: "predictions", Outcome: dispatcher.OutcomeRejected, Attempts: 1})

	stats := m.PoisonStats("predictions")
	require.NotNil(t, stats)
	assert.Equal(t, uint64(2), stats.MessagesDeadLettered)
	assert.Equal(t, uint64(1), stats.MessagesRejected)
	assert.InDelta(t, 4.0, stats.AvgAttempts, 0.001)
	assert.False(t, stats.OldestMessageAt.IsZero())
	assert.Equal(t, 2.0, counterValue(t, reg, "predictflow_poison_messages_total", nil))

	// snapshot is a copy
	stats.MessagesDeadLettered = 100
	assert.Equal(t, uint64(2), m.PoisonStats("predictions").MessagesDeadLettered)
}

func TestPipelineMetricsSubmissionsAndConnects(t *testing.T) {
	m, reg := newTestMetrics(t)
	var _ producer.Observer = m

	m.Submitted(producer.ResultPublished, time.Millisecond)
	m.Submitted(producer.ResultInvalid, time.Millisecond)
	m.RecordConnect(nil)
	m.RecordConnect(errors.New("refused"))
	m.RecordConnect(errors.New("refused"))

	assert.Equal(t, 1.0, counterValue(t, reg, "predictflow_producer_submissions_total", map[string]string{"result": producer.ResultPublished}))
	assert.Equal(t, 2.0, counterValue(t, reg, "predictflow_broker_connects_total", map[string]string{"result": "failure"}))
}

func TestInstrumentSink(t *testing.T) {
	m, reg := newTestMetrics(t)
	inner := &stubWriter{}
	w := m.InstrumentSink(inner, "csv")

	require.NoError(t, w.Append(context.Background(), model.Record{}))
	inner.err = errors.New("disk full")
	assert.EqualError(t, w.Append(context.Background(), model.Record{}), "disk full")
	assert.NoError(t, w.Close())

	assert.Equal(t, 2, inner.appends)
	assert.Equal(t, 1.0, counterValue(t, reg, "predictflow_sink_appends_total", map[string]string{"sink": "csv", "result": "success"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "predictflow_sink_appends_total", map[string]string{"sink": "csv", "result": "failure"}))
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordConnect(nil)

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "predictflow_broker_connects_total")
}

func TestMultiObserverFansOut(t *testing.T) {
	a, regA := newTestMetrics(t)
	b, regB := newTestMetrics(t)
	obs := multiObserver{a, b}

	obs.DeliveryStarted("q", 1)
	obs.DeliveryFinished(dispatcher.Result{Queue: "q", Outcome: dispatcher.OutcomeAcked})

	assert.Equal(t, 1.0, counterValue(t, regA, "predictflow_consumer_deliveries_total", nil))
	assert.Equal(t, 1.0, counterValue(t, regB, "predictflow_consumer_deliveries_total", nil))
}

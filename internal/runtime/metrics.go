package runtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/predictflow/internal/runtime/dispatcher"
	"github.com/drblury/predictflow/internal/runtime/ids"
	"github.com/drblury/predictflow/internal/runtime/model"
	"github.com/drblury/predictflow/internal/runtime/sink"
)

const metricsNamespace = "predictflow"

// PipelineMetrics exports producer and consumer activity to Prometheus. It
// implements both dispatcher.Observer and producer.Observer.
type PipelineMetrics struct {
	mu sync.RWMutex

	// Per-queue poison statistics
	poison map[string]*PoisonQueueStats

	submissions    *prometheus.CounterVec
	submitSeconds  *prometheus.HistogramVec
	deliveries     *prometheus.CounterVec
	taskSeconds    *prometheus.HistogramVec
	inFlight       *prometheus.GaugeVec
	rowsWritten    *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec
	poisonAttempts *prometheus.HistogramVec
	poisonAge      *prometheus.HistogramVec
	sinkAppends    *prometheus.CounterVec
	sinkSeconds    *prometheus.HistogramVec
	brokerConnects *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// PoisonQueueStats holds dead-letter figures for one source queue.
type PoisonQueueStats struct {
	MessagesDeadLettered uint64    `json:"messages_dead_lettered"`
	MessagesRejected     uint64    `json:"messages_rejected"`
	OldestMessageAt      time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt      time.Time `json:"newest_message_at,omitempty"`
	AvgAttempts          float64   `json:"avg_attempts"`
	LastUpdatedAt        time.Time `json:"last_updated_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewPipelineMetrics creates the collectors. Call Register before use.
func NewPipelineMetrics(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PipelineMetrics{
		poison:         make(map[string]*PoisonQueueStats),
		registerer:     registerer,
		submissions:    newCounterVec("producer", "submissions_total", "Submissions handled by the producer, by result", []string{"result"}),
		submitSeconds:  newHistogramVec("producer", "submit_duration_seconds", "Time spent validating, encoding and publishing a submission", prometheus.DefBuckets, []string{"result"}),
		deliveries:     newCounterVec("consumer", "deliveries_total", "Deliveries resolved by the consumer, by outcome", []string{"queue", "outcome"}),
		taskSeconds:    newHistogramVec("consumer", "task_duration_seconds", "Time from receipt to acknowledgment decision", prometheus.DefBuckets, []string{"queue", "outcome"}),
		inFlight:       newGaugeVec("consumer", "tasks_in_flight", "Deliveries currently being processed", []string{"queue"}),
		rowsWritten:    newCounterVec("consumer", "rows_written_total", "Records appended to the sink", []string{"queue"}),
		deadLetters:    newCounterVec("poison", "messages_total", "Undecodable messages moved to the poison queue", []string{"queue"}),
		poisonAttempts: newHistogramVec("poison", "delivery_attempts", "Delivery attempts before a message was dead-lettered", []float64{1, 2, 3, 5, 10, 20}, []string{"queue"}),
		poisonAge:      newHistogramVec("poison", "message_age_seconds", "Age of messages when dead-lettered", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, []string{"queue"}),
		sinkAppends:    newCounterVec("sink", "appends_total", "Record appends by sink and result", []string{"sink", "result"}),
		sinkSeconds:    newHistogramVec("sink", "append_duration_seconds", "Time spent appending one record", []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}, []string{"sink"}),
		brokerConnects: newCounterVec("broker", "connects_total", "Consumer connection attempts by result", []string{"result"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *PipelineMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	err := errors.Join(
		registerCollector(m.registerer, &m.submissions),
		registerCollector(m.registerer, &m.submitSeconds),
		registerCollector(m.registerer, &m.deliveries),
		registerCollector(m.registerer, &m.taskSeconds),
		registerCollector(m.registerer, &m.inFlight),
		registerCollector(m.registerer, &m.rowsWritten),
		registerCollector(m.registerer, &m.deadLetters),
		registerCollector(m.registerer, &m.poisonAttempts),
		registerCollector(m.registerer, &m.poisonAge),
		registerCollector(m.registerer, &m.sinkAppends),
		registerCollector(m.registerer, &m.sinkSeconds),
		registerCollector(m.registerer, &m.brokerConnects),
	)
	if err != nil {
		return err
	}

	m.registered = true
	return nil
}

// registerCollector registers *c, adopting the already registered collector
// when another PipelineMetrics got there first.
func registerCollector[T prometheus.Collector](r prometheus.Registerer, c *T) error {
	err := r.Register(*c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return err
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return err
	}
	*c = existing
	return nil
}

// Submitted implements producer.Observer.
func (m *PipelineMetrics) Submitted(result string, duration time.Duration) {
	m.submissions.WithLabelValues(result).Inc()
	m.submitSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// DeliveryStarted implements dispatcher.Observer.
func (m *PipelineMetrics) DeliveryStarted(queue string, inFlight int) {
	m.inFlight.WithLabelValues(queue).Set(float64(inFlight))
}

// DeliveryFinished implements dispatcher.Observer.
func (m *PipelineMetrics) DeliveryFinished(res dispatcher.Result) {
	outcome := string(res.Outcome)
	m.inFlight.WithLabelValues(res.Queue).Dec()
	m.deliveries.WithLabelValues(res.Queue, outcome).Inc()
	m.taskSeconds.WithLabelValues(res.Queue, outcome).Observe(res.Duration.Seconds())
	if res.Rows > 0 {
		m.rowsWritten.WithLabelValues(res.Queue).Add(float64(res.Rows))
	}

	switch res.Outcome {
	case dispatcher.OutcomeDeadLettered:
		m.recordDeadLetter(res)
	case dispatcher.OutcomeRejected:
		m.mu.Lock()
		stats := m.poisonStatsLocked(res.Queue)
		stats.MessagesRejected++
		stats.LastUpdatedAt = time.Now()
		m.mu.Unlock()
	}
}

func (m *PipelineMetrics) recordDeadLetter(res dispatcher.Result) {
	now := time.Now()
	age := time.Duration(0)
	if ts, ok := ids.Timestamp(res.MessageUUID); ok {
		age = now.Sub(ts)
	}
	if !res.PublishedAt.IsZero() {
		age = now.Sub(res.PublishedAt)
	}

	m.mu.Lock()
	stats := m.poisonStatsLocked(res.Queue)
	stats.MessagesDeadLettered++
	stats.LastUpdatedAt = now
	if stats.OldestMessageAt.IsZero() {
		stats.OldestMessageAt = now
	}
	stats.NewestMessageAt = now
	total := stats.MessagesDeadLettered
	stats.AvgAttempts = ((stats.AvgAttempts * float64(total-1)) + float64(res.Attempts)) / float64(total)
	m.mu.Unlock()

	m.deadLetters.WithLabelValues(res.Queue).Inc()
	m.poisonAttempts.WithLabelValues(res.Queue).Observe(float64(res.Attempts))
	m.poisonAge.WithLabelValues(res.Queue).Observe(age.Seconds())
}

func (m *PipelineMetrics) poisonStatsLocked(queue string) *PoisonQueueStats {
	if stats, ok := m.poison[queue]; ok {
		return stats
	}
	stats := &PoisonQueueStats{}
	m.poison[queue] = stats
	return stats
}

// PoisonStats returns a copy of the dead-letter figures for queue, or nil.
func (m *PipelineMetrics) PoisonStats(queue string) *PoisonQueueStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if stats, ok := m.poison[queue]; ok {
		cp := *stats
		return &cp
	}
	return nil
}

// RecordConnect counts a consumer connection attempt.
func (m *PipelineMetrics) RecordConnect(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.brokerConnects.WithLabelValues(result).Inc()
}

// InstrumentSink wraps w so every append is timed and counted under kind.
func (m *PipelineMetrics) InstrumentSink(w sink.Writer, kind string) sink.Writer {
	return &instrumentedSink{Writer: w, kind: kind, metrics: m}
}

type instrumentedSink struct {
	sink.Writer
	kind    string
	metrics *PipelineMetrics
}

func (s *instrumentedSink) Append(ctx context.Context, rec model.Record) error {
	started := time.Now()
	err := s.Writer.Append(ctx, rec)
	result := "success"
	if err != nil {
		result = "failure"
	}
	s.metrics.sinkAppends.WithLabelValues(s.kind, result).Inc()
	s.metrics.sinkSeconds.WithLabelValues(s.kind).Observe(time.Since(started).Seconds())
	return err
}

// MetricsHandler serves the collectors gathered by g in the Prometheus text
// format. A nil gatherer serves the default registry.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// multiObserver fans dispatcher events out to several observers.
type multiObserver []dispatcher.Observer

func (m multiObserver) DeliveryStarted(queue string, inFlight int) {
	for _, o := range m {
		o.DeliveryStarted(queue, inFlight)
	}
}

func (m multiObserver) DeliveryFinished(res dispatcher.Result) {
	for _, o := range m {
		o.DeliveryFinished(res)
	}
}

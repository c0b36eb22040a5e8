package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drblury/predictflow/internal/runtime/dispatcher"
	errspkg "github.com/drblury/predictflow/internal/runtime/errors"
	"github.com/drblury/predictflow/internal/runtime/ids"
	"github.com/drblury/predictflow/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// PipelineStats aggregates consumer activity for the stats API. It implements
// dispatcher.Observer.
type PipelineStats struct {
	mu sync.Mutex `json:"-"`

	Queue string `json:"queue"`

	MessagesProcessed   uint64        `json:"messages_processed"`
	MessagesFailed      uint64        `json:"messages_failed"`
	RowsWritten         uint64        `json:"rows_written"`
	TotalProcessingTime int64         `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time     `json:"last_processed_at"`
	Outcomes            OutcomeCounts `json:"outcomes"`

	Latency      LatencyMetrics     `json:"latency"`
	Throughput   ThroughputMetrics  `json:"throughput"`
	Errors       ErrorBreakdown     `json:"errors"`
	Resource     ResourceUsage      `json:"resource"`
	Backlog      BacklogMetrics     `json:"backlog"`
	Dependencies []DependencyHealth `json:"dependencies"`

	sinkKind         string
	classifier       ErrorClassifier
	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	resourceSampler  *resourceTracker
	dependencyIndex  map[string]int
}

// OutcomeCounts tallies deliveries by terminal state.
type OutcomeCounts struct {
	Acked        uint64 `json:"acked"`
	Requeued     uint64 `json:"requeued"`
	DeadLettered uint64 `json:"dead_lettered"`
	Rejected     uint64 `json:"rejected"`
	Abandoned    uint64 `json:"abandoned"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Decode    uint64 `json:"decode"`
	Transport uint64 `json:"transport"`
	Sink      uint64 `json:"sink"`
	Other     uint64 `json:"other"`
	LastError string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// BacklogMetrics tracks concurrency and how far the consumer trails the
// producer. EstimatedLagMillis is -1 until a message with a publish time or a
// ULID id has been processed.
type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

type DependencyHealth struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Details     string    `json:"details,omitempty"`
}

const (
	DependencyStatusUnknown  = "unknown"
	DependencyStatusHealthy  = "healthy"
	DependencyStatusDegraded = "degraded"
)

type ErrorCategory string

const (
	ErrorCategoryNone      ErrorCategory = "none"
	ErrorCategoryDecode    ErrorCategory = "decode"
	ErrorCategoryTransport ErrorCategory = "transport"
	ErrorCategorySink      ErrorCategory = "sink"
	ErrorCategoryOther     ErrorCategory = "other"
)

type ErrorClassifier func(error) ErrorCategory

// NewPipelineStats creates stats for queue with the broker and sink listed as
// dependencies of unknown health.
func NewPipelineStats(queue, sinkKind string, classifier ErrorClassifier) *PipelineStats {
	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	stats := &PipelineStats{
		Queue:            queue,
		sinkKind:         sinkKind,
		classifier:       classifier,
		resourceSampler:  newResourceTracker(),
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		Backlog:          BacklogMetrics{EstimatedLagMillis: -1},
		dependencyIndex:  make(map[string]int),
	}
	stats.addDependency(brokerDependency(queue))
	if sinkKind != "" {
		stats.addDependency(sinkDependency(sinkKind))
	}
	return stats
}

func brokerDependency(queue string) string { return "broker:" + queue }
func sinkDependency(kind string) string    { return "sink:" + kind }

func (h *PipelineStats) addDependency(name string) {
	h.Dependencies = append(h.Dependencies, DependencyHealth{
		Name:   name,
		Status: DependencyStatusUnknown,
	})
	h.dependencyIndex[name] = len(h.Dependencies) - 1
}

// DeliveryStarted implements dispatcher.Observer.
func (h *PipelineStats) DeliveryStarted(_ string, inFlight int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Backlog.InFlight = uint64(inFlight)
	if h.Backlog.InFlight > h.Backlog.MaxInFlight {
		h.Backlog.MaxInFlight = h.Backlog.InFlight
	}
}

// DeliveryFinished implements dispatcher.Observer.
func (h *PipelineStats) DeliveryFinished(res dispatcher.Result) {
	now := time.Now()
	lag := estimateLag(res, now)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}
	if lag >= 0 {
		h.Backlog.EstimatedLagMillis = lag
	}

	h.MessagesProcessed++
	if res.Err != nil {
		h.MessagesFailed++
	}
	h.RowsWritten += uint64(res.Rows)
	h.TotalProcessingTime += int64(res.Duration)
	h.LastProcessedAt = now.UTC()
	h.Outcomes.record(res.Outcome)

	h.latencyWindow.Add(res.Duration)
	h.Latency = h.latencyWindow.Snapshot()
	h.Throughput = h.throughputWindow.Observe(now)
	h.Throughput.TotalMessages = h.MessagesProcessed

	category := h.classifier(res.Err)
	h.Errors.Record(category, res.Err)

	if h.resourceSampler != nil {
		h.Resource = h.resourceSampler.Snapshot()
	}

	if h.sinkKind == "" {
		return
	}
	switch category {
	case ErrorCategorySink:
		h.setDependencyStatusLocked(sinkDependency(h.sinkKind), DependencyStatusDegraded, res.Err.Error())
	case ErrorCategoryNone:
		h.setDependencyStatusLocked(sinkDependency(h.sinkKind), DependencyStatusHealthy, "")
	}
}

// SetDependencyStatus records the health of a named dependency.
func (h *PipelineStats) SetDependencyStatus(name, status, details string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setDependencyStatusLocked(name, status, details)
}

func (h *PipelineStats) setDependencyStatusLocked(name, status, details string) {
	if name == "" {
		return
	}
	idx, ok := h.dependencyIndex[name]
	if !ok {
		h.Dependencies = append(h.Dependencies, DependencyHealth{Name: name})
		idx = len(h.Dependencies) - 1
		h.dependencyIndex[name] = idx
	}
	dep := h.Dependencies[idx]
	dep.Status = status
	dep.Details = details
	dep.LastChecked = time.Now().UTC()
	h.Dependencies[idx] = dep
}

// estimateLag derives the time between publication and completion, in
// milliseconds, from the published_at header or the ULID message id.
func estimateLag(res dispatcher.Result, now time.Time) int64 {
	published := res.PublishedAt
	if published.IsZero() {
		ts, ok := ids.Timestamp(res.MessageUUID)
		if !ok {
			return -1
		}
		published = ts
	}
	lag := now.Sub(published).Milliseconds()
	if lag < 0 {
		return 0
	}
	return lag
}

func (h *PipelineStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type Alias PipelineStats
	return jsoncodec.Marshal((*Alias)(h))
}

func (o *OutcomeCounts) record(outcome dispatcher.Outcome) {
	switch outcome {
	case dispatcher.OutcomeAcked:
		o.Acked++
	case dispatcher.OutcomeRequeued:
		o.Requeued++
	case dispatcher.OutcomeDeadLettered:
		o.DeadLettered++
	case dispatcher.OutcomeRejected:
		o.Rejected++
	case dispatcher.OutcomeAbandoned:
		o.Abandoned++
	}
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryDecode:
		e.Decode++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategorySink:
		e.Sink++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var decodeErr *errspkg.DeserializationError
	var writeErr *errspkg.WriteError
	switch {
	case errors.As(err, &decodeErr):
		return ErrorCategoryDecode
	case errors.As(err, &writeErr):
		return ErrorCategorySink
	case errspkg.IsConnection(err), errors.Is(err, errspkg.ErrAcknowledgmentSkipped):
		return ErrorCategoryTransport
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategorySink
	default:
		return ErrorCategoryOther
	}
}

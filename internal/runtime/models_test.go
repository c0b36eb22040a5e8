package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/predictflow/internal/runtime/dispatcher"
	errspkg "github.com/drblury/predictflow/internal/runtime/errors"
	"github.com/drblury/predictflow/internal/runtime/ids"
	"github.com/drblury/predictflow/internal/runtime/jsoncodec"
)

func TestPipelineStatsCollectsExtendedMetrics(t *testing.T) {
	stats := NewPipelineStats("predictions", "csv", nil)

	stats.DeliveryStarted("predictions", 1)
	stats.DeliveryStarted("predictions", 2)
	stats.DeliveryFinished(dispatcher.Result{
		Queue:       "predictions",
		Outcome:     dispatcher.OutcomeRequeued,
		Err:         &errspkg.WriteError{Sink: "csv", Err: errors.New("disk full")},
		Duration:    5 * time.Millisecond,
		PublishedAt: time.Now().Add(-1500 * time.Millisecond),
	})

	stats.mu.Lock()
	defer stats.mu.Unlock()

	if stats.MessagesProcessed != 1 {
		t.Fatalf("expected 1 processed message, got %d", stats.MessagesProcessed)
	}
	if stats.MessagesFailed != 1 {
		t.Fatalf("expected failure count to increment")
	}
	if stats.Outcomes.Requeued != 1 {
		t.Fatalf("expected requeued outcome, got %+v", stats.Outcomes)
	}
	if stats.Backlog.MaxInFlight != 2 || stats.Backlog.InFlight != 1 {
		t.Fatalf("unexpected backlog %+v", stats.Backlog)
	}
	if stats.Backlog.EstimatedLagMillis < 1400 {
		t.Fatalf("expected lag to be recorded, got %d", stats.Backlog.EstimatedLagMillis)
	}
	if stats.Errors.Sink != 1 || stats.Errors.LastError == "" {
		t.Fatalf("expected sink error bucket to increment, got %+v", stats.Errors)
	}
	if len(stats.Dependencies) != 2 {
		t.Fatalf("expected broker and sink dependency entries, got %d", len(stats.Dependencies))
	}
	sink := stats.Dependencies[1]
	if sink.Name != "sink:csv" || sink.Status != DependencyStatusDegraded {
		t.Fatalf("expected sink to be marked degraded, got %+v", sink)
	}
	if stats.Throughput.TotalMessages != 1 {
		t.Fatalf("expected throughput total to track processed messages")
	}
	if stats.Latency.SampleSize == 0 {
		t.Fatalf("expected latency metrics to have samples")
	}
}

func TestPipelineStatsRecoversSinkHealth(t *testing.T) {
	stats := NewPipelineStats("predictions", "sqlite", nil)

	stats.DeliveryFinished(dispatcher.Result{Outcome: dispatcher.OutcomeRequeued, Err: &errspkg.WriteError{Sink: "sqlite", Err: errors.New("locked")}})
	stats.DeliveryFinished(dispatcher.Result{Outcome: dispatcher.OutcomeAcked, Rows: 4})

	stats.mu.Lock()
	defer stats.mu.Unlock()
	assert.Equal(t, DependencyStatusHealthy, stats.Dependencies[stats.dependencyIndex["sink:sqlite"]].Status)
	assert.Equal(t, uint64(4), stats.RowsWritten)
	assert.Equal(t, OutcomeCounts{Acked: 1, Requeued: 1}, stats.Outcomes)
}

func TestPipelineStatsLagFromULID(t *testing.T) {
	stats := NewPipelineStats("predictions", "", nil)
	assert.Equal(t, int64(-1), stats.Backlog.EstimatedLagMillis)

	stats.DeliveryFinished(dispatcher.Result{Outcome: dispatcher.OutcomeAcked, MessageUUID: ids.CreateULID()})
	stats.mu.Lock()
	lag := stats.Backlog.EstimatedLagMillis
	stats.mu.Unlock()
	assert.GreaterOrEqual(t, lag, int64(0))

	// a non-ULID id without publish time leaves the last estimate alone
	stats.DeliveryFinished(dispatcher.Result{Outcome: dispatcher.OutcomeAcked, MessageUUID: "not-a-ulid"})
	stats.mu.Lock()
	defer stats.mu.Unlock()
	assert.Equal(t, lag, stats.Backlog.EstimatedLagMillis)
	assert.Len(t, stats.Dependencies, 1, "no sink dependency without a sink kind")
}

func TestPipelineStatsSetDependencyStatus(t *testing.T) {
	stats := NewPipelineStats("predictions", "csv", nil)
	stats.SetDependencyStatus(brokerDependency("predictions"), DependencyStatusDegraded, "refused")
	stats.SetDependencyStatus("cache", DependencyStatusHealthy, "")
	stats.SetDependencyStatus("", DependencyStatusHealthy, "")

	body, err := jsoncodec.Marshal(stats)
	require.NoError(t, err)

	var decoded struct {
		Queue        string             `json:"queue"`
		Dependencies []DependencyHealth `json:"dependencies"`
	}
	require.NoError(t, jsoncodec.Unmarshal(body, &decoded))
	assert.Equal(t, "predictions", decoded.Queue)
	require.Len(t, decoded.Dependencies, 3)
	assert.Equal(t, DependencyStatusDegraded, decoded.Dependencies[0].Status)
	assert.Equal(t, "refused", decoded.Dependencies[0].Details)
	assert.Equal(t, DependencyStatusUnknown, decoded.Dependencies[1].Status)
	assert.Equal(t, "cache", decoded.Dependencies[2].Name)
}

func TestDefaultErrorClassifier(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCategory
	}{
		{nil, ErrorCategoryNone},
		{&errspkg.DeserializationError{Codec: "json", Err: errors.New("bad")}, ErrorCategoryDecode},
		{fmt.Errorf("wrapped: %w", &errspkg.WriteError{Sink: "csv", Err: errors.New("x")}), ErrorCategorySink},
		{&errspkg.ConnectionError{Op: "publish", Err: errors.New("closed")}, ErrorCategoryTransport},
		{errspkg.ErrAcknowledgmentSkipped, ErrorCategoryTransport},
		{context.DeadlineExceeded, ErrorCategorySink},
		{errors.New("boom"), ErrorCategoryOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, defaultErrorClassifier(tt.err), "%v", tt.err)
	}
}

func TestPipelineStatsCustomClassifier(t *testing.T) {
	stats := NewPipelineStats("q", "csv", func(error) ErrorCategory { return ErrorCategoryTransport })
	stats.DeliveryFinished(dispatcher.Result{Outcome: dispatcher.OutcomeAbandoned, Err: errors.New("gone")})

	stats.mu.Lock()
	defer stats.mu.Unlock()
	assert.Equal(t, uint64(1), stats.Errors.Transport)
	assert.Equal(t, uint64(1), stats.Outcomes.Abandoned)
}

func TestPercentileAndLatencyWindow(t *testing.T) {
	assert.Zero(t, percentile(nil, 0.5))
	samples := []int64{10, 20, 30, 40}
	assert.Equal(t, int64(10), percentile(samples, 0))
	assert.Equal(t, int64(40), percentile(samples, 1))
	assert.Equal(t, int64(25), percentile(samples, 0.5))

	lw := newLatencyWindow(2)
	lw.Add(time.Duration(10))
	lw.Add(time.Duration(20))
	lw.Add(time.Duration(30))
	snap := lw.Snapshot()
	assert.Equal(t, 2, snap.SampleSize)
	assert.Equal(t, int64(25), snap.AverageNs)
	assert.Equal(t, int64(30), snap.LastNs)
}

func TestThroughputWindowBuckets(t *testing.T) {
	tw := newThroughputWindow(10 * time.Second)
	base := time.Unix(1000, 0)

	tw.Observe(base)
	tw.Observe(base.Add(500 * time.Millisecond))
	got := tw.Observe(base.Add(2 * time.Second))
	assert.Equal(t, uint64(3), got.MessagesInWindow)
	assert.InDelta(t, 2.0, got.WindowSeconds, 1e-9)
	assert.InDelta(t, 1.5, got.CurrentRPS, 1e-9)

	// older buckets fall out of the horizon
	got = tw.Observe(base.Add(20 * time.Second))
	assert.Equal(t, uint64(1), got.MessagesInWindow)
	assert.InDelta(t, 9.0, got.WindowSeconds, 1e-9)

	var nilWindow *throughputWindow
	assert.Zero(t, nilWindow.Observe(base))
}

package runtime

import (
	"slices"
	"time"
)

// latencyWindow keeps the most recent task durations, oldest first.
type latencyWindow struct {
	limit   int
	samples []int64
	last    int64
}

func newLatencyWindow(limit int) *latencyWindow {
	if limit <= 0 {
		limit = latencySampleSize
	}
	return &latencyWindow{limit: limit, samples: make([]int64, 0, limit)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil {
		return
	}
	lw.last = int64(d)
	if len(lw.samples) < lw.limit {
		lw.samples = append(lw.samples, int64(d))
		return
	}
	copy(lw.samples, lw.samples[1:])
	lw.samples[len(lw.samples)-1] = int64(d)
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	if lw == nil {
		return LatencyMetrics{}
	}
	out := LatencyMetrics{LastNs: lw.last, SampleSize: len(lw.samples)}
	if out.SampleSize == 0 {
		return out
	}
	sorted := slices.Sorted(slices.Values(lw.samples))
	var total int64
	for _, v := range sorted {
		total += v
	}
	out.AverageNs = total / int64(len(sorted))
	out.P50Ns = percentile(sorted, 0.50)
	out.P95Ns = percentile(sorted, 0.95)
	out.P99Ns = percentile(sorted, 0.99)
	return out
}

// percentile interpolates linearly between the two closest ranks of an
// ascending slice.
func percentile(sorted []int64, q float64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := max(q, 0) * float64(n-1)
	i := int(rank)
	if i >= n-1 {
		return sorted[n-1]
	}
	frac := rank - float64(i)
	return sorted[i] + int64(frac*float64(sorted[i+1]-sorted[i]))
}

// throughputWindow counts processed messages in one-second buckets covering
// the horizon, so memory stays fixed regardless of the message rate.
type throughputWindow struct {
	buckets []rateBucket
	since   time.Time
}

type rateBucket struct {
	second int64
	count  uint64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	n := max(int(horizon/time.Second), 1)
	return &throughputWindow{buckets: make([]rateBucket, n)}
}

// Observe records one message at now and returns the rate over the part of
// the horizon that has seen traffic. The span never drops below a second.
func (tw *throughputWindow) Observe(now time.Time) ThroughputMetrics {
	if tw == nil {
		return ThroughputMetrics{}
	}
	if tw.since.IsZero() {
		tw.since = now
	}
	sec := now.Unix()
	b := &tw.buckets[int(sec%int64(len(tw.buckets)))]
	if b.second != sec {
		*b = rateBucket{second: sec}
	}
	b.count++

	oldest := sec - int64(len(tw.buckets)) + 1
	var count uint64
	for _, bucket := range tw.buckets {
		if bucket.second >= oldest && bucket.second <= sec {
			count += bucket.count
		}
	}

	start := time.Unix(oldest, 0)
	if tw.since.After(start) {
		start = tw.since
	}
	span := max(now.Sub(start), time.Second)
	return ThroughputMetrics{
		CurrentRPS:       float64(count) / span.Seconds(),
		WindowSeconds:    span.Seconds(),
		MessagesInWindow: count,
	}
}

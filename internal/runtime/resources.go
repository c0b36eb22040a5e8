package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	cpuMetric        = "/cpu/classes/total:cpu-seconds"
	heapMetric       = "/memory/classes/heap/objects:bytes"
	goroutinesMetric = "/sched/goroutines:goroutines"
)

// resourceTracker samples process CPU, heap and goroutine figures for the
// stats API. Reading runtime/metrics does not stop the world.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{{Name: cpuMetric}, {Name: heapMetric}, {Name: goroutinesMetric}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := time.Now()
	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}

	for _, sample := range r.samples {
		switch sample.Name {
		case cpuMetric:
			if sample.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpuSeconds := sample.Value.Float64()
			if !r.lastSample.IsZero() {
				deltaWall := now.Sub(r.lastSample).Seconds()
				if deltaWall > 0 && r.numCPU > 0 {
					usage.CPUPercent = (cpuSeconds - r.lastCPUSeconds) / deltaWall / r.numCPU * 100
				}
			}
			r.lastCPUSeconds = cpuSeconds
		case heapMetric:
			if sample.Value.Kind() == metrics.KindUint64 {
				usage.MemoryBytes = sample.Value.Uint64()
			}
		case goroutinesMetric:
			if sample.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(sample.Value.Uint64())
			}
		}
	}
	r.lastSample = now

	if usage.MemoryBytes == 0 {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		usage.MemoryBytes = mem.HeapAlloc
	}
	return usage
}

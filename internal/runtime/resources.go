package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	"github.com/drblury/sagaflow/internal/runtime/stats"
)

// Sampled through runtime/metrics, which does not stop the world.
const (
	metricCPUSeconds = "/cpu/classes/total:cpu-seconds"
	metricHeapBytes  = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
)

type ResourceUsage = stats.ResourceUsage

// resourceTracker derives CPU utilisation from the delta between two
// samples, so the first sample reports 0%.
type resourceTracker struct {
	mu      sync.Mutex
	clock   clock.Clock
	samples []metrics.Sample
	numCPU  float64

	prevCPU float64
	prevAt  time.Time
}

func newResourceTracker(clk clock.Clock) *resourceTracker {
	return &resourceTracker{
		clock: clock.OrReal(clk),
		samples: []metrics.Sample{
			{Name: metricCPUSeconds},
			{Name: metricHeapBytes},
			{Name: metricGoroutines},
		},
		numCPU: float64(runtime.GOMAXPROCS(0)),
	}
}

func (r *resourceTracker) sample() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := r.clock.Now()
	usage := ResourceUsage{SampledAt: now}

	for _, s := range r.samples {
		switch s.Name {
		case metricCPUSeconds:
			if s.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := s.Value.Float64()
			if wall := now.Sub(r.prevAt).Seconds(); !r.prevAt.IsZero() && wall > 0 {
				usage.CPUPercent = max(cpu-r.prevCPU, 0) / wall / r.numCPU * 100
			}
			r.prevCPU, r.prevAt = cpu, now
		case metricHeapBytes:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.HeapBytes = s.Value.Uint64()
			}
		case metricGoroutines:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(s.Value.Uint64())
			}
		}
	}
	return usage
}

// ResourceUsage samples the process and sums the backlog of every handler
// member.
func (c *Channel) ResourceUsage() ResourceUsage {
	usage := c.resources.sample()
	for _, h := range c.Handlers() {
		usage.Handlers++
		if h.Stats == nil {
			continue
		}
		backlog := h.Stats.Snapshot().Backlog
		usage.InFlight += int(backlog.InFlight)
		usage.ActiveKeys += backlog.ActiveKeys
		usage.MaxInFlight = max(usage.MaxInFlight, int(backlog.MaxInFlight))
	}
	return usage
}

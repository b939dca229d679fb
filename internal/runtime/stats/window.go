package stats

import (
	"math"
	"slices"
	"time"
)

const (
	latencySamples   = 256
	throughputWindow = time.Minute
)

// durationRing keeps the last len(buf) attempt durations.
type durationRing struct {
	buf  []time.Duration
	next int
	full bool
}

func newDurationRing(size int) *durationRing {
	if size <= 0 {
		size = latencySamples
	}
	return &durationRing{buf: make([]time.Duration, 0, size)}
}

func (r *durationRing) push(d time.Duration) {
	if !r.full {
		r.buf = append(r.buf, d)
		r.full = len(r.buf) == cap(r.buf)
		r.next = len(r.buf) % cap(r.buf)
		return
	}
	r.buf[r.next] = d
	r.next = (r.next + 1) % len(r.buf)
}

func (r *durationRing) last() time.Duration {
	if len(r.buf) == 0 {
		return 0
	}
	i := r.next - 1
	if i < 0 {
		i = len(r.buf) - 1
	}
	return r.buf[i]
}

func (r *durationRing) summary() LatencyMetrics {
	if len(r.buf) == 0 {
		return LatencyMetrics{}
	}
	sorted := slices.Clone(r.buf)
	slices.Sort(sorted)
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return LatencyMetrics{
		Mean:    sum / time.Duration(len(sorted)),
		P50:     nearestRank(sorted, 0.50),
		P95:     nearestRank(sorted, 0.95),
		P99:     nearestRank(sorted, 0.99),
		Max:     sorted[len(sorted)-1],
		Last:    r.last(),
		Samples: len(sorted),
	}
}

// nearestRank returns the q-quantile of ascending samples: the smallest
// sample with at least q of the samples at or below it.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(n)))
	return sorted[min(max(rank, 1), n)-1]
}

// rateWindow counts events in one-second buckets over a trailing window.
type rateWindow struct {
	counts  []uint64
	seconds []int64
}

func newRateWindow(window time.Duration) *rateWindow {
	n := max(int(window/time.Second), 1)
	return &rateWindow{counts: make([]uint64, n), seconds: make([]int64, n)}
}

func (w *rateWindow) add(at time.Time) {
	sec := at.Unix()
	i := int(sec % int64(len(w.counts)))
	if w.seconds[i] != sec {
		w.seconds[i] = sec
		w.counts[i] = 0
	}
	w.counts[i]++
}

func (w *rateWindow) count(now time.Time) uint64 {
	oldest := now.Unix() - int64(len(w.counts)) + 1
	var total uint64
	for i, sec := range w.seconds {
		if sec >= oldest && sec <= now.Unix() {
			total += w.counts[i]
		}
	}
	return total
}

func (w *rateWindow) span() time.Duration {
	return time.Duration(len(w.counts)) * time.Second
}

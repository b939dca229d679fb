// Package stats holds the counters and point-in-time views the consumer
// keeps for inspection: per-handler statistics, process resource usage and
// dead letter totals.
package stats

import (
	"maps"
	"sync"
	"time"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
)

// HandlerInfo describes a subscribed handler for inspection.
type HandlerInfo struct {
	Name               string        `json:"name"`
	Topic              string        `json:"topic"`
	Group              string        `json:"group"`
	Member             int           `json:"member"`
	MaxRetries         int           `json:"max_retries"`
	AckAfterProcessing bool          `json:"ack_after_processing"`
	SubscribedAt       time.Time     `json:"subscribed_at"`
	Stats              *HandlerStats `json:"stats"`
}

// HandlerStats counts the attempts and terminal outcomes of one handler
// member. Read it through Snapshot.
type HandlerStats struct {
	mu    sync.Mutex
	clock clock.Clock

	Attempts       uint64        `json:"attempts"`
	AttemptsFailed uint64        `json:"attempts_failed"`
	Acked          uint64        `json:"acked"`
	Skipped        uint64        `json:"skipped"`
	Retried        uint64        `json:"retried"`
	DeadLettered   uint64        `json:"dead_lettered"`
	Busy           time.Duration `json:"busy_ns"`
	LastAttemptAt  time.Time     `json:"last_attempt_at"`
	LastOutcomeAt  time.Time     `json:"last_outcome_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Backlog    BacklogMetrics    `json:"backlog"`

	durations *durationRing
	finished  *rateWindow
}

// LatencyMetrics summarises the most recent attempt durations.
type LatencyMetrics struct {
	Mean    time.Duration `json:"mean_ns"`
	P50     time.Duration `json:"p50_ns"`
	P95     time.Duration `json:"p95_ns"`
	P99     time.Duration `json:"p99_ns"`
	Max     time.Duration `json:"max_ns"`
	Last    time.Duration `json:"last_ns"`
	Samples int           `json:"samples"`
}

// ThroughputMetrics is the rate of finished deliveries over the trailing
// window.
type ThroughputMetrics struct {
	PerSecond float64       `json:"per_second"`
	Window    time.Duration `json:"window_ns"`
	InWindow  uint64        `json:"in_window"`
	Finished  uint64        `json:"finished"`
}

// ErrorBreakdown counts failed attempts per ErrorCategory.
type ErrorBreakdown struct {
	ByCategory   map[ErrorCategory]uint64 `json:"by_category,omitempty"`
	LastCategory ErrorCategory            `json:"last_category,omitempty"`
	LastError    string                   `json:"last_error,omitempty"`
	LastErrorAt  time.Time                `json:"last_error_at"`
}

// Count returns the failures recorded under category.
func (e ErrorBreakdown) Count(category ErrorCategory) uint64 {
	return e.ByCategory[category]
}

// Total returns all recorded failures.
func (e ErrorBreakdown) Total() uint64 {
	var n uint64
	for _, c := range e.ByCategory {
		n += c
	}
	return n
}

func (e *ErrorBreakdown) record(category ErrorCategory, err error, at time.Time) {
	if err == nil {
		return
	}
	if category == ErrorCategoryNone || category == "" {
		category = ErrorCategoryOther
	}
	if e.ByCategory == nil {
		e.ByCategory = make(map[ErrorCategory]uint64)
	}
	e.ByCategory[category]++
	e.LastCategory = category
	e.LastError = err.Error()
	e.LastErrorAt = at
}

// BacklogMetrics tracks deliveries handed to the member's key queues that
// have not reached a terminal outcome yet.
type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
	ActiveKeys  int    `json:"active_keys"`
}

// ErrorCategory labels a failed attempt.
type ErrorCategory string

const (
	ErrorCategoryNone      ErrorCategory = "none"
	ErrorCategoryCodec     ErrorCategory = "codec"
	ErrorCategoryTransport ErrorCategory = "transport"
	ErrorCategoryTimeout   ErrorCategory = "timeout"
	ErrorCategoryLock      ErrorCategory = "lock"
	ErrorCategorySaga      ErrorCategory = "saga"
	ErrorCategoryPanic     ErrorCategory = "panic"
	ErrorCategoryOther     ErrorCategory = "other"
)

// ErrorClassifier buckets handler errors for HandlerStats.
type ErrorClassifier func(error) ErrorCategory

// NewHandlerStats returns empty statistics timed by clk.
func NewHandlerStats(clk clock.Clock) *HandlerStats {
	return &HandlerStats{
		clock:     clock.OrReal(clk),
		durations: newDurationRing(latencySamples),
		finished:  newRateWindow(throughputWindow),
	}
}

// OnEnqueue counts a delivery handed to a key queue.
func (h *HandlerStats) OnEnqueue(activeKeys int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Backlog.InFlight++
	h.Backlog.MaxInFlight = max(h.Backlog.MaxInFlight, h.Backlog.InFlight)
	h.Backlog.ActiveKeys = activeKeys
}

// OnAttempt records one handler invocation. category is only read when err
// is not nil.
func (h *HandlerStats) OnAttempt(took time.Duration, err error, category ErrorCategory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.clock.Now()
	h.Attempts++
	h.Busy += took
	h.LastAttemptAt = now
	h.durations.push(took)
	h.Latency = h.durations.summary()
	if err != nil {
		h.AttemptsFailed++
		h.Errors.record(category, err, now)
	}
}

func (h *HandlerStats) OnRetry() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Retried++
}

// OnOutcome records how a delivery ended. OutcomeRetry is passed when the
// delivery was handed back to the broker and only releases the backlog slot.
func (h *HandlerStats) OnOutcome(outcome errspkg.Outcome, activeKeys int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch outcome {
	case errspkg.OutcomeAck:
		h.Acked++
	case errspkg.OutcomeSkip:
		h.Skipped++
	case errspkg.OutcomeDeadLetter:
		h.DeadLettered++
	}
	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}
	h.Backlog.ActiveKeys = activeKeys

	now := h.clock.Now()
	h.LastOutcomeAt = now
	h.finished.add(now)
	h.Throughput = ThroughputMetrics{
		InWindow: h.finished.count(now),
		Window:   h.finished.span(),
		Finished: h.Acked + h.Skipped + h.DeadLettered,
	}
	h.Throughput.PerSecond = float64(h.Throughput.InWindow) / h.Throughput.Window.Seconds()
}

// Snapshot returns a copy that is safe to read without locking.
func (h *HandlerStats) Snapshot() HandlerStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	errs := h.Errors
	errs.ByCategory = maps.Clone(h.Errors.ByCategory)
	return HandlerStats{
		Attempts:       h.Attempts,
		AttemptsFailed: h.AttemptsFailed,
		Acked:          h.Acked,
		Skipped:        h.Skipped,
		Retried:        h.Retried,
		DeadLettered:   h.DeadLettered,
		Busy:           h.Busy,
		LastAttemptAt:  h.LastAttemptAt,
		LastOutcomeAt:  h.LastOutcomeAt,
		Latency:        h.Latency,
		Throughput:     h.Throughput,
		Errors:         errs,
		Backlog:        h.Backlog,
	}
}

// MarshalJSON encodes a snapshot so the live counters are never read unlocked.
func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	snapshot := h.Snapshot()
	type plain HandlerStats
	return jsoncodec.Marshal((*plain)(&snapshot))
}

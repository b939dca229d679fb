package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	"github.com/drblury/sagaflow/internal/runtime/dlq"
	"github.com/drblury/sagaflow/internal/runtime/stats"
)

// DLQMetrics tracks dead letter activity per original topic, both as
// Prometheus series under sagaflow_dlq_* and as an in-process snapshot for
// the inspection API.
type DLQMetrics struct {
	mu     sync.RWMutex
	topics map[string]*DLQTopicMetrics
	clock  clock.Clock

	recordedTotal *prometheus.CounterVec
	replayedTotal *prometheus.CounterVec
	purgedTotal   *prometheus.CounterVec
	pending       *prometheus.GaugeVec
	age           *prometheus.HistogramVec
	attempts      *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

type (
	DLQTopicMetrics    = stats.DeadLetterTopic
	DLQMetricsSnapshot = stats.DeadLetters
)

// NewDLQMetrics creates the dead letter collectors. They are registered on
// registerer (the default registry when nil) by Register, which the Channel
// calls on construction.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DLQMetrics{
		topics:        make(map[string]*DLQTopicMetrics),
		clock:         clock.Real{},
		registerer:    registerer,
		recordedTotal: newCounterVec("dlq", "messages_total", "Deliveries moved to the dead letter store", "topic", "handler"),
		replayedTotal: newCounterVec("dlq", "replayed_total", "Dead letter entries replayed onto their topic", "topic"),
		purgedTotal:   newCounterVec("dlq", "purged_total", "Dead letter entries purged", "topic"),
		pending:       newGaugeVec("dlq", "messages_current", "Dead letter entries awaiting replay or purge", "topic"),
		age:           newHistogramVec("dlq", "message_age_seconds", "Time between receiving a delivery and dead-lettering it", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, "topic"),
		attempts:      newHistogramVec("dlq", "attempts", "Handler invocations before a delivery was dead-lettered", []float64{1, 2, 3, 5, 10, 20}, "topic"),
	}
}

// Register registers the Prometheus collectors. Repeated calls are no-ops.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	if err := registerAll(m.registerer, &m.recordedTotal, &m.replayedTotal, &m.purgedTotal); err != nil {
		return err
	}
	if err := registerAll(m.registerer, &m.pending); err != nil {
		return err
	}
	if err := registerAll(m.registerer, &m.age, &m.attempts); err != nil {
		return err
	}
	m.registered = true
	return nil
}

func (m *DLQMetrics) useClock(c clock.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock.OrReal(c)
}

func (m *DLQMetrics) topic(name string) *DLQTopicMetrics {
	t, ok := m.topics[name]
	if !ok {
		t = &DLQTopicMetrics{}
		m.topics[name] = t
	}
	t.UpdatedAt = m.clock.Now()
	return t
}

func (m *DLQMetrics) setPending(name string, t *DLQTopicMetrics, n uint64) {
	t.Pending = n
	m.pending.WithLabelValues(name).Set(float64(n))
}

// deadLettered records a delivery that handler gave up on after attempts
// invocations, age after it was first received.
func (m *DLQMetrics) deadLettered(topic, handler string, attempts int, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topic(topic)
	t.Recorded++
	t.AvgAttempts += (float64(attempts) - t.AvgAttempts) / float64(t.Recorded)
	if t.FirstAt.IsZero() {
		t.FirstAt = t.UpdatedAt
	}
	t.LastAt = t.UpdatedAt
	m.setPending(topic, t, t.Pending+1)

	m.recordedTotal.WithLabelValues(topic, handler).Inc()
	m.age.WithLabelValues(topic).Observe(age.Seconds())
	m.attempts.WithLabelValues(topic).Observe(float64(attempts))
}

func (m *DLQMetrics) replayed(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topic(topic)
	t.Replayed++
	m.setPending(topic, t, t.Pending-min(t.Pending, 1))
	m.replayedTotal.WithLabelValues(topic).Inc()
}

func (m *DLQMetrics) purged(topic string, n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topic(topic)
	t.Purged += uint64(n)
	m.setPending(topic, t, t.Pending-min(t.Pending, uint64(n)))
	m.purgedTotal.WithLabelValues(topic).Add(float64(n))
}

// Sync sets the pending count of each topic from the dead letter store, so a
// restarted process reports entries recorded before it started.
func (m *DLQMetrics) Sync(ctx context.Context, store *dlq.Store, topics ...string) error {
	for _, name := range topics {
		n, err := store.Count(ctx, name)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.setPending(name, m.topic(name), uint64(n))
		m.mu.Unlock()
	}
	return nil
}

// Snapshot returns a copy of the counters of every topic.
func (m *DLQMetrics) Snapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := DLQMetricsSnapshot{
		Topics:      make(map[string]DLQTopicMetrics, len(m.topics)),
		CollectedAt: m.clock.Now(),
	}
	for name, t := range m.topics {
		snap.Topics[name] = *t
		snap.Pending += t.Pending
		snap.Replayed += t.Replayed
		snap.Purged += t.Purged
	}
	return snap
}

// Topic returns the counters of one topic.
func (m *DLQMetrics) Topic(name string) (DLQTopicMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[name]
	if !ok {
		return DLQTopicMetrics{}, false
	}
	return *t, true
}

// Reset clears every counter and series.
func (m *DLQMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topics = make(map[string]*DLQTopicMetrics)
	m.recordedTotal.Reset()
	m.replayedTotal.Reset()
	m.purgedTotal.Reset()
	m.pending.Reset()
	m.age.Reset()
	m.attempts.Reset()
}

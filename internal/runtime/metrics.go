package runtime

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sagaflow"

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newGaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// register registers c, or returns the collector already registered under the
// same descriptor so two Services on one registry share a series.
func register[T prometheus.Collector](registerer prometheus.Registerer, c T) (T, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, err
}

// registerAll registers every collector pointed to by cs in order and stops
// at the first failure.
func registerAll[T prometheus.Collector](registerer prometheus.Registerer, cs ...*T) error {
	for _, c := range cs {
		got, err := register(registerer, *c)
		if err != nil {
			return err
		}
		*c = got
	}
	return nil
}

// ConsumerMetrics exports consumer runtime counters under sagaflow_consumer_*
// and the publish counter under sagaflow_channel_*.
type ConsumerMetrics struct {
	attemptsTotal   *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	publishedTotal  *prometheus.CounterVec
}

// NewConsumerMetrics creates and registers the consumer collectors on
// registerer (the default registry when nil).
func NewConsumerMetrics(registerer prometheus.Registerer) (*ConsumerMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &ConsumerMetrics{
		attemptsTotal:   newCounterVec("consumer", "attempts_total", "Handler invocations", "topic", "group", "result"),
		outcomesTotal:   newCounterVec("consumer", "deliveries_total", "Deliveries by terminal outcome", "topic", "group", "outcome"),
		retriesTotal:    newCounterVec("consumer", "retries_total", "Scheduled handler retries", "topic", "group"),
		attemptDuration: newHistogramVec("consumer", "attempt_duration_seconds", "Duration of handler invocations", prometheus.DefBuckets, "topic", "group"),
		inFlight:        newGaugeVec("consumer", "in_flight", "Deliveries queued or processing", "topic", "group"),
		publishedTotal:  newCounterVec("channel", "published_total", "Events published by topic and result", "topic", "result"),
	}
	if err := registerAll(registerer, &m.attemptsTotal, &m.outcomesTotal, &m.retriesTotal, &m.publishedTotal); err != nil {
		return nil, err
	}
	if err := registerAll(registerer, &m.attemptDuration); err != nil {
		return nil, err
	}
	if err := registerAll(registerer, &m.inFlight); err != nil {
		return nil, err
	}
	return m, nil
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *ConsumerMetrics) attempt(topic, group string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(topic, group, resultLabel(err)).Inc()
	m.attemptDuration.WithLabelValues(topic, group).Observe(d.Seconds())
}

func (m *ConsumerMetrics) outcome(topic, group, outcome string) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(topic, group, outcome).Inc()
}

func (m *ConsumerMetrics) retry(topic, group string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(topic, group).Inc()
}

func (m *ConsumerMetrics) queued(topic, group string, delta float64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(topic, group).Add(delta)
}

func (m *ConsumerMetrics) published(topic string, err error) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(topic, resultLabel(err)).Inc()
}

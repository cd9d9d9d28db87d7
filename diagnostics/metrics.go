package diagnostics

import (
	"errors"

	"github.com/erlorenz/topicbus/pubsub"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "topicbus"

// Metrics counts broker events with Prometheus collectors. Counters are
// labeled by topic name, so it suits deployments with a bounded set of
// topic keys.
type Metrics struct {
	attempts  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	sent      *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	created   prometheus.Counter
	closed    prometheus.Counter
	openTopic prometheus.Gauge
}

var _ pubsub.Diagnostics = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with reg.
// Collectors that are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_attempts_total",
			Help:      "Subscribe attempts, including retries.",
		}, []string{"topic"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_failures_total",
			Help:      "Subscribe calls that ran out of attempts.",
		}, []string{"topic"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages handed to the broker for publishing.",
		}, []string{"topic", "kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages a subscriber queue did not take.",
		}, []string{"topic", "policy"}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topics_created_total",
			Help:      "Topics created.",
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topics_closed_total",
			Help:      "Topics closed.",
		}),
		openTopic: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topics_open",
			Help:      "Topics currently registered.",
		}),
	}

	var err error
	if m.attempts, err = register(reg, m.attempts); err != nil {
		return nil, err
	}
	if m.failures, err = register(reg, m.failures); err != nil {
		return nil, err
	}
	if m.sent, err = register(reg, m.sent); err != nil {
		return nil, err
	}
	if m.dropped, err = register(reg, m.dropped); err != nil {
		return nil, err
	}
	if m.created, err = register(reg, m.created); err != nil {
		return nil, err
	}
	if m.closed, err = register(reg, m.closed); err != nil {
		return nil, err
	}
	if m.openTopic, err = register(reg, m.openTopic); err != nil {
		return nil, err
	}
	return m, nil
}

// register returns the collector already registered under the same
// description, if any.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, err
}

func (m *Metrics) SubscribeAttempted(topic string, _ int) {
	m.attempts.WithLabelValues(topic).Inc()
}

func (m *Metrics) SubscribeFailed(topic string) {
	m.failures.WithLabelValues(topic).Inc()
}

func (m *Metrics) MessageSent(topic string, msg pubsub.Message) {
	m.sent.WithLabelValues(topic, msg.Kind().String()).Inc()
}

func (m *Metrics) TopicCreated(string) {
	m.created.Inc()
	m.openTopic.Inc()
}

func (m *Metrics) TopicClosed(string) {
	m.closed.Inc()
	m.openTopic.Dec()
}

func (m *Metrics) MessageDropped(topic string, policy pubsub.OverflowPolicy) {
	m.dropped.WithLabelValues(topic, policy.String()).Inc()
}

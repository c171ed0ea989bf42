package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/eventstore/core/metrics"
	"github.com/codewandler/eventstore/core/mq"
)

// mqMetrics implements mq.Metrics using Prometheus.
type mqMetrics struct {
	published        *prometheus.CounterVec
	fanout           *prometheus.HistogramVec
	publishConflicts *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	delivered        *prometheus.CounterVec
	deadLettered     *prometheus.CounterVec
	retried          *prometheus.CounterVec
}

// NewMQMetrics creates a new Prometheus implementation of mq.Metrics.
func NewMQMetrics(reg prometheus.Registerer) mq.Metrics {
	m := &mqMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_mq_published_total",
			Help: "Total number of published messages",
		}, []string{"message_type"}),

		fanout: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventstore_mq_publish_subscribers",
			Help:    "Number of subscriber queues a message was pushed to",
			Buckets: prometheus.LinearBuckets(0, 1, 10),
		}, []string{"message_type"}),

		publishConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_mq_publish_conflicts_total",
			Help: "Total number of publish transactions aborted by a subscriber change",
		}, []string{"message_type"}),

		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventstore_mq_handler_duration_seconds",
			Help:    "Message handler latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"message_type", "subscriber"}),

		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_mq_delivered_total",
			Help: "Total number of handled messages",
		}, []string{"message_type", "subscriber", "success"}),

		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_mq_dead_lettered_total",
			Help: "Total number of messages moved to the dead letter queue",
		}, []string{"message_type", "subscriber"}),

		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventstore_mq_retried_total",
			Help: "Total number of dead letter retries",
		}, []string{"message_type", "subscriber", "success"}),
	}

	reg.MustRegister(
		m.published,
		m.fanout,
		m.publishConflicts,
		m.handlerDuration,
		m.delivered,
		m.deadLettered,
		m.retried,
	)

	return m
}

func (m *mqMetrics) Published(msgType string, subscribers int) {
	m.published.WithLabelValues(msgType).Inc()
	m.fanout.WithLabelValues(msgType).Observe(float64(subscribers))
}

func (m *mqMetrics) PublishConflict(msgType string) {
	m.publishConflicts.WithLabelValues(msgType).Inc()
}

func (m *mqMetrics) HandlerDuration(msgType, subscriber string) metrics.Timer {
	return newTimer(m.handlerDuration.WithLabelValues(msgType, subscriber))
}

func (m *mqMetrics) Delivered(msgType, subscriber string, success bool) {
	m.delivered.WithLabelValues(msgType, subscriber, boolToStr(success)).Inc()
}

func (m *mqMetrics) DeadLettered(msgType, subscriber string) {
	m.deadLettered.WithLabelValues(msgType, subscriber).Inc()
}

func (m *mqMetrics) Retried(msgType, subscriber string, success bool) {
	m.retried.WithLabelValues(msgType, subscriber, boolToStr(success)).Inc()
}

var _ mq.Metrics = (*mqMetrics)(nil)

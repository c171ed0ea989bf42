// Package prometheus provides Prometheus implementations of the metrics
// interfaces of the event store and the message queue.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/eventstore/core/es"
	"github.com/codewandler/eventstore/core/metrics"
	"github.com/codewandler/eventstore/core/mq"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// AllMetrics holds the Prometheus implementations for the event store and
// the queue, registered on the same registry.
type AllMetrics struct {
	ES es.ESMetrics
	MQ mq.Metrics
}

func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		ES: NewESMetrics(reg),
		MQ: NewMQMetrics(reg),
	}
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

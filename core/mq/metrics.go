package mq

import "github.com/codewandler/eventstore/core/metrics"

// Metrics instruments the queue. Implementations must be safe for
// concurrent use.
type Metrics interface {
	Published(msgType string, subscribers int)
	PublishConflict(msgType string)
	HandlerDuration(msgType, subscriber string) metrics.Timer
	Delivered(msgType, subscriber string, success bool)
	DeadLettered(msgType, subscriber string)
	Retried(msgType, subscriber string, success bool)
}

type nopMetrics struct{}

func (nopMetrics) Published(string, int)                        {}
func (nopMetrics) PublishConflict(string)                       {}
func (nopMetrics) HandlerDuration(string, string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) Delivered(string, string, bool)               {}
func (nopMetrics) DeadLettered(string, string)                  {}
func (nopMetrics) Retried(string, string, bool)                 {}

func NopMetrics() Metrics { return nopMetrics{} }

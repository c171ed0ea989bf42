// Package mq fans messages out to named subscribers through reliable
// per-subscriber queues kept in a kv.Store.
//
// # Layout
//
// For a message type T in environment env:
//
//	Subscribers:{env}:{T}                   set of subscriber names
//	{sub}:{env}:{T}:PublishedEvents         pending messages, LPUSH in / RPOP out
//	{sub}:{env}:{T}:ProcessingEvents        popped but not yet acknowledged
//	{sub}:{env}:{T}:DeadLetters             messages whose handler failed
//	{sub}:{env}:{T}:RetryData:{id}:{ts}     retry count and last attempt
//	{env}:{T}                               notification channel (payload: message id)
//
// # Delivery
//
// [Queue.Publish] pushes the encoded message onto every registered
// subscriber's published list in one transaction guarded by the size of the
// subscriber set, then notifies the channel. [Subscribe] registers the
// subscriber, drains anything queued while it was away and afterwards
// pops one entry per notification into the processing list before calling
// the handler. Delivery is at-least-once and FIFO per subscriber.
//
// A failing handler moves the entry to the dead-letter list. [Retry] is
// meant to be called periodically by a scheduler; it re-invokes the handler
// for dead letters with exponential backoff, an optional time-to-live and an
// optional retry cap.
package mq

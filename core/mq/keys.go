package mq

import (
	"hash/fnv"
	"strconv"
)

type keys struct {
	env string
}

func (k keys) subscribers(typ string) string { return "Subscribers:" + k.env + ":" + typ }

func (k keys) channel(typ string) string { return k.env + ":" + typ }

func (k keys) prefix(sub, typ string) string { return sub + ":" + k.env + ":" + typ }

func (k keys) published(sub, typ string) string { return k.prefix(sub, typ) + ":PublishedEvents" }

func (k keys) processing(sub, typ string) string { return k.prefix(sub, typ) + ":ProcessingEvents" }

// deadLetters is kept per subscriber, "{sub}:{env}:{type}:DeadLetters",
// unlike a single "{app}:{env}:{type}:DeadLetters" list shared by the whole
// application. A sweep then only sees the failures of its own handler.
func (k keys) deadLetters(sub, typ string) string { return k.prefix(sub, typ) + ":DeadLetters" }

// retryData keys the retry record of one dead-lettered entry. Id and
// timestamp alone can repeat, e.g. for events flushed together from one
// aggregate, so a digest of the stored entry tells them apart.
func (k keys) retryData(sub, typ string, msg Message, raw string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(raw))
	return k.prefix(sub, typ) + ":RetryData:" + msg.GetID() + ":" +
		strconv.FormatInt(msg.GetTimestamp().UnixNano(), 10) + ":" +
		strconv.FormatUint(h.Sum64(), 16)
}

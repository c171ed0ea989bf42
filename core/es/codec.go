package es

import (
	"encoding/json"
	"fmt"

	"github.com/codewandler/eventstore/core/mq"
	"github.com/codewandler/eventstore/internal/codec"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EventCodec serializes events as {"type": ..., "data": ...}, gzip+base64
// compressed above the threshold. It doubles as the queue codec so events
// travel the queue in their stored form.
type EventCodec struct {
	registry  *Registry
	json      codec.JSONCodec
	threshold int
}

// NewEventCodec builds a codec over registry. A threshold < 0 disables
// compression.
func NewEventCodec(registry *Registry, threshold int) *EventCodec {
	return &EventCodec{registry: registry, threshold: threshold}
}

func (c *EventCodec) Encode(ev Event) (string, error) {
	data, err := c.json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", EventTypeName(ev), err)
	}
	raw, err := c.json.Marshal(envelope{Type: EventTypeName(ev), Data: data})
	if err != nil {
		return "", err
	}
	return codec.Compress(string(raw), c.threshold)
}

func (c *EventCodec) Decode(payload string) (Event, error) {
	plain, err := codec.Decompress(payload)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := c.json.Unmarshal([]byte(plain), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	ev, err := c.registry.newEvent(env.Type)
	if err != nil {
		return nil, err
	}
	if err := c.json.Unmarshal(env.Data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

func (c *EventCodec) Marshal(msg mq.Message) (string, error) {
	ev, ok := msg.(Event)
	if !ok {
		return "", fmt.Errorf("%T is not an event", msg)
	}
	return c.Encode(ev)
}

func (c *EventCodec) Unmarshal(data string) (mq.Message, error) {
	ev, err := c.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", mq.ErrUndecodable, err)
	}
	return ev, nil
}

var _ mq.Codec = (*EventCodec)(nil)

package mq

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/codewandler/eventstore/internal/reflector"
)

type Message interface {
	GetID() string
	GetTimestamp() time.Time
}

// TypeName resolves the queue name of a message: MessageType() when the
// message defines it, the reflected type name otherwise.
func TypeName(msg any) string {
	if t, ok := msg.(interface{ MessageType() string }); ok {
		return t.MessageType()
	}
	return reflector.TypeInfoOf(msg).Name
}

// TypeNameFor is TypeName for a type parameter.
func TypeNameFor[T any]() string {
	var zero T
	if t, ok := any(zero).(interface{ MessageType() string }); ok {
		return t.MessageType()
	}
	return reflector.TypeInfoFor[T]().Name
}

// Codec converts messages to and from their queued form. The encoding must
// be self-describing: Unmarshal has no type hint.
type Codec interface {
	Marshal(msg Message) (string, error)
	Unmarshal(data string) (Message, error)
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// JSONCodec encodes messages as {"type": ..., "data": ...}. Types must be
// registered before they can be decoded.
type JSONCodec struct {
	mu    sync.RWMutex
	ctors map[string]func() Message
}

func NewJSONCodec() *JSONCodec {
	return &JSONCodec{ctors: map[string]func() Message{}}
}

// Register makes *T decodable. *T must implement Message.
func Register[T any](c *JSONCodec) {
	name := TypeNameFor[*T]()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctors[name] = func() Message { return any(new(T)).(Message) }
}

func (c *JSONCodec) Marshal(msg Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(envelope{Type: TypeName(msg), Data: data})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (c *JSONCodec) Unmarshal(data string) (Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}
	c.mu.RLock()
	ctor, ok := c.ctors[env.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrUndecodable, env.Type)
	}
	msg := ctor()
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}
	return msg, nil
}

var _ Codec = (*JSONCodec)(nil)

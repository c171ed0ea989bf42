package es

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/codewandler/eventstore/core/mq"
	"github.com/codewandler/eventstore/internal/reflector"
)

// Event is a persisted domain event. Implement it by embedding EventMeta:
//
//	type Deposited struct {
//	    es.EventMeta
//	    Amount int `json:"amount"`
//	}
type Event interface {
	mq.Message
	GetVersion() Version
	GetAggregateType() string
	eventMeta() *EventMeta
}

// EventMeta carries the envelope fields of an event. ID is the id of the
// owning aggregate; Version, Timestamp and AggregateType are assigned when
// the event is flushed from its aggregate.
type EventMeta struct {
	ID            string    `json:"id"`
	Version       Version   `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateType string    `json:"aggregate_type"`
}

func (m *EventMeta) GetID() string            { return m.ID }
func (m *EventMeta) GetVersion() Version      { return m.Version }
func (m *EventMeta) GetTimestamp() time.Time  { return m.Timestamp }
func (m *EventMeta) GetAggregateType() string { return m.AggregateType }
func (m *EventMeta) eventMeta() *EventMeta    { return m }

// EventTypeName resolves the stored type name of an event: EventType() when
// the event defines it, the reflected type name otherwise.
func EventTypeName(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Name
}

type aggregateEntry struct {
	ctor          func() Aggregate
	snapshottable bool
}

// Registry maps event type names to constructors so stored events can be
// decoded, and aggregate types to factories.
type Registry struct {
	mu         sync.RWMutex
	events     map[string]func() Event
	aggregates map[string]aggregateEntry
	goTypes    map[reflect.Type]aggregateEntry
}

func NewRegistry() *Registry {
	return &Registry{
		events:     map[string]func() Event{},
		aggregates: map[string]aggregateEntry{},
		goTypes:    map[reflect.Type]aggregateEntry{},
	}
}

func (r *Registry) RegisterEvent(eventType string, ctor func() Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[eventType] = ctor
}

// RegisterEvents registers constructors under the type name of the event
// each one builds.
func (r *Registry) RegisterEvents(ctors ...func() Event) {
	for _, ctor := range ctors {
		r.RegisterEvent(EventTypeName(ctor()), ctor)
	}
}

// NewEvent returns a constructor for *T, for use with RegisterEvents.
func NewEvent[T any, PT interface {
	*T
	Event
}]() func() Event {
	return func() Event { return PT(new(T)) }
}

func (r *Registry) newEvent(eventType string) (Event, error) {
	r.mu.RLock()
	ctor, ok := r.events[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	return ctor(), nil
}

// RegisterAggregate registers a factory of blank aggregates. Whether the
// aggregate type supports snapshots is decided here, once.
func (r *Registry) RegisterAggregate(ctor func() Aggregate) {
	sample := ctor()
	_, snap := sample.(Snapshottable)
	entry := aggregateEntry{ctor: ctor, snapshottable: snap}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggregates[sample.AggregateType()] = entry
	r.goTypes[reflect.TypeOf(sample)] = entry
}

func (r *Registry) NewAggregate(aggType string) (Aggregate, error) {
	r.mu.RLock()
	entry, ok := r.aggregates[aggType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingConstructor, aggType)
	}
	return entry.ctor(), nil
}

// IsSnapshottable reports whether aggType was registered as snapshot
// capable. Unregistered types are not.
func (r *Registry) IsSnapshottable(aggType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aggregates[aggType].snapshottable
}

// New builds a blank T from its registered factory. Unregistered pointer to
// struct types are allocated with their zero value.
func New[T Aggregate](r *Registry) (out T, err error) {
	t := reflect.TypeFor[T]()
	if r != nil {
		r.mu.RLock()
		entry, ok := r.goTypes[t]
		r.mu.RUnlock()
		if ok {
			agg, ok := entry.ctor().(T)
			if ok {
				return agg, nil
			}
		}
	}
	if t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return out, fmt.Errorf("%w: %s", ErrMissingConstructor, t)
	}
	return reflect.New(t.Elem()).Interface().(T), nil
}

// Constructor adapts New to the factory form Repository.Get takes.
func Constructor[T Aggregate](r *Registry) func() Aggregate {
	return func() Aggregate {
		agg, err := New[T](r)
		if err != nil {
			return nil
		}
		return agg
	}
}

// Package domain is a small counter aggregate used to exercise the event
// sourcing stack in tests.
package domain

import (
	"encoding/json"
	"fmt"

	"github.com/codewandler/eventstore/core/es"
)

const AggregateType = "test_agg"

type (
	TestAgg struct {
		es.AggregateRoot

		Counter        uint16 `json:"counter"`
		NumIncrements  int    `json:"num_increments"`
		NumResets      int    `json:"num_resets"`
		NumTotalEvents int    `json:"num_total_events"`
	}

	Created struct {
		es.EventMeta
	}

	Incremented struct {
		es.EventMeta
		Inc   uint8 `json:"inc,omitempty"`
		Reset bool  `json:"reset,omitempty"`
	}
)

func (a *TestAgg) Snapshot() (data []byte, err error) { return json.Marshal(a) }
func (a *TestAgg) RestoreSnapshot(data []byte) error  { return json.Unmarshal(data, a) }
func (a *TestAgg) AggregateType() string              { return AggregateType }
func (a *TestAgg) Apply(event es.Event) error {
	a.NumTotalEvents++

	switch e := event.(type) {
	case *Created:
		return nil
	case *Incremented:
		if e.Inc > 0 {
			a.Counter += uint16(e.Inc)
			a.NumIncrements += 1
		}

		if e.Reset {
			a.Counter = 0
			a.NumResets++
		}

		return nil
	}
	return fmt.Errorf("unknown event: %T", event)
}

var _ es.Snapshottable = &TestAgg{}

// Register adds the aggregate and its events to r.
func Register(r *es.Registry) {
	r.RegisterAggregate(func() es.Aggregate { return new(TestAgg) })
	r.RegisterEvents(Events()...)
}

func Events() []func() es.Event {
	return []func() es.Event{es.NewEvent[Created](), es.NewEvent[Incremented]()}
}

func EnvOptions() []es.EnvOption {
	return []es.EnvOption{
		es.WithAggregates(func() es.Aggregate { return new(TestAgg) }),
		es.WithEvents(Events()...),
	}
}

// === Commands ===

func (a *TestAgg) Reset() error { return es.ApplyChange(a, &Incremented{Reset: true}) }
func (a *TestAgg) Inc() error   { return a.IncBy(1) }
func (a *TestAgg) IncBy(v uint8) error {
	if a.Counter+uint16(v) > 24 {
		return fmt.Errorf("counter cannot exceed 24")
	}
	return es.ApplyChange(a, &Incremented{Inc: v})
}

// === Read ===

func (a *TestAgg) Count() int {
	return int(a.Counter)
}

// NewTestAgg creates the aggregate by applying its creation event.
func NewTestAgg(id string) *TestAgg {
	a := &TestAgg{}
	_ = es.ApplyChange(a, &Created{EventMeta: es.EventMeta{ID: id}})
	return a
}

// Plain is not snapshot capable.
type Plain struct {
	es.AggregateRoot
	Count int
}

func (p *Plain) AggregateType() string { return "plain" }
func (p *Plain) Apply(event es.Event) error {
	switch event.(type) {
	case *Incremented:
		p.Count++
		return nil
	case *Created:
		return nil
	}
	return fmt.Errorf("unknown event: %T", event)
}

func NewPlain(id string) *Plain {
	p := &Plain{}
	_ = es.ApplyChange(p, &Created{EventMeta: es.EventMeta{ID: id}})
	return p
}

func (p *Plain) Bump() error { return es.ApplyChange(p, &Incremented{Inc: 1}) }

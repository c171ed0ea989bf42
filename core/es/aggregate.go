package es

import (
	"fmt"
	"time"
)

// Aggregate is an event-sourced domain object. Implementations embed
// AggregateRoot and mutate their state only in Apply, which switches over
// the aggregate's own event types:
//
//	type Account struct {
//	    es.AggregateRoot
//	    Balance int
//	}
//
//	func (a *Account) AggregateType() string { return "account" }
//
//	func (a *Account) Apply(ev es.Event) error {
//	    switch e := ev.(type) {
//	    case *Deposited:
//	        a.Balance += e.Amount
//	        return nil
//	    }
//	    return fmt.Errorf("unknown event: %T", ev)
//	}
type Aggregate interface {
	AggregateType() string
	Apply(event Event) error
	GetID() string
	GetVersion() Version
	root() *AggregateRoot
}

// AggregateRoot tracks identity, version and pending events.
type AggregateRoot struct {
	id      string
	version Version
	pending []Event
}

func (r *AggregateRoot) GetID() string        { return r.id }
func (r *AggregateRoot) SetID(id string)      { r.id = id }
func (r *AggregateRoot) GetVersion() Version  { return r.version }
func (r *AggregateRoot) root() *AggregateRoot { return r }

// ApplyChange applies events to agg and records them as pending.
func ApplyChange(agg Aggregate, events ...Event) error {
	r := agg.root()
	for _, ev := range events {
		if err := agg.Apply(ev); err != nil {
			return fmt.Errorf("apply %s: %w", EventTypeName(ev), err)
		}
		r.pending = append(r.pending, ev)
	}
	return nil
}

// LoadFromHistory replays stored events. Each event must carry the version
// directly following the aggregate's current one.
func LoadFromHistory(agg Aggregate, events []Event) error {
	r := agg.root()
	for _, ev := range events {
		want := r.version + 1
		if got := ev.GetVersion(); got != want {
			return aggErr("load", aggregateID(agg), fmt.Errorf("%w: want version %d, got %d", ErrEventsOutOfOrder, want, got))
		}
		if err := agg.Apply(ev); err != nil {
			return fmt.Errorf("apply %s: %w", EventTypeName(ev), err)
		}
		r.version = want
		if r.id == "" {
			r.id = ev.GetID()
		}
	}
	return nil
}

// FlushUncommittedChanges stamps the pending events with consecutive
// versions, the aggregate type and the current time, then hands them over
// and advances the aggregate version. Either the aggregate or the event must
// carry an id.
func FlushUncommittedChanges(agg Aggregate) ([]Event, error) {
	r := agg.root()
	if len(r.pending) == 0 {
		return nil, nil
	}

	id := r.id
	for _, ev := range r.pending {
		if id == "" {
			id = ev.eventMeta().ID
		}
	}
	if id == "" {
		return nil, aggErr("flush", "", ErrMissingID)
	}

	var (
		now     = time.Now().UTC()
		aggType = agg.AggregateType()
		out     = r.pending
	)
	for i, ev := range out {
		m := ev.eventMeta()
		if m.ID == "" {
			m.ID = id
		}
		m.Version = r.version + Version(i+1)
		m.Timestamp = now
		m.AggregateType = aggType
	}

	r.id = id
	r.version += Version(len(out))
	r.pending = nil
	return out, nil
}

// Uncommitted returns a copy of the pending events.
func Uncommitted(agg Aggregate) []Event {
	r := agg.root()
	out := make([]Event, len(r.pending))
	copy(out, r.pending)
	return out
}

// IsDirty reports whether agg has pending events.
func IsDirty(agg Aggregate) bool { return len(agg.root().pending) > 0 }

// aggregateID returns the id agg will be saved under: its own, or the one its
// first pending event carries.
func aggregateID(agg Aggregate) string {
	r := agg.root()
	if r.id != "" {
		return r.id
	}
	for _, ev := range r.pending {
		if id := ev.eventMeta().ID; id != "" {
			return id
		}
	}
	return ""
}

// restore positions agg at a snapshot.
func restore(agg Aggregate, id string, v Version) {
	r := agg.root()
	r.id = id
	r.version = v
	r.pending = nil
}

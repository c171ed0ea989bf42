package es_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventstore/core/es"
	"github.com/codewandler/eventstore/core/es/estests/domain"
)

func incremented(id string, v es.Version, inc uint8) *domain.Incremented {
	return &domain.Incremented{EventMeta: es.EventMeta{ID: id, Version: v}, Inc: inc}
}

func TestAggregate_LoadFromHistory(t *testing.T) {
	a := &domain.TestAgg{}
	events := []es.Event{
		&domain.Created{EventMeta: es.EventMeta{ID: "a", Version: 1}},
		incremented("a", 2, 3),
		incremented("a", 3, 4),
	}
	require.NoError(t, es.LoadFromHistory(a, events))
	require.Equal(t, es.Version(len(events)), a.GetVersion())
	require.Equal(t, "a", a.GetID())
	require.Equal(t, 7, a.Count())
	require.False(t, es.IsDirty(a))

	t.Run("out of order", func(t *testing.T) {
		b := &domain.TestAgg{}
		err := es.LoadFromHistory(b, []es.Event{
			&domain.Created{EventMeta: es.EventMeta{ID: "b", Version: 1}},
			incremented("b", 3, 1),
		})
		require.ErrorIs(t, err, es.ErrEventsOutOfOrder)

		var aggErr *es.AggregateError
		require.ErrorAs(t, err, &aggErr)
		require.Equal(t, "b", aggErr.AggregateID)
		require.Equal(t, es.Version(1), b.GetVersion())
	})

	t.Run("not starting at one", func(t *testing.T) {
		require.ErrorIs(t, es.LoadFromHistory(&domain.TestAgg{}, []es.Event{incremented("c", 2, 1)}), es.ErrEventsOutOfOrder)
	})
}

func TestAggregate_Flush(t *testing.T) {
	start := time.Now().UTC()
	a := domain.NewTestAgg("A")
	require.NoError(t, a.Inc())
	require.NoError(t, a.IncBy(2))
	require.Len(t, es.Uncommitted(a), 3)
	require.True(t, es.IsDirty(a))

	events, err := es.FlushUncommittedChanges(a)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		require.Equal(t, es.Version(i+1), ev.GetVersion())
		require.Equal(t, "A", ev.GetID())
		require.Equal(t, domain.AggregateType, ev.GetAggregateType())
		require.False(t, ev.GetTimestamp().Before(start))
	}
	require.Equal(t, es.Version(3), a.GetVersion())
	require.Equal(t, "A", a.GetID())
	require.False(t, es.IsDirty(a))

	// a second batch continues the numbering
	require.NoError(t, a.Inc())
	require.NoError(t, a.Inc())
	events, err = es.FlushUncommittedChanges(a)
	require.NoError(t, err)
	require.Equal(t, es.Version(4), events[0].GetVersion())
	require.Equal(t, es.Version(5), events[1].GetVersion())
	require.Equal(t, es.Version(5), a.GetVersion())

	t.Run("nothing pending", func(t *testing.T) {
		events, err := es.FlushUncommittedChanges(a)
		require.NoError(t, err)
		require.Empty(t, events)
		require.Equal(t, es.Version(5), a.GetVersion())
	})
}

func TestAggregate_FlushMissingID(t *testing.T) {
	a := &domain.TestAgg{}
	require.NoError(t, a.Inc())
	_, err := es.FlushUncommittedChanges(a)
	require.ErrorIs(t, err, es.ErrMissingID)
	require.True(t, es.IsDirty(a))
	require.Equal(t, es.Version(0), a.GetVersion())
}

func TestAggregate_IDFromAggregate(t *testing.T) {
	a := &domain.TestAgg{}
	a.SetID("preset")
	require.NoError(t, a.Inc())
	events, err := es.FlushUncommittedChanges(a)
	require.NoError(t, err)
	require.Equal(t, "preset", events[0].GetID())
}

func TestAggregate_ApplyError(t *testing.T) {
	a := domain.NewTestAgg("x")
	require.Error(t, a.IncBy(30))
	require.Len(t, es.Uncommitted(a), 1)
}

func TestRegistry(t *testing.T) {
	reg := es.NewRegistry()
	domain.Register(reg)

	require.True(t, reg.IsSnapshottable(domain.AggregateType))
	require.False(t, reg.IsSnapshottable("plain"))
	require.False(t, reg.IsSnapshottable("unknown"))

	agg, err := reg.NewAggregate(domain.AggregateType)
	require.NoError(t, err)
	require.IsType(t, &domain.TestAgg{}, agg)

	_, err = reg.NewAggregate("unknown")
	require.ErrorIs(t, err, es.ErrMissingConstructor)

	typed, err := es.New[*domain.TestAgg](reg)
	require.NoError(t, err)
	require.NotNil(t, typed)

	// unregistered pointer types are allocated directly
	plain, err := es.New[*domain.Plain](reg)
	require.NoError(t, err)
	require.NotNil(t, plain)

	_, err = es.New[es.Aggregate](reg)
	require.ErrorIs(t, err, es.ErrMissingConstructor)
}

func TestEventTypeName(t *testing.T) {
	require.Equal(t, "github.com/codewandler/eventstore/core/es/estests/domain.Incremented", es.EventTypeName(&domain.Incremented{}))
	require.Equal(t, "custom", es.EventTypeName(customNamed{}))
}

type customNamed struct{}

func (customNamed) EventType() string { return "custom" }

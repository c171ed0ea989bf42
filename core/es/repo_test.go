package es_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventstore/core/es"
	"github.com/codewandler/eventstore/core/es/estests/domain"
	"github.com/codewandler/eventstore/ports/kv"
)

func newRepo(t *testing.T) (es.Repository, *es.KVEventStore, *es.Registry) {
	t.Helper()
	reg := newRegistry()
	s, err := es.NewEventStore(es.Config{ApplicationName: testApp}, kv.NewMemStore(), reg, nil)
	require.NoError(t, err)
	return es.NewRepository(s), s, reg
}

func TestRepository_NotFound(t *testing.T) {
	repo, _, reg := newRepo(t)
	_, err := es.Get[*domain.TestAgg](t.Context(), repo, reg, "foobar")
	require.ErrorIs(t, err, es.ErrAggregateNotFound)

	var aggErr *es.AggregateError
	require.ErrorAs(t, err, &aggErr)
	require.Equal(t, "foobar", aggErr.AggregateID)
	require.Contains(t, err.Error(), "foobar")
}

func TestRepository_MissingConstructor(t *testing.T) {
	repo, _, reg := newRepo(t)
	_, err := repo.Get(t.Context(), "x", func() es.Aggregate { return nil })
	require.ErrorIs(t, err, es.ErrMissingConstructor)

	_, err = es.Get[es.Aggregate](t.Context(), repo, reg, "x")
	require.ErrorIs(t, err, es.ErrMissingConstructor)
}

// Create "A", apply three changes, save, and load it back.
func TestRepository_EndToEnd(t *testing.T) {
	var (
		repo, _, reg = newRepo(t)
		ctx          = t.Context()
		start        = time.Now().UTC()
	)

	a := domain.NewTestAgg("A")
	require.NoError(t, a.IncBy(2))
	require.NoError(t, a.IncBy(3))

	pending := es.Uncommitted(a)
	require.NoError(t, repo.Save(ctx, a))
	require.Equal(t, es.Version(3), a.GetVersion())
	for i, ev := range pending {
		require.Equal(t, es.Version(i+1), ev.GetVersion())
		require.False(t, ev.GetTimestamp().Before(start))
	}

	loaded, err := es.Get[*domain.TestAgg](ctx, repo, reg, "A")
	require.NoError(t, err)
	require.NotSame(t, a, loaded)
	require.Equal(t, es.Version(3), loaded.GetVersion())
	require.Equal(t, "A", loaded.GetID())
	require.Equal(t, a.Count(), loaded.Count())
	require.Equal(t, a.NumIncrements, loaded.NumIncrements)
	require.Equal(t, 5, loaded.Count())
}

func TestRepository_SaveClean(t *testing.T) {
	repo, s, _ := newRepo(t)
	a := &domain.TestAgg{}
	require.NoError(t, repo.Save(t.Context(), a))

	events, err := s.Get(t.Context(), "", 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestRepository_ExpectedVersion(t *testing.T) {
	var (
		repo, _, reg = newRepo(t)
		ctx          = t.Context()
	)

	a := domain.NewTestAgg("a")
	require.NoError(t, repo.Save(ctx, a, es.WithExpectedVersion(0)))

	first, err := es.Get[*domain.TestAgg](ctx, repo, reg, "a")
	require.NoError(t, err)
	second, err := es.Get[*domain.TestAgg](ctx, repo, reg, "a")
	require.NoError(t, err)

	require.NoError(t, first.Inc())
	require.NoError(t, repo.Save(ctx, first, es.WithExpectedVersion(1)))

	require.NoError(t, second.Inc())
	err = repo.Save(ctx, second, es.WithExpectedVersion(1))
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	require.True(t, es.IsDirty(second), "a rejected save keeps pending events")

	t.Run("creating an existing id conflicts", func(t *testing.T) {
		dup := domain.NewTestAgg("a")
		require.ErrorIs(t, repo.Save(ctx, dup, es.WithExpectedVersion(0)), es.ErrConcurrencyConflict)
	})

	t.Run("without expected version the append precondition decides", func(t *testing.T) {
		stale, err := es.Get[*domain.TestAgg](ctx, repo, reg, "a")
		require.NoError(t, err)
		require.NoError(t, first.Inc())
		require.NoError(t, repo.Save(ctx, first))

		require.NoError(t, stale.Inc())
		require.ErrorIs(t, repo.Save(ctx, stale), es.ErrConcurrencyConflict)
	})
}

package es_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventstore/core/es"
	"github.com/codewandler/eventstore/core/es/estests/domain"
	"github.com/codewandler/eventstore/ports/kv"
)

type snapshotFixture struct {
	repo      es.Repository
	inner     es.Repository
	events    *readRecorder
	snapshots *countingSnapshots
	reg       *es.Registry
}

func newSnapshotFixture(t *testing.T, opts ...es.RepositoryOption) snapshotFixture {
	t.Helper()
	var (
		inner, s, reg = newRepo(t)
		snaps         = &countingSnapshots{SnapshotStore: es.NewKVSnapshotStore(es.Config{ApplicationName: testApp}, kv.NewMemStore())}
		events        = &readRecorder{EventStore: s}
	)
	return snapshotFixture{
		repo:      es.NewSnapshotRepository(inner, events, snaps, reg, opts...),
		inner:     inner,
		events:    events,
		snapshots: snaps,
		reg:       reg,
	}
}

func TestIntervalStrategy(t *testing.T) {
	s := es.IntervalStrategy{Interval: 100}
	require.False(t, s.ShouldSnapshot(0, 1, false))
	require.False(t, s.ShouldSnapshot(98, 99, false))
	require.True(t, s.ShouldSnapshot(99, 100, false))
	require.True(t, s.ShouldSnapshot(99, 100, true))
	require.False(t, s.ShouldSnapshot(100, 101, true))
	require.True(t, s.ShouldSnapshot(100, 101, false), "catch up a missing snapshot")
	require.True(t, s.ShouldSnapshot(95, 105, true))
	require.True(t, s.ShouldSnapshot(150, 210, true))
	require.False(t, s.ShouldSnapshot(150, 199, true))
}

func TestSnapshot_TakenOnceAtInterval(t *testing.T) {
	var (
		f   = newSnapshotFixture(t)
		ctx = t.Context()
		a   = domain.NewTestAgg("a")
	)

	require.NoError(t, f.repo.Save(ctx, a))
	for range 120 {
		require.NoError(t, a.Reset())
		require.NoError(t, f.repo.Save(ctx, a))
	}
	require.Equal(t, es.Version(121), a.GetVersion())

	require.Equal(t, []es.Version{100}, f.snapshots.savedVersions())

	snap, err := f.snapshots.Load(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, es.Version(100), snap.Version)
	require.Equal(t, domain.AggregateType, snap.AggregateType)
}

func TestSnapshot_BatchCrossingInterval(t *testing.T) {
	var (
		f   = newSnapshotFixture(t, es.WithSnapshotStrategy(es.IntervalStrategy{Interval: 10}))
		ctx = t.Context()
		a   = domain.NewTestAgg("a")
	)
	for range 14 {
		require.NoError(t, a.Reset())
	}
	require.NoError(t, f.repo.Save(ctx, a))
	require.Equal(t, []es.Version{15}, f.snapshots.savedVersions())
}

func TestSnapshot_NotCapable(t *testing.T) {
	var (
		f   = newSnapshotFixture(t)
		ctx = t.Context()
		p   = domain.NewPlain("p")
	)
	for range 150 {
		require.NoError(t, p.Bump())
	}
	require.NoError(t, f.repo.Save(ctx, p))
	require.Empty(t, f.snapshots.savedVersions())

	loaded, err := f.repo.Get(ctx, "p", func() es.Aggregate { return new(domain.Plain) })
	require.NoError(t, err)
	require.Equal(t, 150, loaded.(*domain.Plain).Count)
	require.Zero(t, f.snapshots.loads)
}

func TestSnapshot_Restore(t *testing.T) {
	var (
		f   = newSnapshotFixture(t, es.WithSnapshotStrategy(es.IntervalStrategy{Interval: 5}))
		ctx = t.Context()
		a   = domain.NewTestAgg("a")
	)
	require.NoError(t, a.IncBy(3))
	require.NoError(t, a.IncBy(4))
	require.NoError(t, a.Reset())
	require.NoError(t, a.IncBy(2))
	require.NoError(t, f.repo.Save(ctx, a)) // version 5, snapshot
	require.NoError(t, a.IncBy(6))
	require.NoError(t, a.IncBy(1))
	require.NoError(t, f.repo.Save(ctx, a)) // version 7

	f.events.reset()
	restored, err := es.Get[*domain.TestAgg](ctx, f.repo, f.reg, "a")
	require.NoError(t, err)
	require.Equal(t, []es.Version{5}, f.events.reads(), "only events after the snapshot are read")

	replayed, err := es.Get[*domain.TestAgg](ctx, f.inner, f.reg, "a")
	require.NoError(t, err)

	require.Equal(t, es.Version(7), restored.GetVersion())
	require.Equal(t, "a", restored.GetID())
	require.Equal(t, replayed.Count(), restored.Count())
	require.Equal(t, replayed.NumIncrements, restored.NumIncrements)
	require.Equal(t, replayed.NumResets, restored.NumResets)
	require.Equal(t, replayed.NumTotalEvents, restored.NumTotalEvents)

	// the restored aggregate keeps working
	require.NoError(t, restored.Inc())
	require.NoError(t, f.repo.Save(ctx, restored, es.WithExpectedVersion(7)))
}

func TestSnapshot_NoSnapshotYet(t *testing.T) {
	var (
		f   = newSnapshotFixture(t)
		ctx = t.Context()
	)
	require.NoError(t, f.repo.Save(ctx, domain.NewTestAgg("a")))

	loaded, err := es.Get[*domain.TestAgg](ctx, f.repo, f.reg, "a")
	require.NoError(t, err)
	require.Equal(t, es.Version(1), loaded.GetVersion())

	_, err = es.Get[*domain.TestAgg](ctx, f.repo, f.reg, "missing")
	require.ErrorIs(t, err, es.ErrAggregateNotFound)
}

func TestSnapshot_FailedSaveTakesNoSnapshot(t *testing.T) {
	var (
		f   = newSnapshotFixture(t, es.WithSnapshotStrategy(es.IntervalStrategy{Interval: 2}))
		ctx = t.Context()
	)
	require.NoError(t, f.repo.Save(ctx, domain.NewTestAgg("a")))

	stale := domain.NewTestAgg("a")
	require.NoError(t, stale.Inc())
	require.ErrorIs(t, f.repo.Save(ctx, stale), es.ErrConcurrencyConflict)
	require.Empty(t, f.snapshots.savedVersions())
}

type countingSnapshots struct {
	es.SnapshotStore
	mu    sync.Mutex
	saved []es.Version
	loads int
}

func (c *countingSnapshots) Load(ctx context.Context, id string) (*es.Snapshot, error) {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
	return c.SnapshotStore.Load(ctx, id)
}

func (c *countingSnapshots) Save(ctx context.Context, s *es.Snapshot) error {
	c.mu.Lock()
	c.saved = append(c.saved, s.Version)
	c.mu.Unlock()
	return c.SnapshotStore.Save(ctx, s)
}

func (c *countingSnapshots) savedVersions() []es.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]es.Version(nil), c.saved...)
}

type readRecorder struct {
	es.EventStore
	mu   sync.Mutex
	from []es.Version
}

func (r *readRecorder) Get(ctx context.Context, id string, from es.Version) ([]es.Event, error) {
	r.mu.Lock()
	r.from = append(r.from, from)
	r.mu.Unlock()
	return r.EventStore.Get(ctx, id, from)
}

func (r *readRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.from = nil
}

func (r *readRecorder) reads() []es.Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]es.Version(nil), r.from...)
}

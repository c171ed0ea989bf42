package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codewandler/eventstore/internal/codec"
	"github.com/codewandler/eventstore/internal/shard"
	"github.com/codewandler/eventstore/ports/kv"
)

// Snapshottable aggregates can serialize their state so loads skip
// replaying old events.
type Snapshottable interface {
	Snapshot() ([]byte, error)
	RestoreSnapshot(data []byte) error
}

type Snapshot struct {
	AggregateID   string    `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	Version       Version   `json:"version"`
	Data          []byte    `json:"data"`
	CreatedAt     time.Time `json:"created_at"`
}

type SnapshotStore interface {
	// Load returns the latest snapshot of aggregateID or ErrSnapshotNotFound.
	Load(ctx context.Context, aggregateID string) (*Snapshot, error)
	Save(ctx context.Context, s *Snapshot) error
}

// kvSnapshotStore keeps the latest snapshot per aggregate in partitioned
// hashes "Snapshots:{app}:{partition}" keyed by aggregate id.
type kvSnapshotStore struct {
	app        string
	store      kv.Store
	partitions shard.Fixed
	threshold  int
	json       codec.JSONCodec
}

func NewKVSnapshotStore(cfg Config, store kv.Store) SnapshotStore {
	cfg = cfg.withDefaults()
	return &kvSnapshotStore{
		app:        cfg.ApplicationName,
		store:      store,
		partitions: shard.Fixed(cfg.Partitions),
		threshold:  cfg.compressionThreshold(),
	}
}

func (s *kvSnapshotStore) key(id string) string {
	return shard.Key(s.partitions, "Snapshots:"+s.app, id)
}

func (s *kvSnapshotStore) Load(ctx context.Context, aggregateID string) (*Snapshot, error) {
	raw, err := s.store.HGet(ctx, s.key(aggregateID), aggregateID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot of %s: %w", aggregateID, err)
	}
	plain, err := codec.Decompress(raw)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := s.json.Unmarshal([]byte(plain), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot of %s: %w", aggregateID, err)
	}
	return &snap, nil
}

func (s *kvSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := s.json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot of %s: %w", snap.AggregateID, err)
	}
	payload, err := codec.Compress(string(data), s.threshold)
	if err != nil {
		return err
	}
	return s.store.HSet(ctx, s.key(snap.AggregateID), snap.AggregateID, payload)
}

// SnapshotStrategy decides whether saving an aggregate from oldVersion to
// newVersion should write a snapshot.
type SnapshotStrategy interface {
	ShouldSnapshot(oldVersion, newVersion Version, hasSnapshot bool) bool
}

// IntervalStrategy snapshots whenever a save crosses a multiple of Interval,
// and catches up aggregates past the first interval that have none yet.
type IntervalStrategy struct{ Interval int }

func (s IntervalStrategy) ShouldSnapshot(oldVersion, newVersion Version, hasSnapshot bool) bool {
	n := Version(max(s.Interval, 1))
	if newVersion/n > oldVersion/n {
		return true
	}
	return !hasSnapshot && newVersion >= n
}

// needsLookup reports whether ShouldSnapshot depends on hasSnapshot.
func (s IntervalStrategy) needsLookup(oldVersion, newVersion Version) bool {
	n := Version(max(s.Interval, 1))
	return newVersion/n == oldVersion/n && newVersion >= n
}

type snapshotRepository struct {
	inner     Repository
	store     EventStore
	snapshots SnapshotStore
	registry  *Registry
	strategy  SnapshotStrategy
	log       *slog.Logger
	metrics   ESMetrics
}

// NewSnapshotRepository restores snapshot-capable aggregates from their
// latest snapshot plus the events after it, and writes snapshots as the
// strategy demands. Other aggregate types pass straight through to inner.
func NewSnapshotRepository(inner Repository, store EventStore, snapshots SnapshotStore, registry *Registry, opts ...RepositoryOption) Repository {
	options := newRepoOptions(opts...)
	if options.strategy == nil {
		options.strategy = IntervalStrategy{Interval: DefaultSnapshotInterval}
	}
	return &snapshotRepository{
		inner:     inner,
		store:     store,
		snapshots: snapshots,
		registry:  registry,
		strategy:  options.strategy,
		log:       options.log.With(slog.String("repo", "snapshot")),
		metrics:   options.metrics,
	}
}

func (r *snapshotRepository) Get(ctx context.Context, id string, newAgg func() Aggregate) (Aggregate, error) {
	agg := newAgg()
	if agg == nil || !r.registry.IsSnapshottable(agg.AggregateType()) {
		return r.inner.Get(ctx, id, newAgg)
	}
	aggType := agg.AggregateType()

	timer := r.metrics.SnapshotLoadDuration(aggType)
	snap, err := r.snapshots.Load(ctx, id)
	timer.ObserveDuration()
	if errors.Is(err, ErrSnapshotNotFound) {
		return r.inner.Get(ctx, id, newAgg)
	}
	if err != nil {
		return nil, err
	}

	if err := agg.(Snapshottable).RestoreSnapshot(snap.Data); err != nil {
		return nil, aggErr("restore snapshot", id, err)
	}
	restore(agg, id, snap.Version)

	events, err := r.store.Get(ctx, id, snap.Version)
	if err != nil {
		return nil, err
	}
	if err := LoadFromHistory(agg, events); err != nil {
		return nil, err
	}

	r.log.Debug("restored from snapshot",
		slog.Group("agg", slog.String("type", aggType), slog.String("id", id), agg.GetVersion().SlogAttr()),
		snap.Version.SlogAttrWithKey("snapshot_version"),
		slog.Int("events", len(events)),
	)
	return agg, nil
}

func (r *snapshotRepository) Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error {
	aggType := agg.AggregateType()
	if !r.registry.IsSnapshottable(aggType) || !IsDirty(agg) {
		return r.inner.Save(ctx, agg, opts...)
	}

	var (
		id         = aggregateID(agg)
		oldVersion = agg.GetVersion()
		newVersion = oldVersion + Version(len(Uncommitted(agg)))
		due        bool
		g          errgroup.Group
	)

	// The decision only sees values captured above; agg belongs to the save.
	g.Go(func() error { return r.inner.Save(ctx, agg, opts...) })
	g.Go(func() error {
		due = r.shouldSnapshot(ctx, id, oldVersion, newVersion)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if !due {
		return nil
	}

	if err := r.take(ctx, agg); err != nil {
		r.log.Warn("snapshot failed", slog.String("aggregate_id", id), slog.Any("err", err))
	}
	return nil
}

func (r *snapshotRepository) shouldSnapshot(ctx context.Context, id string, oldVersion, newVersion Version) bool {
	hasSnapshot := true
	if is, ok := r.strategy.(IntervalStrategy); !ok || is.needsLookup(oldVersion, newVersion) {
		_, err := r.snapshots.Load(ctx, id)
		switch {
		case errors.Is(err, ErrSnapshotNotFound):
			hasSnapshot = false
		case err != nil:
			r.log.Warn("snapshot lookup failed", slog.String("aggregate_id", id), slog.Any("err", err))
			return false
		}
	}
	return r.strategy.ShouldSnapshot(oldVersion, newVersion, hasSnapshot)
}

func (r *snapshotRepository) take(ctx context.Context, agg Aggregate) error {
	aggType := agg.AggregateType()
	defer r.metrics.SnapshotSaveDuration(aggType).ObserveDuration()

	data, err := agg.(Snapshottable).Snapshot()
	if err != nil {
		return err
	}
	snap := &Snapshot{
		AggregateID:   agg.GetID(),
		AggregateType: aggType,
		Version:       agg.GetVersion(),
		Data:          data,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.snapshots.Save(ctx, snap); err != nil {
		return err
	}
	r.log.Debug("snapshot saved", slog.Group("agg", slog.String("type", aggType), slog.String("id", snap.AggregateID), snap.Version.SlogAttr()))
	return nil
}

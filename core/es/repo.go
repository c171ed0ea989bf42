package es

import (
	"context"
	"fmt"
	"log/slog"
)

// Repository loads aggregates by replaying their events and persists their
// pending events.
type Repository interface {
	// Save flushes and appends the pending events of agg. With
	// WithExpectedVersion it first fails with ErrConcurrencyConflict when
	// the store already holds events after that version.
	Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error
	// Get rebuilds aggregate id on a blank instance from newAgg. It fails
	// with ErrAggregateNotFound when no events exist.
	Get(ctx context.Context, id string, newAgg func() Aggregate) (Aggregate, error)
}

// Get loads aggregate id as T, building the blank instance from reg.
func Get[T Aggregate](ctx context.Context, repo Repository, reg *Registry, id string) (out T, err error) {
	if _, err = New[T](reg); err != nil {
		return out, aggErr("get", id, err)
	}
	agg, err := repo.Get(ctx, id, Constructor[T](reg))
	if err != nil {
		return out, err
	}
	out, ok := agg.(T)
	if !ok {
		return out, fmt.Errorf("aggregate %s is %T, not %T", id, agg, out)
	}
	return out, nil
}

type repository struct {
	log     *slog.Logger
	store   EventStore
	metrics ESMetrics
}

func NewRepository(store EventStore, opts ...RepositoryOption) Repository {
	options := newRepoOptions(opts...)
	return &repository{
		log:     options.log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:   store,
		metrics: options.metrics,
	}
}

func (r *repository) Get(ctx context.Context, id string, newAgg func() Aggregate) (Aggregate, error) {
	if id == "" {
		return nil, aggErr("get", "", ErrMissingID)
	}
	agg := newAgg()
	if agg == nil {
		return nil, aggErr("get", id, ErrMissingConstructor)
	}
	aggType := agg.AggregateType()
	defer r.metrics.RepoLoadDuration(aggType).ObserveDuration()

	events, err := r.store.Get(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, aggErr("get", id, ErrAggregateNotFound)
	}
	if err := LoadFromHistory(agg, events); err != nil {
		return nil, err
	}

	r.log.Debug("loaded", slog.Group("agg", slog.String("type", aggType), slog.String("id", id), agg.GetVersion().SlogAttr()))
	return agg, nil
}

func (r *repository) Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error {
	if !IsDirty(agg) {
		return nil
	}
	var (
		options = newSaveOptions(opts...)
		aggType = agg.AggregateType()
		id      = aggregateID(agg)
	)
	if id == "" {
		return aggErr("save", "", ErrMissingID)
	}
	defer r.metrics.RepoSaveDuration(aggType).ObserveDuration()

	log := r.log.With(slog.Group("agg", slog.String("type", aggType), slog.String("id", id)))

	if options.expected != nil {
		newer, err := r.store.Get(ctx, id, *options.expected)
		if err != nil {
			return err
		}
		if len(newer) > 0 {
			r.metrics.ConcurrencyConflict(aggType)
			log.Debug("stale expected version", options.expected.SlogAttrWithKey("expected"), slog.Int("newer", len(newer)))
			return aggErr("save", id, ErrConcurrencyConflict)
		}
	}

	events, err := FlushUncommittedChanges(agg)
	if err != nil {
		return err
	}
	if err := r.store.Save(ctx, events); err != nil {
		return err
	}

	log.Debug("saved", agg.GetVersion().SlogAttr(), slog.Int("events", len(events)))
	return nil
}

package es

import (
	"context"
	"log/slog"
	"time"

	"github.com/codewandler/eventstore/core/cache"
)

const (
	DefaultCacheSize = 10_000
	DefaultCacheTTL  = 5 * time.Minute
)

type AggregateCacheOpts struct {
	Size int
	// TTL is a sliding expiry: every hit extends it.
	TTL time.Duration
}

// AggregateCache holds live aggregate instances for reuse across loads. All
// cache repositories sharing one AggregateCache are serialized through its
// gate, so create one per process and pass it to every repository.
type AggregateCache struct {
	cache *cache.Typed[Aggregate]
	lru   *cache.LRU
	ttl   time.Duration
	gate  chan struct{}
}

func NewAggregateCache(opts AggregateCacheOpts) *AggregateCache {
	if opts.Size <= 0 {
		opts.Size = DefaultCacheSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	lru := cache.NewLRU(cache.LRUOpts{Size: opts.Size, Sliding: true})
	return &AggregateCache{
		cache: cache.NewTyped[Aggregate](lru),
		lru:   lru,
		ttl:   opts.TTL,
		gate:  make(chan struct{}, 1),
	}
}

func (c *AggregateCache) Close() { c.lru.Close() }

// Len counts the cached aggregates.
func (c *AggregateCache) Len() int { return c.cache.Len() }

func (c *AggregateCache) enter(ctx context.Context) error {
	select {
	case c.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *AggregateCache) leave() { <-c.gate }

func (c *AggregateCache) get(id string) (Aggregate, bool) { return c.cache.Get(id) }
func (c *AggregateCache) put(agg Aggregate) {
	c.cache.Put(aggregateID(agg), agg, cache.WithTTL(c.ttl))
}
func (c *AggregateCache) evict(id string) { c.cache.Delete(id) }

type cacheRepository struct {
	inner   Repository
	store   EventStore
	cache   *AggregateCache
	log     *slog.Logger
	metrics ESMetrics
}

// NewCacheRepository serves loads from aggCache, catching cached instances
// up with events appended since they were cached. Callers receive the
// cached instance itself, so concurrent users of one aggregate share it.
func NewCacheRepository(inner Repository, store EventStore, aggCache *AggregateCache, opts ...RepositoryOption) Repository {
	options := newRepoOptions(opts...)
	return &cacheRepository{
		inner:   inner,
		store:   store,
		cache:   aggCache,
		log:     options.log.With(slog.String("repo", "cache")),
		metrics: options.metrics,
	}
}

func (r *cacheRepository) Get(ctx context.Context, id string, newAgg func() Aggregate) (Aggregate, error) {
	if err := r.cache.enter(ctx); err != nil {
		return nil, err
	}
	defer r.cache.leave()

	if cached, ok := r.cache.get(id); ok {
		agg, err := r.refresh(ctx, id, cached)
		if err != nil || agg != nil {
			return agg, err
		}
	}

	agg, err := r.inner.Get(ctx, id, newAgg)
	if err != nil {
		r.cache.evict(id)
		return nil, err
	}
	r.metrics.CacheMiss(agg.AggregateType())
	r.cache.put(agg)
	return agg, nil
}

// refresh applies events newer than the cached instance. It returns nil
// without error when the instance cannot be caught up and must be reloaded.
func (r *cacheRepository) refresh(ctx context.Context, id string, cached Aggregate) (Aggregate, error) {
	log := r.log.With(slog.Group("agg", slog.String("type", cached.AggregateType()), slog.String("id", id), cached.GetVersion().SlogAttr()))

	if IsDirty(cached) {
		log.Debug("evicting instance with unsaved changes")
		r.cache.evict(id)
		return nil, nil
	}

	events, err := r.store.Get(ctx, id, cached.GetVersion())
	if err != nil {
		r.cache.evict(id)
		return nil, err
	}
	if len(events) > 0 {
		if events[0].GetVersion() != cached.GetVersion()+1 {
			log.Debug("evicting instance behind a gap", slog.Int("next", int(events[0].GetVersion())))
			r.cache.evict(id)
			return nil, nil
		}
		if err := LoadFromHistory(cached, events); err != nil {
			r.cache.evict(id)
			return nil, err
		}
		log.Debug("caught up", slog.Int("events", len(events)))
	}

	r.metrics.CacheHit(cached.AggregateType())
	return cached, nil
}

func (r *cacheRepository) Save(ctx context.Context, agg Aggregate, opts ...SaveOption) error {
	if err := r.cache.enter(ctx); err != nil {
		return err
	}
	defer r.cache.leave()

	id := aggregateID(agg)
	if _, ok := r.cache.get(id); !ok && id != "" {
		r.cache.put(agg)
	}

	if err := r.inner.Save(ctx, agg, opts...); err != nil {
		r.cache.evict(id)
		return err
	}
	return nil
}

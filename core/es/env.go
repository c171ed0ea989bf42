package es

import (
	"fmt"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/eventstore/core/lock"
	"github.com/codewandler/eventstore/core/mq"
	"github.com/codewandler/eventstore/internal/backoff"
	"github.com/codewandler/eventstore/ports/kv"
)

type (
	envOptions struct {
		log        *slog.Logger
		metrics    ESMetrics
		store      kv.Store
		snapshots  SnapshotStore
		locker     lock.Locker
		strategy   SnapshotStrategy
		cache      *AggregateCache
		noCache    bool
		aggregates []func() Aggregate
		events     []func() Event
		queueOpts  []mq.Option
	}
	EnvOption interface{ applyToEnv(*envOptions) }
)

type (
	StoreBackendOption  valueOption[kv.Store]
	SnapshotStoreOption valueOption[SnapshotStore]
	CacheOption         struct {
		c       *AggregateCache
		disable bool
	}
	AggregatesOption []func() Aggregate
	EventsOption     []func() Event
	QueueOption      []mq.Option
)

// WithStore sets the backing store. Defaults to an in-memory store.
func WithStore(s kv.Store) StoreBackendOption { return StoreBackendOption{v: s} }

// WithSnapshotStore replaces the snapshot store. Defaults to hashes in the
// backing store.
func WithSnapshotStore(s SnapshotStore) SnapshotStoreOption { return SnapshotStoreOption{v: s} }

// WithCache shares a process-wide aggregate cache.
func WithCache(c *AggregateCache) CacheOption { return CacheOption{c: c} }

func WithoutCache() CacheOption { return CacheOption{disable: true} }

func WithAggregates(ctors ...func() Aggregate) AggregatesOption { return ctors }

func WithEvents(ctors ...func() Event) EventsOption { return ctors }

func WithQueueOptions(opts ...mq.Option) QueueOption { return opts }

func (o StoreBackendOption) applyToEnv(e *envOptions)  { e.store = o.v }
func (o SnapshotStoreOption) applyToEnv(e *envOptions) { e.snapshots = o.v }
func (o CacheOption) applyToEnv(e *envOptions)         { e.cache, e.noCache = o.c, o.disable }
func (o AggregatesOption) applyToEnv(e *envOptions)    { e.aggregates = append(e.aggregates, o...) }
func (o EventsOption) applyToEnv(e *envOptions)        { e.events = append(e.events, o...) }
func (o QueueOption) applyToEnv(e *envOptions)         { e.queueOpts = append(e.queueOpts, o...) }

// Env wires a backing store into a ready-to-use event sourcing stack:
// message queue, event store, repository behind the cache and snapshot
// decorators, and sessions.
type Env struct {
	id        string
	cfg       Config
	log       *slog.Logger
	store     kv.Store
	registry  *Registry
	queue     *mq.Queue
	events    *KVEventStore
	snapshots SnapshotStore
	cache     *AggregateCache
	ownsCache bool
	repo      Repository
	locker    lock.Locker
}

func NewEnv(cfg Config, opts ...EnvOption) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg = cfg.withDefaults()

	options := envOptions{log: slog.Default(), metrics: NopESMetrics()}
	for _, opt := range opts {
		opt.applyToEnv(&options)
	}

	var (
		id  = gonanoid.Must(6)
		log = options.log.With(slog.String("env", id), slog.String("app", cfg.ApplicationName))
	)

	store := options.store
	if store == nil {
		store = kv.NewMemStore()
	}
	store = kv.WithRetry(store, backoff.Default(), log)

	e := &Env{
		id:       id,
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: NewRegistry(),
		locker:   options.locker,
	}

	for _, ctor := range options.aggregates {
		e.registry.RegisterAggregate(ctor)
		log.Debug("registered aggregate", slog.String("type", ctor().AggregateType()))
	}
	e.registry.RegisterEvents(options.events...)

	if cfg.Lock.Enabled && e.locker == nil {
		e.locker = lock.NewKV(store)
	}

	codec := NewEventCodec(e.registry, cfg.compressionThreshold())
	queueOpts := []mq.Option{mq.WithLogger(log)}
	if e.locker != nil {
		queueOpts = append(queueOpts, mq.WithLocker(e.locker, cfg.Lock.Options()))
	}
	queue, err := mq.New(mq.Config{
		ApplicationName: cfg.ApplicationName,
		Environment:     cfg.Environment,
	}, store, codec, append(queueOpts, options.queueOpts...)...)
	if err != nil {
		return nil, err
	}
	e.queue = queue

	e.events, err = NewEventStore(cfg, store, e.registry, queue, WithLogger(log), WithMetrics(options.metrics))
	if err != nil {
		return nil, err
	}
	e.snapshots = options.snapshots
	if e.snapshots == nil {
		e.snapshots = NewKVSnapshotStore(cfg, store)
	}

	strategy := options.strategy
	if strategy == nil {
		strategy = IntervalStrategy{Interval: cfg.SnapshotInterval}
	}
	repoOpts := []RepositoryOption{WithLogger(log), WithMetrics(options.metrics), WithSnapshotStrategy(strategy)}

	e.repo = NewRepository(e.events, repoOpts...)
	e.repo = NewSnapshotRepository(e.repo, e.events, e.snapshots, e.registry, repoOpts...)
	if !options.noCache {
		e.cache = options.cache
		if e.cache == nil {
			e.cache = NewAggregateCache(AggregateCacheOpts{})
			e.ownsCache = true
		}
		e.repo = NewCacheRepository(e.repo, e.events, e.cache, repoOpts...)
	}

	log.Debug("env ready", slog.Bool("cache", e.cache != nil), slog.Bool("lock", e.locker != nil))
	return e, nil
}

func (e *Env) Config() Config           { return e.cfg }
func (e *Env) Registry() *Registry      { return e.registry }
func (e *Env) Store() kv.Store          { return e.store }
func (e *Env) Queue() *mq.Queue         { return e.queue }
func (e *Env) EventStore() EventStore   { return e.events }
func (e *Env) Snapshots() SnapshotStore { return e.snapshots }
func (e *Env) Repository() Repository   { return e.repo }
func (e *Env) Locker() lock.Locker      { return e.locker }
func (e *Env) Cache() *AggregateCache   { return e.cache }
func (e *Env) Codec() *EventCodec       { return e.events.Codec() }
func (e *Env) Logger() *slog.Logger     { return e.log }

// NewSession starts a unit of work. Sessions lock the aggregates they track
// when locking is enabled.
func (e *Env) NewSession(opts ...SessionOption) *Session {
	base := []SessionOption{WithLogger(e.log), WithApplicationName(e.cfg.ApplicationName)}
	if e.locker != nil {
		base = append(base, WithLocker(e.locker, e.cfg.Lock.Options()))
	}
	return NewSession(e.repo, e.registry, append(base, opts...)...)
}

// Close releases the aggregate cache when the env created it.
func (e *Env) Close() {
	if e.ownsCache {
		e.cache.Close()
	}
}

package es

import (
	"log/slog"

	"github.com/codewandler/eventstore/core/lock"
)

type (
	valueOption[T any] struct{ v T }

	LogOption     valueOption[*slog.Logger]
	MetricsOption valueOption[ESMetrics]
)

// WithLogger sets the logger of a component. Defaults to slog.Default().
func WithLogger(l *slog.Logger) LogOption { return LogOption{v: l} }

// WithMetrics sets the metrics of a component. Defaults to NopESMetrics().
func WithMetrics(m ESMetrics) MetricsOption { return MetricsOption{v: m} }

func (o LogOption) applyToStore(s *storeOptions)                  { s.log = o.v }
func (o LogOption) applyToRepository(r *repoOptions)              { r.log = o.v }
func (o LogOption) applyToSession(s *sessionOptions)              { s.log = o.v }
func (o LogOption) applyToEnv(e *envOptions)                      { e.log = o.v }
func (o MetricsOption) applyToStore(s *storeOptions)              { s.metrics = o.v }
func (o MetricsOption) applyToRepository(r *repoOptions)          { r.metrics = o.v }
func (o MetricsOption) applyToEnv(e *envOptions)                  { e.metrics = o.v }
func (o LockerOption) applyToSession(s *sessionOptions)           { s.locker, s.lockOpts = o.l, o.opts }
func (o LockerOption) applyToEnv(e *envOptions)                   { e.locker = o.l }
func (o StrategyOption) applyToRepository(r *repoOptions)         { r.strategy = o.v }
func (o StrategyOption) applyToEnv(e *envOptions)                 { e.strategy = o.v }
func (o ApplicationOption) applyToSession(s *sessionOptions)      { s.app = o.v }
func (o ExpectedVersionOption) applyToSaveOptions(s *saveOptions) { s.expected = &o.v }
func (o ExpectedVersionOption) applyToGetOptions(g *getOptions)   { g.expected = &o.v }

type (
	LockerOption struct {
		l    lock.Locker
		opts lock.Options
	}
	StrategyOption        valueOption[SnapshotStrategy]
	ApplicationOption     valueOption[string]
	ExpectedVersionOption valueOption[Version]
)

// WithLocker makes sessions hold a distributed lock per tracked aggregate.
func WithLocker(l lock.Locker, opts lock.Options) LockerOption {
	return LockerOption{l: l, opts: opts}
}

// WithSnapshotStrategy replaces the interval strategy of snapshot
// repositories.
func WithSnapshotStrategy(s SnapshotStrategy) StrategyOption { return StrategyOption{v: s} }

// WithApplicationName sets the application namespace of session lock names.
func WithApplicationName(app string) ApplicationOption { return ApplicationOption{v: app} }

// WithExpectedVersion makes Save fail with ErrConcurrencyConflict when the
// store holds events after v, and Session.Get fail when the loaded aggregate
// is not at v.
func WithExpectedVersion(v Version) ExpectedVersionOption { return ExpectedVersionOption{v: v} }

type (
	storeOptions struct {
		log     *slog.Logger
		metrics ESMetrics
		newID   func() string
	}
	StoreOption interface{ applyToStore(*storeOptions) }

	repoOptions struct {
		log      *slog.Logger
		metrics  ESMetrics
		strategy SnapshotStrategy
	}
	RepositoryOption interface{ applyToRepository(*repoOptions) }

	saveOptions struct{ expected *Version }
	SaveOption  interface{ applyToSaveOptions(*saveOptions) }

	getOptions struct{ expected *Version }
	GetOption  interface{ applyToGetOptions(*getOptions) }
)

func newRepoOptions(opts ...RepositoryOption) repoOptions {
	o := repoOptions{log: slog.Default(), metrics: NopESMetrics()}
	for _, opt := range opts {
		opt.applyToRepository(&o)
	}
	return o
}

func newSaveOptions(opts ...SaveOption) saveOptions {
	var o saveOptions
	for _, opt := range opts {
		opt.applyToSaveOptions(&o)
	}
	return o
}

func newGetOptions(opts ...GetOption) getOptions {
	var o getOptions
	for _, opt := range opts {
		opt.applyToGetOptions(&o)
	}
	return o
}

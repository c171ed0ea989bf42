package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewandler/eventstore/core/lock"
)

type (
	sessionOptions struct {
		log      *slog.Logger
		app      string
		locker   lock.Locker
		lockOpts lock.Options
	}
	SessionOption interface{ applyToSession(*sessionOptions) }
)

type tracked struct {
	agg     Aggregate
	version Version
	lock    lock.Lock
}

// Session is a unit of work over a set of aggregates. It remembers the
// version each aggregate was loaded at and saves all of them on Commit,
// failing on the first aggregate that changed in the meantime. With a
// locker, the session holds a lock per aggregate from the moment it is
// tracked until the session ends.
//
// A Session is not meant to be shared between goroutines beyond its own
// bookkeeping.
type Session struct {
	repo     Repository
	registry *Registry
	log      *slog.Logger
	app      string
	locker   lock.Locker
	lockOpts lock.Options

	mu      sync.Mutex
	tracked map[string]*tracked
	order   []string
}

func NewSession(repo Repository, registry *Registry, opts ...SessionOption) *Session {
	options := sessionOptions{log: slog.Default(), lockOpts: lock.DefaultOptions()}
	for _, opt := range opts {
		opt.applyToSession(&options)
	}
	return &Session{
		repo:     repo,
		registry: registry,
		log:      options.log.With(slog.String("session", options.app)),
		app:      options.app,
		locker:   options.locker,
		lockOpts: options.lockOpts,
		tracked:  map[string]*tracked{},
	}
}

func (s *Session) lockName(id string) string { return "Lock:" + s.app + ":" + id }

// lockFor acquires the aggregate lock when locking is enabled.
func (s *Session) lockFor(ctx context.Context, id string) (lock.Lock, error) {
	if s.locker == nil {
		return nil, nil
	}
	return s.locker.Acquire(ctx, s.lockName(id), s.lockOpts)
}

// checkHeld fails when a lock tracked for t has run out.
func (s *Session) checkHeld(t *tracked) error {
	if s.locker == nil {
		return nil
	}
	return lock.Check(t.lock)
}

func (s *Session) track(id string, t *tracked) {
	s.tracked[id] = t
	s.order = append(s.order, id)
}

// Add tracks a new aggregate at its current version. Adding the same
// instance twice is a no-op; adding a different instance under a tracked id
// is a conflict.
func (s *Session) Add(ctx context.Context, agg Aggregate) error {
	id := aggregateID(agg)
	if id == "" {
		return aggErr("add", "", ErrMissingID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tracked[id]; ok {
		if t.agg != agg {
			return aggErr("add", id, fmt.Errorf("%w: another instance is tracked", ErrConcurrencyConflict))
		}
		return s.checkHeld(t)
	}

	l, err := s.lockFor(ctx, id)
	if err != nil {
		return err
	}
	s.track(id, &tracked{agg: agg, version: agg.GetVersion(), lock: l})
	return nil
}

// Get returns the tracked instance of id or loads and tracks it. With
// WithExpectedVersion the aggregate must be at exactly that version.
func (s *Session) Get(ctx context.Context, id string, newAgg func() Aggregate, opts ...GetOption) (Aggregate, error) {
	options := newGetOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tracked[id]; ok {
		if err := s.checkHeld(t); err != nil {
			return nil, err
		}
		if err := checkExpected(id, t.agg.GetVersion(), options.expected); err != nil {
			return nil, err
		}
		return t.agg, nil
	}

	l, err := s.lockFor(ctx, id)
	if err != nil {
		return nil, err
	}
	release := func() {
		if l != nil {
			if err := l.Release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("release aggregate lock", slog.String("lock", l.Name()), slog.Any("err", err))
			}
		}
	}

	agg, err := s.repo.Get(ctx, id, newAgg)
	if err != nil {
		release()
		return nil, err
	}
	if err := checkExpected(id, agg.GetVersion(), options.expected); err != nil {
		release()
		return nil, err
	}

	s.track(id, &tracked{agg: agg, version: agg.GetVersion(), lock: l})
	return agg, nil
}

// SessionGet is Session.Get for a concrete aggregate type.
func SessionGet[T Aggregate](ctx context.Context, s *Session, id string, opts ...GetOption) (out T, err error) {
	if _, err = New[T](s.registry); err != nil {
		return out, aggErr("get", id, err)
	}
	agg, err := s.Get(ctx, id, Constructor[T](s.registry), opts...)
	if err != nil {
		return out, err
	}
	out, ok := agg.(T)
	if !ok {
		return out, fmt.Errorf("aggregate %s is %T, not %T", id, agg, out)
	}
	return out, nil
}

func checkExpected(id string, actual Version, expected *Version) error {
	if expected == nil || *expected == actual {
		return nil
	}
	return aggErr("get", id, fmt.Errorf("%w: expected version %d, got %d", ErrConcurrencyConflict, *expected, actual))
}

// Commit saves every tracked aggregate against the version it was tracked
// at, in tracking order, and ends the session. Expired locks abort the
// commit before anything is written. The first failing save aborts the
// rest; aggregates saved before it stay saved.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.reset(ctx)

	for _, id := range s.order {
		if err := s.checkHeld(s.tracked[id]); err != nil {
			return err
		}
	}

	for _, id := range s.order {
		t := s.tracked[id]
		if err := s.repo.Save(ctx, t.agg, WithExpectedVersion(t.version)); err != nil {
			s.log.Debug("commit failed", slog.String("aggregate_id", id), slog.Any("err", err))
			return err
		}
	}
	return nil
}

// Close discards tracked aggregates and releases held locks.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reset(ctx)
}

func (s *Session) reset(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, id := range s.order {
		if l := s.tracked[id].lock; l != nil {
			if err := l.Release(ctx); err != nil && !errors.Is(err, lock.ErrDistributedLock) {
				errs = append(errs, err)
			}
		}
	}
	s.tracked = map[string]*tracked{}
	s.order = nil
	return errors.Join(errs...)
}

package es_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventstore/core/es"
	"github.com/codewandler/eventstore/core/es/estests/domain"
	"github.com/codewandler/eventstore/core/lock"
)

func TestSession_Commit(t *testing.T) {
	var (
		repo, _, reg = newRepo(t)
		ctx          = t.Context()
	)

	s := es.NewSession(repo, reg)
	a := domain.NewTestAgg("a")
	b := domain.NewTestAgg("b")
	require.NoError(t, s.Add(ctx, a))
	require.NoError(t, s.Add(ctx, b))
	require.NoError(t, s.Add(ctx, a), "adding the same instance twice is a no-op")
	require.NoError(t, a.Inc())
	require.NoError(t, s.Commit(ctx))

	require.Equal(t, es.Version(2), a.GetVersion())
	require.Equal(t, es.Version(1), b.GetVersion())

	// the session is empty again
	s2 := es.NewSession(repo, reg)
	loaded, err := es.SessionGet[*domain.TestAgg](ctx, s2, "a")
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Count())

	again, err := es.SessionGet[*domain.TestAgg](ctx, s2, "a")
	require.NoError(t, err)
	require.Same(t, loaded, again)
}

func TestSession_AddErrors(t *testing.T) {
	var (
		repo, _, reg = newRepo(t)
		ctx          = t.Context()
		s            = es.NewSession(repo, reg)
	)

	require.ErrorIs(t, s.Add(ctx, &domain.TestAgg{}), es.ErrMissingID)

	require.NoError(t, s.Add(ctx, domain.NewTestAgg("x")))
	require.ErrorIs(t, s.Add(ctx, domain.NewTestAgg("x")), es.ErrConcurrencyConflict)
}

func TestSession_ConflictingCommits(t *testing.T) {
	var (
		repo, _, reg = newRepo(t)
		ctx          = t.Context()
	)
	require.NoError(t, repo.Save(ctx, domain.NewTestAgg("a")))

	s1 := es.NewSession(repo, reg)
	s2 := es.NewSession(repo, reg)

	a1, err := es.SessionGet[*domain.TestAgg](ctx, s1, "a")
	require.NoError(t, err)
	a2, err := es.SessionGet[*domain.TestAgg](ctx, s2, "a")
	require.NoError(t, err)

	require.NoError(t, a1.Inc())
	require.NoError(t, a2.IncBy(2))

	require.NoError(t, s1.Commit(ctx))
	require.ErrorIs(t, s2.Commit(ctx), es.ErrConcurrencyConflict)

	loaded, err := es.Get[*domain.TestAgg](ctx, repo, reg, "a")
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Count())
}

func TestSession_ExpectedVersion(t *testing.T) {
	var (
		repo, _, reg = newRepo(t)
		ctx          = t.Context()
	)
	require.NoError(t, repo.Save(ctx, domain.NewTestAgg("a")))

	s := es.NewSession(repo, reg)
	_, err := es.SessionGet[*domain.TestAgg](ctx, s, "a", es.WithExpectedVersion(5))
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	a, err := es.SessionGet[*domain.TestAgg](ctx, s, "a", es.WithExpectedVersion(1))
	require.NoError(t, err)
	require.NotNil(t, a)

	_, err = es.SessionGet[*domain.TestAgg](ctx, s, "a", es.WithExpectedVersion(2))
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)
}

func TestSession_NotFound(t *testing.T) {
	var (
		repo, _, reg = newRepo(t)
		locker       = lock.NewMemory()
		s            = es.NewSession(repo, reg, es.WithLocker(locker, lock.Options{Wait: 0}))
	)

	_, err := es.SessionGet[*domain.TestAgg](t.Context(), s, "ghost")
	require.ErrorIs(t, err, es.ErrAggregateNotFound)

	// the lock taken for the failed load was released
	l, err := locker.Acquire(t.Context(), "Lock::ghost", lock.Options{Wait: 0})
	require.NoError(t, err)
	require.NoError(t, l.Release(t.Context()))
}

func TestSession_Locking(t *testing.T) {
	var (
		repo, _, reg = newRepo(t)
		ctx          = t.Context()
		locker       = lock.NewMemory()
		opts         = lock.Options{Expiry: time.Minute, Wait: 0, RetryInterval: time.Millisecond}
	)
	require.NoError(t, repo.Save(ctx, domain.NewTestAgg("a")))

	s1 := es.NewSession(repo, reg, es.WithApplicationName("bank"), es.WithLocker(locker, opts))
	s2 := es.NewSession(repo, reg, es.WithApplicationName("bank"), es.WithLocker(locker, opts))

	a, err := es.SessionGet[*domain.TestAgg](ctx, s1, "a")
	require.NoError(t, err)

	_, err = es.SessionGet[*domain.TestAgg](ctx, s2, "a")
	require.ErrorIs(t, err, lock.ErrLockNotAcquired)
	require.ErrorIs(t, err, lock.ErrDistributedLock)

	require.NoError(t, a.Inc())
	require.NoError(t, s1.Commit(ctx))

	// committing released the lock
	b, err := es.SessionGet[*domain.TestAgg](ctx, s2, "a")
	require.NoError(t, err)
	require.Equal(t, es.Version(2), b.GetVersion())
	require.NoError(t, s2.Close(ctx))

	_, err = locker.Acquire(ctx, "Lock:bank:a", opts)
	require.NoError(t, err)
}

func TestSession_ExpiredLock(t *testing.T) {
	var (
		repo, _, reg = newRepo(t)
		ctx          = t.Context()
		locker       = lock.NewMemory()
		opts         = lock.Options{Expiry: 20 * time.Millisecond, Wait: 0}
		s            = es.NewSession(repo, reg, es.WithLocker(locker, opts))
	)

	a := domain.NewTestAgg("a")
	require.NoError(t, s.Add(ctx, a))
	time.Sleep(40 * time.Millisecond)

	require.ErrorIs(t, s.Add(ctx, a), lock.ErrLockExpired)
	_, err := s.Get(ctx, "a", es.Constructor[*domain.TestAgg](reg))
	require.ErrorIs(t, err, lock.ErrLockExpired)

	require.ErrorIs(t, s.Commit(ctx), lock.ErrLockExpired)

	_, err = es.Get[*domain.TestAgg](ctx, repo, reg, "a")
	require.ErrorIs(t, err, es.ErrAggregateNotFound, "nothing was written")
}

// Package locktest holds the behavioural suite every lock.Locker must pass.
package locktest

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventstore/core/lock"
)

func Run(t *testing.T, newLocker func(t *testing.T) lock.Locker) {
	t.Run("exclusive", func(t *testing.T) { testExclusive(t, newLocker(t)) })
	t.Run("release", func(t *testing.T) { testRelease(t, newLocker(t)) })
	t.Run("expiry", func(t *testing.T) { testExpiry(t, newLocker(t)) })
	t.Run("wait", func(t *testing.T) { testWait(t, newLocker(t)) })
	t.Run("mutual exclusion", func(t *testing.T) { testMutualExclusion(t, newLocker(t)) })
}

func name(t *testing.T) string { return "Lock:" + t.Name() }

var noWait = lock.Options{Expiry: 5 * time.Second, Wait: 0, RetryInterval: 10 * time.Millisecond}

func testExclusive(t *testing.T, l lock.Locker) {
	ctx := t.Context()
	first, err := l.Acquire(ctx, name(t), noWait)
	require.NoError(t, err)
	require.True(t, first.Valid())
	require.Equal(t, name(t), first.Name())

	_, err = l.Acquire(ctx, name(t), noWait)
	require.ErrorIs(t, err, lock.ErrLockNotAcquired)
	require.ErrorIs(t, err, lock.ErrDistributedLock)

	var lockErr *lock.Error
	require.ErrorAs(t, err, &lockErr)
	require.Equal(t, name(t), lockErr.Name)

	require.NoError(t, first.Release(ctx))
}

func testRelease(t *testing.T, l lock.Locker) {
	ctx := t.Context()
	first, err := l.Acquire(ctx, name(t), noWait)
	require.NoError(t, err)
	require.NoError(t, first.Release(ctx))
	require.False(t, first.Valid())
	require.NoError(t, first.Release(ctx))

	second, err := l.Acquire(ctx, name(t), noWait)
	require.NoError(t, err)
	require.True(t, second.Valid())
	require.NoError(t, second.Release(ctx))
}

func testExpiry(t *testing.T, l lock.Locker) {
	ctx := t.Context()
	short := lock.Options{Expiry: time.Second, RetryInterval: 10 * time.Millisecond}
	first, err := l.Acquire(ctx, name(t), short)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !first.Valid() }, 3*time.Second, 20*time.Millisecond)
	require.ErrorIs(t, lock.Check(first), lock.ErrLockExpired)

	second, err := l.Acquire(ctx, name(t), lock.Options{Expiry: 5 * time.Second, Wait: 3 * time.Second, RetryInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, lock.Check(second))

	// a stale holder must not release the new owner
	require.NoError(t, first.Release(ctx))
	_, err = l.Acquire(ctx, name(t), noWait)
	require.ErrorIs(t, err, lock.ErrLockNotAcquired)

	require.NoError(t, second.Release(ctx))
}

func testWait(t *testing.T, l lock.Locker) {
	ctx := t.Context()
	first, err := l.Acquire(ctx, name(t), noWait)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = first.Release(ctx)
	}()

	second, err := l.Acquire(ctx, name(t), lock.Options{Expiry: 5 * time.Second, Wait: 3 * time.Second, RetryInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func testMutualExclusion(t *testing.T, l lock.Locker) {
	ctx := t.Context()
	opts := lock.Options{Expiry: 5 * time.Second, Wait: 10 * time.Second, RetryInterval: 5 * time.Millisecond}

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := l.Acquire(ctx, name(t), opts)
			if !assert.NoError(t, err) {
				return
			}
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, h.Release(ctx))
		}()
	}
	wg.Wait()
	require.False(t, overlap.Load())
}

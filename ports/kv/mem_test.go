package kv_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventstore/internal/backoff"
	"github.com/codewandler/eventstore/ports/kv"
	"github.com/codewandler/eventstore/ports/kv/kvtest"
)

func TestMemStore(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store { return kv.NewMemStore() })
}

func TestMemStore_SubscriptionClosedByContext(t *testing.T) {
	s := kv.NewMemStore()
	ctx, cancel := context.WithCancel(t.Context())

	var n atomic.Int32
	_, err := s.Subscribe(ctx, "ch", func(string) { n.Add(1) })
	require.NoError(t, err)

	require.NoError(t, s.Publish(t.Context(), "ch", "1"))
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Publish(t.Context(), "ch", "2"))
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, n.Load())
}

// flaky fails the first n calls of Get and LPush.
type flaky struct {
	kv.Store
	failures atomic.Int32
	calls    atomic.Int32
}

var errFlaky = errors.New("connection reset")

func (f *flaky) Get(ctx context.Context, key string) (string, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return "", errFlaky
	}
	return f.Store.Get(ctx, key)
}

func (f *flaky) LPush(ctx context.Context, key string, values ...string) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errFlaky
	}
	return f.Store.LPush(ctx, key, values...)
}

func TestWithRetry(t *testing.T) {
	p := backoff.Policy{Attempts: 3, BaseDelay: time.Millisecond}

	t.Run("transient failure", func(t *testing.T) {
		f := &flaky{Store: kv.NewMemStore()}
		f.failures.Store(2)
		s := kv.WithRetry(f, p, nil)

		require.NoError(t, s.LPush(t.Context(), "l", "a"))
		require.EqualValues(t, 3, f.calls.Load())
		n, err := s.LLen(t.Context(), "l")
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
	})

	t.Run("exhausted", func(t *testing.T) {
		f := &flaky{Store: kv.NewMemStore()}
		f.failures.Store(10)
		s := kv.WithRetry(f, p, nil)

		require.ErrorIs(t, s.LPush(t.Context(), "l", "a"), errFlaky)
		require.EqualValues(t, 3, f.calls.Load())
	})

	t.Run("not found is final", func(t *testing.T) {
		f := &flaky{Store: kv.NewMemStore()}
		s := kv.WithRetry(f, p, nil)

		_, err := s.Get(t.Context(), "missing")
		require.ErrorIs(t, err, kv.ErrNotFound)
		require.EqualValues(t, 1, f.calls.Load())
	})
}

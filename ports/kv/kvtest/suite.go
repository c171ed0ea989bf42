// Package kvtest holds a behavioural test suite every kv.Store adapter
// must pass.
package kvtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventstore/ports/kv"
)

// Run executes the suite. newStore must return an empty store; keys are
// prefixed per test so a shared backend is fine.
func Run(t *testing.T, newStore func(t *testing.T) kv.Store) {
	t.Run("strings", func(t *testing.T) { testStrings(t, newStore(t)) })
	t.Run("ttl", func(t *testing.T) { testTTL(t, newStore(t)) })
	t.Run("hashes", func(t *testing.T) { testHashes(t, newStore(t)) })
	t.Run("lists", func(t *testing.T) { testLists(t, newStore(t)) })
	t.Run("lrem", func(t *testing.T) { testLRem(t, newStore(t)) })
	t.Run("rpoplpush", func(t *testing.T) { testRPopLPush(t, newStore(t)) })
	t.Run("sets", func(t *testing.T) { testSets(t, newStore(t)) })
	t.Run("pubsub", func(t *testing.T) { testPubSub(t, newStore(t)) })
	t.Run("tx", func(t *testing.T) { testTx(t, newStore(t)) })
	t.Run("tx concurrent", func(t *testing.T) { testTxConcurrent(t, newStore(t)) })
}

func key(t *testing.T, k string) string { return t.Name() + ":" + k }

func testStrings(t *testing.T, s kv.Store) {
	ctx := t.Context()
	k := key(t, "a")

	_, err := s.Get(ctx, k)
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Set(ctx, k, "1", 0))
	v, err := s.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, "1", v)

	ok, err := s.SetNX(ctx, k, "2", 0)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.DelIfEqual(ctx, k, "2")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.DelIfEqual(ctx, k, "1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetNX(ctx, k, "3", 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Del(ctx, k))
	_, err = s.Get(ctx, k)
	require.ErrorIs(t, err, kv.ErrNotFound)

	type foo struct {
		Name string
		Age  int
	}
	require.NoError(t, kv.SetJSON(ctx, s, key(t, "json"), foo{Name: "P1", Age: 10}, 0))
	loaded, err := kv.GetJSON[foo](ctx, s, key(t, "json"))
	require.NoError(t, err)
	require.Equal(t, foo{Name: "P1", Age: 10}, loaded)
}

func testTTL(t *testing.T, s kv.Store) {
	ctx := t.Context()
	k := key(t, "a")
	require.NoError(t, s.Set(ctx, k, "x", 50*time.Millisecond))
	_, err := s.Get(ctx, k)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, k)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	ok, err := s.SetNX(ctx, k, "y", 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func testHashes(t *testing.T, s kv.Store) {
	ctx := t.Context()
	k := key(t, "h")

	_, err := s.HGet(ctx, k, "f")
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.HSet(ctx, k, "f", "v1"))
	require.NoError(t, s.HSet(ctx, k, "f", "v2"))
	v, err := s.HGet(ctx, k, "f")
	require.NoError(t, err)
	require.Equal(t, "v2", v)

	require.NoError(t, s.HDel(ctx, k, "f"))
	_, err = s.HGet(ctx, k, "f")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func testLists(t *testing.T, s kv.Store) {
	ctx := t.Context()
	k := key(t, "l")

	n, err := s.LLen(ctx, k)
	require.NoError(t, err)
	require.Zero(t, n)

	items, err := s.LRange(ctx, k, 0, -1)
	require.NoError(t, err)
	require.Empty(t, items)

	require.NoError(t, s.RPush(ctx, k, "a", "b", "c"))
	require.NoError(t, s.LPush(ctx, k, "y", "z"))

	items, err = s.LRange(ctx, k, 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"z", "y", "a", "b", "c"}, items)

	items, err = s.LRange(ctx, k, 2, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, items)

	items, err = s.LRange(ctx, k, -2, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, items)

	items, err = s.LRange(ctx, k, 1, 100)
	require.NoError(t, err)
	require.Equal(t, []string{"y", "a", "b", "c"}, items)

	items, err = s.LRange(ctx, k, 5, -1)
	require.NoError(t, err)
	require.Empty(t, items)

	n, err = s.LLen(ctx, k)
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
}

func testLRem(t *testing.T, s kv.Store) {
	ctx := t.Context()
	k := key(t, "l")
	require.NoError(t, s.RPush(ctx, k, "x", "a", "x", "b", "x"))

	n, err := s.LRem(ctx, k, 1, "x")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	items, _ := s.LRange(ctx, k, 0, -1)
	require.Equal(t, []string{"a", "x", "b", "x"}, items)

	n, err = s.LRem(ctx, k, -1, "x")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	items, _ = s.LRange(ctx, k, 0, -1)
	require.Equal(t, []string{"a", "x", "b"}, items)

	n, err = s.LRem(ctx, k, 0, "missing")
	require.NoError(t, err)
	require.Zero(t, n)
}

func testRPopLPush(t *testing.T, s kv.Store) {
	ctx := t.Context()
	src, dst := key(t, "src"), key(t, "dst")

	_, err := s.RPopLPush(ctx, src, dst)
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.LPush(ctx, src, "1"))
	require.NoError(t, s.LPush(ctx, src, "2"))

	v, err := s.RPopLPush(ctx, src, dst)
	require.NoError(t, err)
	require.Equal(t, "1", v)

	v, err = s.RPopLPush(ctx, src, dst)
	require.NoError(t, err)
	require.Equal(t, "2", v)

	items, err := s.LRange(ctx, dst, 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"2", "1"}, items)

	n, err := s.LLen(ctx, src)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testSets(t *testing.T, s kv.Store) {
	ctx := t.Context()
	k := key(t, "s")

	require.NoError(t, s.SAdd(ctx, k, "b", "a", "b"))
	n, err := s.SCard(ctx, k)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	members, err := s.SMembers(ctx, k)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, s.SRem(ctx, k, "a"))
	members, err = s.SMembers(ctx, k)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, members)
}

func testPubSub(t *testing.T, s kv.Store) {
	ctx := t.Context()
	ch := key(t, "ch")

	var (
		mu  sync.Mutex
		got []string
	)
	sub, err := s.Subscribe(ctx, ch, func(message string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, message)
	})
	require.NoError(t, err)

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, s.Publish(ctx, ch, m))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"1", "2", "3"}, got)
	mu.Unlock()

	require.NoError(t, sub.Close())
	require.NoError(t, s.Publish(ctx, ch, "4"))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
}

func testTx(t *testing.T, s kv.Store) {
	ctx := t.Context()
	l, set, ch := key(t, "l"), key(t, "s"), key(t, "ch")

	received := make(chan string, 1)
	sub, err := s.Subscribe(ctx, ch, func(message string) { received <- message })
	require.NoError(t, err)
	defer sub.Close()

	ok, err := s.Tx().
		ListLengthEqual(l, 0).
		SetLengthEqual(set, 0).
		RPush(l, "a").
		Publish(ch, "pushed").
		Exec(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case m := <-received:
		require.Equal(t, "pushed", m)
	case <-time.After(2 * time.Second):
		t.Fatal("publish inside tx not delivered")
	}

	// stale precondition leaves the store untouched
	ok, err = s.Tx().ListLengthEqual(l, 0).RPush(l, "b").Exec(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SAdd(ctx, set, "m"))
	ok, err = s.Tx().SetLengthEqual(set, 0).LPush(l, "c").Exec(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.Tx().ListLengthEqual(l, 1).SetLengthEqual(set, 1).RPush(l, "b").LRem(l, 1, "a").Exec(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	items, err := s.LRange(ctx, l, 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, items)
}

func testTxConcurrent(t *testing.T, s kv.Store) {
	ctx := context.WithoutCancel(t.Context())
	l := key(t, "l")

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Tx().ListLengthEqual(l, 0).RPush(l, string(rune('a'+i))).Exec(ctx)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	n, err := s.LLen(ctx, l)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

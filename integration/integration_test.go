package integration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/eventstore/adapters/nats"
	"github.com/codewandler/eventstore/adapters/redis"
	"github.com/codewandler/eventstore/core/es"
	"github.com/codewandler/eventstore/core/es/estests/domain"
	"github.com/codewandler/eventstore/core/mq"
)

const app = "integration"

// process is one application instance sharing Redis and NATS with others.
type process struct {
	env       *es.Env
	snapshots *nats.SnapshotStore
}

func startProcess(t *testing.T, redisURL string, connect nats.Connector, name string) *process {
	t.Helper()
	log := slog.Default().With(slog.String("process", name))

	store, err := redis.NewStore(redis.StoreConfig{URL: redisURL, Log: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	locker, err := nats.NewLocker(nats.LockerConfig{Connect: connect, Log: log})
	require.NoError(t, err)
	t.Cleanup(locker.Close)

	snapshots, err := nats.NewSnapshotStore(nats.SnapshotStoreConfig{Connect: connect, ApplicationName: app, Log: log})
	require.NoError(t, err)
	t.Cleanup(snapshots.Close)

	cfg := es.Config{
		ApplicationName:  app,
		SnapshotInterval: 10,
		Lock: es.LockConfig{
			Enabled:       true,
			Expiry:        10 * time.Second,
			Wait:          10 * time.Second,
			RetryInterval: 5 * time.Millisecond,
		},
	}
	env, err := es.NewEnv(cfg, append(domain.EnvOptions(),
		es.WithLogger(log),
		es.WithStore(store),
		es.WithLocker(locker, cfg.Lock.Options()),
		es.WithSnapshotStore(snapshots),
	)...)
	require.NoError(t, err)
	t.Cleanup(env.Close)

	return &process{env: env, snapshots: snapshots}
}

func resetOnce(ctx context.Context, env *es.Env, id string) error {
	s := env.NewSession()
	defer func() { _ = s.Close(ctx) }()

	a, err := es.SessionGet[*domain.TestAgg](ctx, s, id)
	if err != nil {
		return err
	}
	if err := a.Reset(); err != nil {
		return err
	}
	return s.Commit(ctx)
}

func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}

	var (
		ctx      = t.Context()
		redisURL = redis.NewTestContainer(t)
		connect  = nats.ReuseConnection(nats.NewTestContainer(t))
		p1       = startProcess(t, redisURL, connect, "p1")
		p2       = startProcess(t, redisURL, connect, "p2")
		aggIDs   = []string{"acc-1", "acc-2", "acc-3"}
	)

	// each subscriber lives in its own process
	var (
		mu       sync.Mutex
		received = map[string]map[string]int{}
	)
	record := func(sub string) mq.Handler[*domain.Incremented] {
		return func(_ context.Context, ev *domain.Incremented) error {
			mu.Lock()
			defer mu.Unlock()
			if received[sub] == nil {
				received[sub] = map[string]int{}
			}
			received[sub][fmt.Sprintf("%s@%d", ev.GetID(), ev.GetVersion())]++
			return nil
		}
	}
	s1, err := mq.Subscribe(ctx, p1.env.Queue(), "S1", record("S1"))
	require.NoError(t, err)
	t.Cleanup(s1.Close)
	s2, err := mq.Subscribe(ctx, p2.env.Queue(), "S2", record("S2"))
	require.NoError(t, err)
	t.Cleanup(s2.Close)

	for _, id := range aggIDs {
		require.NoError(t, p1.env.Repository().Save(ctx, domain.NewTestAgg(id)))
	}

	// sessions in both processes race on the same aggregates; the lock
	// serializes them so none conflicts
	const perWorker = 10
	var (
		g       errgroup.Group
		commits atomic.Int32
	)
	for w, p := range []*process{p1, p2, p1, p2} {
		g.Go(func() error {
			for i := range perWorker {
				if err := resetOnce(ctx, p.env, aggIDs[(w+i)%len(aggIDs)]); err != nil {
					return err
				}
				commits.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 4*perWorker, commits.Load())

	var total int
	for _, id := range aggIDs {
		// p2 caches a possibly stale instance, catching up on read
		a, err := es.Get[*domain.TestAgg](ctx, p2.env.Repository(), p2.env.Registry(), id)
		require.NoError(t, err)
		require.Equal(t, es.Version(1+a.NumResets), a.GetVersion())
		total += a.NumResets

		snap, err := p1.snapshots.Load(ctx, id)
		require.NoError(t, err)
		require.Equal(t, es.Version(0), snap.Version%10)
	}
	require.Equal(t, 4*perWorker, total)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received["S1"]) == total && len(received["S2"]) == total
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for sub, seen := range received {
		for key, n := range seen {
			assert.Equal(t, 1, n, "%s received %s more than once", sub, key)
		}
	}
}

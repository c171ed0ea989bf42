package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/eventstore/adapters/nats"
	promadapter "github.com/codewandler/eventstore/adapters/prometheus"
	"github.com/codewandler/eventstore/adapters/redis"
	"github.com/codewandler/eventstore/core/es"
	"github.com/codewandler/eventstore/core/lock"
	"github.com/codewandler/eventstore/core/mq"
	"github.com/codewandler/eventstore/ports/kv"
)

// === Config ===

// NOTE: run redis: docker run --net=host redis:7-alpine
// NOTE: run nats:  docker run --net=host nats:latest -js

var (
	logLevel    = slog.LevelInfo
	N           = getEnvInt("N", 20_000)
	batchSize   = getEnvInt("B", 1_000)
	workers     = getEnvInt("WORKERS", 8)
	users       = getEnvInt("USERS", 16)
	app         = getEnv("APP", "loadtest")
	environment = getEnv("ENV", es.DefaultEnvironment)
	backendType = getEnv("BACKEND", "memory")
	lockType    = getEnv("LOCK", "")
	natsURL     = getEnv("NATS_URL", "")
	metricsAddr = getEnv("METRICS_ADDR", "")
	useSnapshot = getEnvBool("SNAPSHOT", true)
	useCache    = getEnvBool("CACHE", true)
)

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	if v == "1" || strings.ToLower(v) == "true" {
		return true
	}
	return false
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

// === Projection ===

// emailCounter is a subscriber projection counting delivered changes.
type emailCounter struct {
	total atomic.Int64
}

func (c *emailCounter) handle(_ context.Context, _ *EmailChanged) error {
	c.total.Add(1)
	return nil
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	fmt.Printf("Backend:  %s\n", backendType)
	fmt.Printf("Lock:     %s\n", lockType)
	fmt.Printf("Snapshot: %s\n", strconv.FormatBool(useSnapshot))
	fmt.Printf("Cache:    %s\n", strconv.FormatBool(useCache))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := promadapter.NewAllMetrics(reg)
	if metricsAddr != "" {
		go func() {
			log.Info("serving metrics", slog.String("addr", metricsAddr))
			err := http.ListenAndServe(metricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Error("metrics server stopped", slog.Any("err", err))
		}()
	}

	env, cleanup := createEnv(log, m)
	defer cleanup()
	defer env.Close()

	var projection emailCounter
	sub, err := mq.Subscribe(ctx, env.Queue(), app+"-projection", projection.handle, mq.WithMaxConcurrency(workers))
	checkErr(err)
	defer sub.Close()

	// === START ===

	log.Info("==================================")
	log.Info("Starting ...")

	for i := range users {
		u := NewUser(userID(i), fmt.Sprintf("user-%d", i))
		err := env.Repository().Save(ctx, u, es.WithExpectedVersion(0))
		if err != nil && !errors.Is(err, es.ErrConcurrencyConflict) {
			checkErr(err)
		}
	}

	var (
		startAt   = time.Now()
		lastTime  = startAt
		done      atomic.Int64
		conflicts atomic.Int64
		mu        sync.Mutex
		g, gctx   = errgroup.WithContext(ctx)
		jobs      = make(chan int)
	)

	g.Go(func() error {
		defer close(jobs)
		for i := range N {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for range workers {
		g.Go(func() error {
			for i := range jobs {
				err := changeEmail(gctx, env, userID(i%users), fmt.Sprintf("user@host-%d.com", i))
				switch {
				case errors.Is(err, es.ErrConcurrencyConflict), errors.Is(err, lock.ErrLockNotAcquired):
					conflicts.Add(1)
				case err != nil:
					return err
				}

				n := done.Add(1)
				if n%100 == 0 {
					print(".")
				}
				if n%int64(batchSize) == 0 {
					mu.Lock()
					mem := getMemUsage()
					now := time.Now()
					took := now.Sub(lastTime)
					fmt.Printf(" | %5d commits | %6d ms | %6d commits/s | (%d / %d) MiB mem (sys) |\n", batchSize, took.Milliseconds(), int(float64(batchSize)/took.Seconds()), mem.Alloc/1024/1024, mem.Sys/1024/1024)
					lastTime = now
					mu.Unlock()
				}
			}
			return nil
		})
	}
	checkErr(g.Wait())

	// drain whatever the projection has not seen yet
	_, err = sub.Drain(ctx)
	checkErr(err)

	// === stats ===
	println("")
	println("==========================================")

	took := time.Since(startAt)
	runtime.GC()

	var versions es.Version
	for i := range users {
		u, err := es.Get[*User](ctx, env.Repository(), env.Registry(), userID(i))
		checkErr(err)
		versions += u.GetVersion()
	}

	fmt.Printf("   total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("         commits: %d\n", done.Load())
	fmt.Printf("       conflicts: %d\n", conflicts.Load())
	fmt.Printf("  total versions: %d\n", versions)
	fmt.Printf("projected events: %d\n", projection.total.Load())
	fmt.Printf("   avg. commit/s: %d\n", int(float64(done.Load())/took.Seconds()))
}

// changeEmail runs one unit of work through a session.
func changeEmail(ctx context.Context, env *es.Env, id, email string) error {
	s := env.NewSession()
	defer func() { _ = s.Close(ctx) }()

	u, err := es.SessionGet[*User](ctx, s, id)
	if err != nil {
		return err
	}
	if err := u.ChangeEmail(email); err != nil {
		return err
	}
	return s.Commit(ctx)
}

func userID(i int) string { return fmt.Sprintf("user-%d", i) }

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

// === Env ===

func createEnv(log *slog.Logger, m *promadapter.AllMetrics) (*es.Env, func()) {
	var (
		store    kv.Store
		cleanups []func()
	)
	switch backendType {
	case "redis":
		rs, err := redis.NewStore(redis.StoreConfig{Log: log})
		checkErr(err)
		checkErr(rs.Ping(context.Background()))
		cleanups = append(cleanups, func() { _ = rs.Close() })
		store = rs
	default:
		store = kv.NewMemStore()
	}

	cfg := es.Config{
		ApplicationName: app,
		Environment:     environment,
		Lock: es.LockConfig{
			Enabled:       lockType != "",
			Expiry:        10 * time.Second,
			Wait:          5 * time.Second,
			RetryInterval: 5 * time.Millisecond,
		},
	}
	if !useSnapshot {
		cfg.SnapshotInterval = 1 << 30
	}

	opts := []es.EnvOption{
		es.WithLogger(log),
		es.WithStore(store),
		es.WithMetrics(m.ES),
		es.WithQueueOptions(mq.WithMetrics(m.MQ)),
		es.WithAggregates(func() es.Aggregate { return new(User) }),
		es.WithEvents(es.NewEvent[UserRegistered](), es.NewEvent[EmailChanged]()),
	}
	if !useCache {
		opts = append(opts, es.WithoutCache())
	}

	if natsURL != "" {
		connect := nats.ReuseConnection(nats.ConnectURL(natsURL))
		snapshots, err := nats.NewSnapshotStore(nats.SnapshotStoreConfig{
			Connect:         connect,
			Bucket:          "loadtest_snapshots",
			ApplicationName: app,
			Log:             log,
		})
		checkErr(err)
		cleanups = append(cleanups, snapshots.Close)
		opts = append(opts, es.WithSnapshotStore(snapshots))

		if lockType == "nats" {
			locker, err := nats.NewLocker(nats.LockerConfig{Connect: connect, Bucket: "loadtest_locks", Log: log})
			checkErr(err)
			cleanups = append(cleanups, locker.Close)
			opts = append(opts, es.WithLocker(locker, cfg.Lock.Options()))
		}
	}

	env, err := es.NewEnv(cfg, opts...)
	checkErr(err)
	return env, func() {
		for _, c := range cleanups {
			c()
		}
	}
}

// === Domain ===

type (
	User struct {
		es.AggregateRoot

		Name  string `json:"name"`
		Email string `json:"email"`
	}

	UserRegistered struct {
		es.EventMeta
		Name string `json:"name"`
	}
	EmailChanged struct {
		es.EventMeta
		NewEmail string `json:"new_email"`
	}
)

func NewUser(id, name string) *User {
	u := &User{}
	u.SetID(id)
	checkErr(es.ApplyChange(u, &UserRegistered{Name: name}))
	return u
}

func (u *User) AggregateType() string { return "user" }

func (u *User) Apply(e es.Event) error {
	switch evt := e.(type) {
	case *UserRegistered:
		u.Name = evt.Name
		return nil
	case *EmailChanged:
		u.Email = evt.NewEmail
		return nil
	}
	return fmt.Errorf("unknown event: %T", e)
}

func (u *User) ChangeEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email is empty")
	}
	return es.ApplyChange(u, &EmailChanged{NewEmail: email})
}

func (u *User) Snapshot() ([]byte, error)         { return json.Marshal(u) }
func (u *User) RestoreSnapshot(data []byte) error { return json.Unmarshal(data, u) }

var (
	_ es.Aggregate     = (*User)(nil)
	_ es.Snapshottable = (*User)(nil)
)

// === Helpers ===

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}

// Package lock defines named, time-bounded distributed locks.
//
// A [Locker] hands out [Lock] handles. Acquisition polls every
// Options.RetryInterval until it succeeds or Options.Wait elapses, in which
// case [ErrLockNotAcquired] is returned. A lock carries an explicit expiry
// and is never renewed: once [Lock.Valid] reports false the holder must
// abort its unit of work.
//
// Implementations:
//   - [NewMemory]: process-local, for tests and single-process deployments
//   - [NewKV]: any kv.Store (SETNX with expiry, compare-and-delete release)
//   - adapters/nats.NewLocker: NATS JetStream key/value bucket
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
)

var (
	ErrDistributedLock = errors.New("distributed lock")
	ErrLockNotAcquired = fmt.Errorf("%w: not acquired", ErrDistributedLock)
	ErrLockExpired     = fmt.Errorf("%w: expired", ErrDistributedLock)
)

// Error names the lock a failure refers to.
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("lock %q: %s", e.Name, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

type Options struct {
	Expiry        time.Duration
	Wait          time.Duration
	RetryInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		Expiry:        30 * time.Second,
		Wait:          10 * time.Second,
		RetryInterval: 100 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Expiry <= 0 {
		o.Expiry = d.Expiry
	}
	if o.Wait < 0 {
		o.Wait = 0
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = d.RetryInterval
	}
	return o
}

type Lock interface {
	Name() string
	ExpiresAt() time.Time
	// Valid reports whether the lock is still held and not past its expiry.
	Valid() bool
	// Release gives the lock up. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

type Locker interface {
	Acquire(ctx context.Context, name string, opts Options) (Lock, error)
}

// TryFunc makes one acquisition attempt for token. It reports false when the
// lock is currently held by someone else.
type TryFunc func(ctx context.Context, token string, expiry time.Duration) (bool, error)

// ReleaseFunc releases the lock held under token.
type ReleaseFunc func(ctx context.Context, token string) error

// Acquire drives try until it succeeds or opts.Wait elapses. It is the
// shared polling loop of all Locker implementations.
func Acquire(ctx context.Context, name string, opts Options, try TryFunc, release ReleaseFunc) (Lock, error) {
	opts = opts.withDefaults()
	token := NewToken()
	deadline := time.Now().Add(opts.Wait)

	for {
		start := time.Now()
		ok, err := try(ctx, token, opts.Expiry)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %q: %w", name, err)
		}
		if ok {
			return &handle{
				name:      name,
				token:     token,
				expiresAt: start.Add(opts.Expiry),
				release:   release,
			}, nil
		}
		if !time.Now().Add(opts.RetryInterval).Before(deadline) {
			return nil, &Error{Name: name, Err: ErrLockNotAcquired}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}
}

// NewToken returns a unique owner token.
func NewToken() string { return uuid.Must(uuid.NewV7()).String() }

type handle struct {
	name      string
	token     string
	expiresAt time.Time
	release   ReleaseFunc
	released  atomic.Bool
}

func (h *handle) Name() string         { return h.name }
func (h *handle) ExpiresAt() time.Time { return h.expiresAt }

func (h *handle) Valid() bool {
	return !h.released.Load() && time.Now().Before(h.expiresAt)
}

func (h *handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.release(ctx, h.token)
}

// Check returns ErrLockExpired when l is no longer valid.
func Check(l Lock) error {
	if l == nil {
		return &Error{Err: ErrLockNotAcquired}
	}
	if !l.Valid() {
		return &Error{Name: l.Name(), Err: ErrLockExpired}
	}
	return nil
}

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/eventstore/core/lock"
)

const defaultLockBucket = "eventstore_locks"

type LockerConfig struct {
	Connect Connector // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Bucket  string    // Bucket is the key/value bucket holding locks. Defaults to "eventstore_locks".
	// MaxAge bounds how long an abandoned lock entry survives in the bucket.
	// Expiry is enforced per lock regardless. Defaults to one hour.
	MaxAge time.Duration
	Log    *slog.Logger
}

// Locker implements lock.Locker on a JetStream key/value bucket. Entries
// carry their own expiry; takeover of an expired entry and release are
// revision-checked so only one contender wins.
type Locker struct {
	kv    jetstream.KeyValue
	log   *slog.Logger
	close closeFunc
}

type lockEntry struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func NewLocker(cfg LockerConfig) (*Locker, error) {
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultLockBucket
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	kv, closeConn, err := openBucket(cfg.Connect, jetstream.KeyValueConfig{
		Bucket:  bucket,
		TTL:     maxAge,
		Storage: jetstream.FileStorage,
		History: 1,
	})
	if err != nil {
		return nil, err
	}

	return &Locker{
		kv:    kv,
		log:   log.With(slog.String("locker", "nats"), slog.String("bucket", bucket)),
		close: closeConn,
	}, nil
}

func (l *Locker) Close() { l.close() }

// lockKey maps a lock name onto the key alphabet NATS accepts.
func lockKey(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '/', r == '=':
			return r
		case r == ':', r == '.':
			return '.'
		default:
			return '_'
		}
	}, name)
}

func (l *Locker) Acquire(ctx context.Context, name string, opts lock.Options) (lock.Lock, error) {
	key := lockKey(name)
	return lock.Acquire(ctx, name, opts,
		func(ctx context.Context, token string, expiry time.Duration) (bool, error) {
			return l.try(ctx, key, token, expiry)
		},
		func(ctx context.Context, token string) error {
			return l.release(ctx, key, token)
		},
	)
}

func (l *Locker) try(ctx context.Context, key, token string, expiry time.Duration) (bool, error) {
	data, err := json.Marshal(lockEntry{Token: token, ExpiresAt: time.Now().Add(expiry).UnixNano()})
	if err != nil {
		return false, err
	}

	_, err = l.kv.Create(ctx, key, data)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return false, err
	}

	entry, err := l.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		// released in between, next attempt will create
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var current lockEntry
	if err := json.Unmarshal(entry.Value(), &current); err != nil {
		return false, err
	}
	if time.Now().UnixNano() < current.ExpiresAt {
		return false, nil
	}

	// take over the expired lock, unless someone else already did
	_, err = l.kv.Update(ctx, key, data, entry.Revision())
	if err != nil {
		l.log.Debug("expired lock takeover lost", slog.String("key", key), slog.Any("err", err))
		return false, nil
	}
	l.log.Warn("took over expired lock", slog.String("key", key))
	return true, nil
}

func (l *Locker) release(ctx context.Context, key, token string) error {
	entry, err := l.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var current lockEntry
	if err := json.Unmarshal(entry.Value(), &current); err != nil {
		return err
	}
	if current.Token != token {
		return nil
	}
	err = l.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision()))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}

var _ lock.Locker = (*Locker)(nil)

package kv

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codewandler/eventstore/internal/backoff"
)

type retryStore struct {
	inner  Store
	policy backoff.Policy
	log    *slog.Logger
}

// WithRetry wraps store so that transient failures are retried with the
// given backoff policy. ErrNotFound is final. Transactions are not retried:
// their callers own the precondition loop.
func WithRetry(store Store, p backoff.Policy, log *slog.Logger) Store {
	if log == nil {
		log = slog.Default()
	}
	next := p.Retryable
	p.Retryable = func(err error) bool {
		if errors.Is(err, ErrNotFound) {
			return false
		}
		if next != nil && !next(err) {
			return false
		}
		log.Debug("backing store call failed, retrying", slog.Any("err", err))
		return true
	}
	return &retryStore{inner: store, policy: p, log: log}
}

func (r *retryStore) do(ctx context.Context, fn func() error) error {
	return backoff.Do(ctx, r.policy, fn)
}

func (r *retryStore) Get(ctx context.Context, key string) (string, error) {
	return backoff.DoValue(ctx, r.policy, func() (string, error) { return r.inner.Get(ctx, key) })
}

func (r *retryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.do(ctx, func() error { return r.inner.Set(ctx, key, value, ttl) })
}

func (r *retryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return backoff.DoValue(ctx, r.policy, func() (bool, error) { return r.inner.SetNX(ctx, key, value, ttl) })
}

func (r *retryStore) Del(ctx context.Context, keys ...string) error {
	return r.do(ctx, func() error { return r.inner.Del(ctx, keys...) })
}

func (r *retryStore) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	return backoff.DoValue(ctx, r.policy, func() (bool, error) { return r.inner.DelIfEqual(ctx, key, value) })
}

func (r *retryStore) HGet(ctx context.Context, key, field string) (string, error) {
	return backoff.DoValue(ctx, r.policy, func() (string, error) { return r.inner.HGet(ctx, key, field) })
}

func (r *retryStore) HSet(ctx context.Context, key, field, value string) error {
	return r.do(ctx, func() error { return r.inner.HSet(ctx, key, field, value) })
}

func (r *retryStore) HDel(ctx context.Context, key string, fields ...string) error {
	return r.do(ctx, func() error { return r.inner.HDel(ctx, key, fields...) })
}

func (r *retryStore) LPush(ctx context.Context, key string, values ...string) error {
	return r.do(ctx, func() error { return r.inner.LPush(ctx, key, values...) })
}

func (r *retryStore) RPush(ctx context.Context, key string, values ...string) error {
	return r.do(ctx, func() error { return r.inner.RPush(ctx, key, values...) })
}

func (r *retryStore) LLen(ctx context.Context, key string) (int64, error) {
	return backoff.DoValue(ctx, r.policy, func() (int64, error) { return r.inner.LLen(ctx, key) })
}

func (r *retryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return backoff.DoValue(ctx, r.policy, func() ([]string, error) { return r.inner.LRange(ctx, key, start, stop) })
}

func (r *retryStore) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	return backoff.DoValue(ctx, r.policy, func() (int64, error) { return r.inner.LRem(ctx, key, count, value) })
}

// RPopLPush is not idempotent and therefore not retried.
func (r *retryStore) RPopLPush(ctx context.Context, src, dst string) (string, error) {
	return r.inner.RPopLPush(ctx, src, dst)
}

func (r *retryStore) SAdd(ctx context.Context, key string, members ...string) error {
	return r.do(ctx, func() error { return r.inner.SAdd(ctx, key, members...) })
}

func (r *retryStore) SRem(ctx context.Context, key string, members ...string) error {
	return r.do(ctx, func() error { return r.inner.SRem(ctx, key, members...) })
}

func (r *retryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return backoff.DoValue(ctx, r.policy, func() ([]string, error) { return r.inner.SMembers(ctx, key) })
}

func (r *retryStore) SCard(ctx context.Context, key string) (int64, error) {
	return backoff.DoValue(ctx, r.policy, func() (int64, error) { return r.inner.SCard(ctx, key) })
}

func (r *retryStore) Publish(ctx context.Context, channel, message string) error {
	return r.do(ctx, func() error { return r.inner.Publish(ctx, channel, message) })
}

func (r *retryStore) Subscribe(ctx context.Context, channel string, fn func(message string)) (Subscription, error) {
	return backoff.DoValue(ctx, r.policy, func() (Subscription, error) { return r.inner.Subscribe(ctx, channel, fn) })
}

func (r *retryStore) Tx() Tx { return r.inner.Tx() }

var _ Store = (*retryStore)(nil)

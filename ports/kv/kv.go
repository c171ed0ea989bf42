// Package kv defines the backing store port: string, hash, list and set
// primitives, pub/sub notifications and conditional transactions. The shape
// follows Redis so the production adapter maps one-to-one, while [MemStore]
// serves tests and single-process deployments.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for missing string or hash values and when
	// popping from an empty list.
	ErrNotFound = errors.New("not found")
)

type Subscription interface {
	Close() error
}

// Store is the backing store client. All operations are safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key does not exist yet.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// DelIfEqual atomically deletes key when it currently holds value.
	DelIfEqual(ctx context.Context, key, value string) (bool, error)

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error

	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LLen(ctx context.Context, key string) (int64, error)
	// LRange uses Redis index semantics: negative indexes count from the end.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LRem removes count occurrences of value: from the head for count > 0,
	// from the tail for count < 0, all of them for count == 0.
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)
	// RPopLPush atomically moves the tail of src to the head of dst.
	RPopLPush(ctx context.Context, src, dst string) (string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	Publish(ctx context.Context, channel, message string) error
	// Subscribe invokes fn for every message published on channel until the
	// subscription is closed or ctx is done. fn runs on a store-owned
	// goroutine, one message at a time.
	Subscribe(ctx context.Context, channel string, fn func(message string)) (Subscription, error)

	Tx() Tx
}

// GetJSON loads key and decodes it into T.
func GetJSON[T any](ctx context.Context, store Store, key string) (out T, err error) {
	s, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	err = json.Unmarshal([]byte(s), &out)
	return
}

// SetJSON encodes v and stores it under key.
func SetJSON[T any](ctx context.Context, store Store, key string, v T, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(data), ttl)
}

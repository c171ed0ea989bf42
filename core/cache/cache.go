package cache

import "time"

type PutOptions struct {
	// TTL expires the entry; with sliding caches every hit renews it.
	TTL time.Duration
}

type PutOption func(*PutOptions)

func WithTTL(ttl time.Duration) PutOption {
	return func(o *PutOptions) { o.TTL = ttl }
}

type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any, opts ...PutOption)
	Delete(key string)
	// Len counts stored entries, expired ones not yet evicted included.
	Len() int
}

// Typed narrows a Cache to values of T. Entries of another type are treated
// as misses and dropped.
type Typed[T any] struct {
	c Cache
}

func NewTyped[T any](c Cache) *Typed[T] { return &Typed[T]{c: c} }

func (t *Typed[T]) Get(key string) (out T, ok bool) {
	v, ok := t.c.Get(key)
	if !ok {
		return out, false
	}
	if out, ok = v.(T); !ok {
		t.c.Delete(key)
	}
	return out, ok
}

func (t *Typed[T]) Put(key string, val T, opts ...PutOption) { t.c.Put(key, val, opts...) }
func (t *Typed[T]) Delete(key string)                         { t.c.Delete(key) }
func (t *Typed[T]) Len() int                                  { return t.c.Len() }

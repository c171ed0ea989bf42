package kv

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memValue struct {
	value     string
	expiresAt time.Time
}

// MemStore is an in-process Store. Pub/sub delivery is asynchronous and
// ordered per subscription, like a Redis connection.
type MemStore struct {
	mu      sync.Mutex
	now     func() time.Time
	strings map[string]memValue
	hashes  map[string]map[string]string
	lists   map[string][]string
	sets    map[string]map[string]struct{}
	subs    map[string]map[*memSubscription]struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{
		now:     time.Now,
		strings: map[string]memValue{},
		hashes:  map[string]map[string]string{},
		lists:   map[string][]string{},
		sets:    map[string]map[string]struct{}{},
		subs:    map[string]map[*memSubscription]struct{}{},
	}
}

// === strings ===

func (m *MemStore) getLocked(key string) (memValue, bool) {
	v, ok := m.strings[key]
	if !ok {
		return v, false
	}
	if !v.expiresAt.IsZero() && !m.now().Before(v.expiresAt) {
		delete(m.strings, key)
		return v, false
	}
	return v, true
}

func (m *MemStore) setLocked(key, value string, ttl time.Duration) {
	v := memValue{value: value}
	if ttl > 0 {
		v.expiresAt = m.now().Add(ttl)
	}
	m.strings[key] = v
}

func (m *MemStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.getLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	return v.value, nil
}

func (m *MemStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
	return nil
}

func (m *MemStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.getLocked(key); ok {
		return false, nil
	}
	m.setLocked(key, value, ttl)
	return true, nil
}

func (m *MemStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.hashes, k)
		delete(m.lists, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *MemStore) DelIfEqual(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.getLocked(key)
	if !ok || v.value != value {
		return false, nil
	}
	delete(m.strings, key)
	return true, nil
}

// === hashes ===

func (m *MemStore) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemStore) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = map[string]string{}
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *MemStore) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

// === lists ===

func (m *MemStore) lpushLocked(key string, values []string) {
	l := m.lists[key]
	for _, v := range values {
		l = append([]string{v}, l...)
	}
	m.lists[key] = l
}

func (m *MemStore) rpushLocked(key string, values []string) {
	m.lists[key] = append(m.lists[key], values...)
}

func (m *MemStore) lremLocked(key string, count int64, value string) int64 {
	l := m.lists[key]
	var removed int64
	keep := make([]string, 0, len(l))
	switch {
	case count >= 0:
		for _, v := range l {
			if v == value && (count == 0 || removed < count) {
				removed++
				continue
			}
			keep = append(keep, v)
		}
	default:
		limit := -count
		for i := len(l) - 1; i >= 0; i-- {
			if l[i] == value && removed < limit {
				removed++
				continue
			}
			keep = append(keep, l[i])
		}
		slices.Reverse(keep)
	}
	if len(keep) == 0 {
		delete(m.lists, key)
	} else {
		m.lists[key] = keep
	}
	return removed
}

func (m *MemStore) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lpushLocked(key, values)
	return nil
}

func (m *MemStore) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rpushLocked(key, values)
	return nil
}

func (m *MemStore) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *MemStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (m *MemStore) LRem(_ context.Context, key string, count int64, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lremLocked(key, count, value), nil
}

func (m *MemStore) RPopLPush(_ context.Context, src, dst string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[src]
	if len(l) == 0 {
		return "", ErrNotFound
	}
	v := l[len(l)-1]
	if len(l) == 1 {
		delete(m.lists, src)
	} else {
		m.lists[src] = l[:len(l)-1]
	}
	m.lpushLocked(dst, []string{v})
	return v, nil
}

// === sets ===

func (m *MemStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = map[string]struct{}{}
		m.sets[key] = s
	}
	for _, v := range members {
		s[v] = struct{}{}
	}
	return nil
}

func (m *MemStore) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, v := range members {
		delete(s, v)
	}
	if len(s) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *MemStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for v := range m.sets[key] {
		out = append(out, v)
	}
	slices.Sort(out)
	return out, nil
}

func (m *MemStore) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}

// === pub/sub ===

func (m *MemStore) publishLocked(channel, message string) {
	for sub := range m.subs[channel] {
		sub.enqueue(message)
	}
}

func (m *MemStore) Publish(_ context.Context, channel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked(channel, message)
	return nil
}

func (m *MemStore) Subscribe(ctx context.Context, channel string, fn func(message string)) (Subscription, error) {
	sub := &memSubscription{
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	sub.unsubscribe = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[channel], sub)
		if len(m.subs[channel]) == 0 {
			delete(m.subs, channel)
		}
	}

	m.mu.Lock()
	if _, ok := m.subs[channel]; !ok {
		m.subs[channel] = map[*memSubscription]struct{}{}
	}
	m.subs[channel][sub] = struct{}{}
	m.mu.Unlock()

	go sub.run()
	context.AfterFunc(ctx, func() { _ = sub.Close() })

	return sub, nil
}

// === transactions ===

func (m *MemStore) Tx() Tx { return NewTx(m.exec) }

func (m *MemStore) exec(_ context.Context, b *Batch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range b.Conditions {
		var n int64
		switch c.Kind {
		case CondListLength:
			n = int64(len(m.lists[c.Key]))
		case CondSetLength:
			n = int64(len(m.sets[c.Key]))
		}
		if n != c.N {
			return false, nil
		}
	}

	for _, op := range b.Ops {
		switch op.Kind {
		case OpLPush:
			m.lpushLocked(op.Key, op.Values)
		case OpRPush:
			m.rpushLocked(op.Key, op.Values)
		case OpLRem:
			m.lremLocked(op.Key, op.Count, op.Values[0])
		case OpPublish:
			m.publishLocked(op.Key, op.Values[0])
		}
	}
	return true, nil
}

var _ Store = (*MemStore)(nil)

// === subscription ===

type memSubscription struct {
	fn          func(string)
	mu          sync.Mutex
	queue       []string
	signal      chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	unsubscribe func()
}

func (s *memSubscription) enqueue(message string) {
	s.mu.Lock()
	s.queue = append(s.queue, message)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memSubscription) next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

func (s *memSubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			msg, ok := s.next()
			if !ok {
				break
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(msg)
		}
	}
}

func (s *memSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		close(s.done)
	})
	return nil
}

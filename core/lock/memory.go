package lock

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	token     string
	expiresAt time.Time
}

type Memory struct {
	mu    sync.Mutex
	locks map[string]memEntry
}

func NewMemory() *Memory {
	return &Memory{locks: map[string]memEntry{}}
}

func (m *Memory) Acquire(ctx context.Context, name string, opts Options) (Lock, error) {
	return Acquire(ctx, name, opts,
		func(_ context.Context, token string, expiry time.Duration) (bool, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			now := time.Now()
			if e, ok := m.locks[name]; ok && now.Before(e.expiresAt) {
				return false, nil
			}
			m.locks[name] = memEntry{token: token, expiresAt: now.Add(expiry)}
			return true, nil
		},
		func(_ context.Context, token string) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if e, ok := m.locks[name]; ok && e.token == token {
				delete(m.locks, name)
			}
			return nil
		},
	)
}

var _ Locker = (*Memory)(nil)

package lock

import (
	"context"
	"time"

	"github.com/codewandler/eventstore/ports/kv"
)

// KV locks with SETNX plus expiry and releases with compare-and-delete, so a
// holder whose lock expired and was taken over cannot release the new owner.
type KV struct {
	store kv.Store
}

func NewKV(store kv.Store) *KV { return &KV{store: store} }

func (k *KV) Acquire(ctx context.Context, name string, opts Options) (Lock, error) {
	return Acquire(ctx, name, opts,
		func(ctx context.Context, token string, expiry time.Duration) (bool, error) {
			return k.store.SetNX(ctx, name, token, expiry)
		},
		func(ctx context.Context, token string) error {
			_, err := k.store.DelIfEqual(ctx, name, token)
			return err
		},
	)
}

var _ Locker = (*KV)(nil)

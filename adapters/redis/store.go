// Package redis implements the kv.Store port on top of go-redis.
package redis

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/eventstore/ports/kv"
)

const defaultURL = "redis://localhost:6379/0"

// delIfEqual deletes KEYS[1] when it holds ARGV[1].
var delIfEqual = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type StoreConfig struct {
	Client goredis.UniversalClient // Client is used as-is when set.
	URL    string                  // URL is parsed when Client is nil. Defaults to $REDIS_URL.
	Log    *slog.Logger
}

type Store struct {
	client goredis.UniversalClient
	owned  bool
	log    *slog.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Store{client: cfg.Client, log: log.With(slog.String("store", "redis"))}
	if s.client != nil {
		return s, nil
	}

	url := cfg.URL
	if url == "" {
		url = os.Getenv("REDIS_URL")
	}
	if url == "" {
		url = defaultURL
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	s.client = goredis.NewClient(opts)
	s.owned = true
	return s, nil
}

// Close releases the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func mapErr(err error) error {
	if errors.Is(err, goredis.Nil) {
		return kv.ErrNotFound
	}
	return err
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	return v, mapErr(err)
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, max(ttl, 0)).Err()
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, max(ttl, 0)).Result()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *Store) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	n, err := delIfEqual.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	return v, mapErr(err)
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return s.client.HDel(ctx, key, fields...).Err()
}

func toArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	return s.client.LPush(ctx, key, toArgs(values)...).Err()
}

func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	return s.client.RPush(ctx, key, toArgs(values)...).Err()
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *Store) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	return s.client.LRem(ctx, key, count, value).Result()
}

func (s *Store) RPopLPush(ctx context.Context, src, dst string) (string, error) {
	v, err := s.client.RPopLPush(ctx, src, dst).Result()
	return v, mapErr(err)
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	return s.client.SAdd(ctx, key, toArgs(members)...).Err()
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	return s.client.SRem(ctx, key, toArgs(members)...).Err()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	return s.client.SCard(ctx, key).Result()
}

func (s *Store) Publish(ctx context.Context, channel, message string) error {
	return s.client.Publish(ctx, channel, message).Err()
}

type subscription struct {
	ps   *goredis.PubSub
	once sync.Once
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.ps.Close() })
	return s.err
}

func (s *Store) Subscribe(ctx context.Context, channel string, fn func(message string)) (kv.Subscription, error) {
	ps := s.client.Subscribe(ctx, channel)
	// wait for the confirmation so nothing published after return is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &subscription{ps: ps}
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			fn(msg.Payload)
		}
		s.log.Debug("subscription closed", slog.String("channel", channel))
	}()
	context.AfterFunc(ctx, func() { _ = sub.Close() })
	return sub, nil
}

func (s *Store) Tx() kv.Tx { return kv.NewTx(s.exec) }

// exec runs the batch as WATCH / check / MULTI ... EXEC. A concurrent write
// to a watched key aborts EXEC, reported as a failed precondition.
func (s *Store) exec(ctx context.Context, b *kv.Batch) (bool, error) {
	applied := false
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		for _, c := range b.Conditions {
			var (
				n   int64
				err error
			)
			switch c.Kind {
			case kv.CondListLength:
				n, err = tx.LLen(ctx, c.Key).Result()
			case kv.CondSetLength:
				n, err = tx.SCard(ctx, c.Key).Result()
			}
			if err != nil {
				return err
			}
			if n != c.N {
				return nil
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, op := range b.Ops {
				switch op.Kind {
				case kv.OpLPush:
					pipe.LPush(ctx, op.Key, toArgs(op.Values)...)
				case kv.OpRPush:
					pipe.RPush(ctx, op.Key, toArgs(op.Values)...)
				case kv.OpLRem:
					pipe.LRem(ctx, op.Key, op.Count, op.Values[0])
				case kv.OpPublish:
					pipe.Publish(ctx, op.Key, op.Values[0])
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	}, b.Keys()...)

	if errors.Is(err, goredis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return applied, nil
}

var _ kv.Store = (*Store)(nil)

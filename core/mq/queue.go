package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codewandler/eventstore/core/lock"
	"github.com/codewandler/eventstore/core/sf"
	"github.com/codewandler/eventstore/ports/kv"
)

type (
	queueOptions struct {
		log      *slog.Logger
		metrics  Metrics
		locker   lock.Locker
		lockOpts lock.Options
		now      func() time.Time
	}
	Option             interface{ applyToQueue(*queueOptions) }
	valueOption[T any] struct{ v T }
	LogOption          valueOption[*slog.Logger]
	MetricsOption      valueOption[Metrics]
	ClockOption        valueOption[func() time.Time]
	LockerOption       struct {
		l    lock.Locker
		opts lock.Options
	}
)

func WithLogger(l *slog.Logger) LogOption        { return LogOption{v: l} }
func WithMetrics(m Metrics) MetricsOption        { return MetricsOption{v: m} }
func WithClock(now func() time.Time) ClockOption { return ClockOption{v: now} }

// WithLocker enables SubscribeOptions.UseLock.
func WithLocker(l lock.Locker, opts lock.Options) LockerOption {
	return LockerOption{l: l, opts: opts}
}

func (o LogOption) applyToQueue(q *queueOptions)     { q.log = o.v }
func (o MetricsOption) applyToQueue(q *queueOptions) { q.metrics = o.v }
func (o ClockOption) applyToQueue(q *queueOptions)   { q.now = o.v }
func (o LockerOption) applyToQueue(q *queueOptions) {
	q.locker = o.l
	q.lockOpts = o.opts
}

type Queue struct {
	cfg      Config
	keys     keys
	store    kv.Store
	codec    Codec
	log      *slog.Logger
	metrics  Metrics
	locker   lock.Locker
	lockOpts lock.Options
	now      func() time.Time
	sweeps   *sf.Singleflight[RetryResult]
}

func New(cfg Config, store kv.Store, codec Codec, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if codec == nil {
		return nil, errors.New("codec is required")
	}
	cfg = cfg.withDefaults()

	options := queueOptions{
		log:      slog.Default(),
		metrics:  NopMetrics(),
		lockOpts: lock.DefaultOptions(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt.applyToQueue(&options)
	}

	return &Queue{
		cfg:      cfg,
		keys:     keys{env: cfg.Environment},
		store:    store,
		codec:    codec,
		log:      options.log.With(slog.String("queue", cfg.Environment)),
		metrics:  options.metrics,
		locker:   options.locker,
		lockOpts: options.lockOpts,
		now:      options.now,
		sweeps:   sf.New[RetryResult](),
	}, nil
}

func (q *Queue) Config() Config { return q.cfg }

// Publish enqueues msg for every subscriber registered for its type. A
// subscriber joining or leaving concurrently invalidates the transaction,
// which is then retried against the fresh subscriber set.
func (q *Queue) Publish(ctx context.Context, msg Message) error {
	typ := TypeName(msg)
	payload, err := q.codec.Marshal(msg)
	if err != nil {
		return &MessageError{MessageID: msg.GetID(), Type: typ, Err: err}
	}
	return q.PublishRaw(ctx, msg.GetID(), typ, payload)
}

// PublishRaw is Publish for an already encoded message.
func (q *Queue) PublishRaw(ctx context.Context, id, typ, payload string) error {
	subsKey := q.keys.subscribers(typ)
	log := q.log.With(slog.String("type", typ), slog.String("msg_id", id))

	for attempt := 0; attempt < q.cfg.PublishRetries; attempt++ {
		subs, err := q.store.SMembers(ctx, subsKey)
		if err != nil {
			return fmt.Errorf("read subscribers of %s: %w", typ, err)
		}

		tx := q.store.Tx().SetLengthEqual(subsKey, int64(len(subs)))
		for _, sub := range subs {
			tx.LPush(q.keys.published(sub, typ), payload)
		}
		tx.Publish(q.keys.channel(typ), id)

		ok, err := tx.Exec(ctx)
		if err != nil {
			return fmt.Errorf("publish %s: %w", id, err)
		}
		if ok {
			q.metrics.Published(typ, len(subs))
			log.Debug("published", slog.Int("subscribers", len(subs)), slog.Int("attempt", attempt+1))
			return nil
		}

		q.metrics.PublishConflict(typ)
		log.Debug("subscriber set changed during publish", slog.Int("attempt", attempt+1))

		if attempt < q.cfg.PublishRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.cfg.PublishRetryDelay):
			}
		}
	}

	return &MessageError{MessageID: id, Type: typ, Err: ErrPublishFailed}
}

// Subscribers lists the subscribers registered for typ.
func (q *Queue) Subscribers(ctx context.Context, typ string) ([]string, error) {
	return q.store.SMembers(ctx, q.keys.subscribers(typ))
}

// QueueState reports the sizes of a subscriber's lists.
type QueueState struct {
	Published   int64
	Processing  int64
	DeadLetters int64
}

func (q *Queue) State(ctx context.Context, subscriber, typ string) (s QueueState, err error) {
	if s.Published, err = q.store.LLen(ctx, q.keys.published(subscriber, typ)); err != nil {
		return
	}
	if s.Processing, err = q.store.LLen(ctx, q.keys.processing(subscriber, typ)); err != nil {
		return
	}
	s.DeadLetters, err = q.store.LLen(ctx, q.keys.deadLetters(subscriber, typ))
	return
}

func (q *Queue) lockName(subscriber, typ, id string) string {
	return "Lock:" + q.cfg.ApplicationName + ":" + q.keys.prefix(subscriber, typ) + ":" + id
}

// invoke runs handler under the optional message lock and turns panics into
// errors.
func invoke[T Message](ctx context.Context, q *Queue, subscriber, typ string, o SubscribeOptions, msg T, handler Handler[T]) (err error) {
	if o.UseLock {
		l, lockErr := q.locker.Acquire(ctx, q.lockName(subscriber, typ, msg.GetID()), q.lockOpts)
		if lockErr != nil {
			return lockErr
		}
		defer func() {
			if relErr := l.Release(context.WithoutCancel(ctx)); relErr != nil {
				q.log.Warn("release message lock", slog.String("lock", l.Name()), slog.Any("err", relErr))
			}
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanicked, r)
		}
	}()

	timer := q.metrics.HandlerDuration(typ, subscriber)
	defer timer.ObserveDuration()
	return handler(ctx, msg)
}

package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codewandler/eventstore/ports/kv"
)

// Handler processes one message. A returned error or a panic dead-letters
// the message.
type Handler[T Message] func(ctx context.Context, msg T) error

// Action adapts a synchronous callback that cannot fail.
func Action[T Message](fn func(T)) Handler[T] {
	return func(_ context.Context, msg T) error {
		fn(msg)
		return nil
	}
}

type retryMeta struct {
	RetryCount int       `json:"retry_count"`
	LastRetry  time.Time `json:"last_retry"`
}

type Subscription struct {
	q    *Queue
	name string
	typ  string
	opts SubscribeOptions
	log  *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	deliver func(ctx context.Context) (bool, error)

	storeSub kv.Subscription
	signal   chan struct{}
	worker   sync.WaitGroup

	// pending counts notifications not yet turned into a delivery. Up to
	// MaxConcurrency workers holding a slot drain it.
	pending atomic.Int64
	slots   chan struct{}

	mu     sync.Mutex
	closed bool
	group  errgroup.Group
}

// Subscribe registers subscriber for messages of type T and starts delivery.
// Messages queued while the subscriber was away are handled before
// Subscribe returns. Delivery stops when ctx is done or the subscription is
// closed; the registration itself is durable, so messages keep queuing for
// the subscriber until Unsubscribe.
func Subscribe[T Message](ctx context.Context, q *Queue, subscriber string, handler Handler[T], opts ...SubscribeOption) (*Subscription, error) {
	if subscriber == "" {
		return nil, errors.New("subscriber name is required")
	}
	o, err := newSubscribeOptions(opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid subscribe options: %w", err)
	}
	if o.UseLock && q.locker == nil {
		return nil, ErrNoLocker
	}

	typ := TypeNameFor[T]()
	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		q:      q,
		name:   subscriber,
		typ:    typ,
		opts:   o,
		log:    q.log.With(slog.String("subscriber", subscriber), slog.String("type", typ)),
		ctx:    subCtx,
		cancel: cancel,
		signal: make(chan struct{}, 1),
		slots:  make(chan struct{}, o.MaxConcurrency),
	}
	s.deliver = func(ctx context.Context) (bool, error) { return deliver(ctx, s, handler) }

	if err := q.store.SAdd(ctx, q.keys.subscribers(typ), subscriber); err != nil {
		cancel()
		return nil, fmt.Errorf("register subscriber: %w", err)
	}

	if o.Sequential {
		s.worker.Add(1)
		go s.runWorker()
	}

	s.storeSub, err = q.store.Subscribe(subCtx, q.keys.channel(typ), func(string) { s.notify() })
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", q.keys.channel(typ), err)
	}

	if _, err := s.Drain(subCtx); err != nil {
		s.Close()
		return nil, err
	}

	s.log.Debug("subscribed", slog.Bool("sequential", o.Sequential), slog.Bool("use_lock", o.UseLock))
	return s, nil
}

func (s *Subscription) Name() string { return s.name }
func (s *Subscription) Type() string { return s.typ }

// notify handles one channel notification: sequential subscriptions wake
// their worker, concurrent ones pop exactly one entry. It never blocks, so
// the store's notification dispatch keeps running while handlers are busy.
func (s *Subscription) notify() {
	if s.opts.Sequential {
		select {
		case s.signal <- struct{}{}:
		default:
		}
		return
	}

	s.pending.Add(1)
	if !s.tryAcquire() {
		// every slot is taken; a holder picks the notification up
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.release()
		return
	}
	s.group.Go(func() error {
		s.work()
		return nil
	})
}

// work delivers one entry per pending notification while holding a slot.
// After giving the slot back it checks for notifications that arrived while
// all slots were taken.
func (s *Subscription) work() {
	for {
		for s.ctx.Err() == nil && s.takePending() {
			if _, err := s.deliver(s.ctx); err != nil && s.ctx.Err() == nil {
				s.log.Error("delivery failed", slog.Any("err", err))
			}
		}
		s.release()
		if s.ctx.Err() != nil || s.pending.Load() == 0 || !s.tryAcquire() {
			return
		}
	}
}

func (s *Subscription) takePending() bool {
	for {
		n := s.pending.Load()
		if n <= 0 {
			return false
		}
		if s.pending.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (s *Subscription) tryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Subscription) release() { <-s.slots }

func (s *Subscription) runWorker() {
	defer s.worker.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.signal:
		}
		if _, err := s.Drain(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.Error("delivery failed", slog.Any("err", err))
		}
	}
}

// Drain delivers queued messages one by one until the published list is
// empty and returns how many were taken.
func (s *Subscription) Drain(ctx context.Context) (n int, err error) {
	for {
		if err = ctx.Err(); err != nil {
			return
		}
		ok, err := s.deliver(ctx)
		if err != nil || !ok {
			return n, err
		}
		n++
	}
}

// Requeue moves entries stuck in the processing list back to the published
// list and notifies consumers. Use it to recover after a consumer crashed
// mid-delivery, while no delivery for this subscriber is in flight.
func (s *Subscription) Requeue(ctx context.Context) (int, error) {
	q := s.q
	src, dst := q.keys.processing(s.name, s.typ), q.keys.published(s.name, s.typ)
	n := 0
	for {
		_, err := q.store.RPopLPush(ctx, src, dst)
		if errors.Is(err, kv.ErrNotFound) {
			break
		}
		if err != nil {
			return n, err
		}
		n++
	}
	for range n {
		if err := q.store.Publish(ctx, q.keys.channel(s.typ), "requeue"); err != nil {
			return n, err
		}
	}
	if n > 0 {
		s.log.Info("requeued stale processing entries", slog.Int("count", n))
	}
	return n, nil
}

// Close stops delivery, cancels the context of running handlers and waits
// for them to return.
func (s *Subscription) Close() {
	s.cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.storeSub != nil {
		if err := s.storeSub.Close(); err != nil {
			s.log.Warn("close notification subscription", slog.Any("err", err))
		}
	}
	s.worker.Wait()
	_ = s.group.Wait()
}

// Unsubscribe closes the subscription and removes the registration, so
// publishers stop queuing messages for it.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.Close()
	return s.q.store.SRem(ctx, s.q.keys.subscribers(s.typ), s.name)
}

func decode[T Message](codec Codec, raw string) (out T, err error) {
	msg, err := codec.Unmarshal(raw)
	if err != nil {
		return out, err
	}
	out, ok := msg.(T)
	if !ok {
		return out, fmt.Errorf("%w: got %T", ErrUndecodable, msg)
	}
	return out, nil
}

// deliver pops the oldest published entry into the processing list and
// hands it to handler. It reports false when nothing was queued.
func deliver[T Message](ctx context.Context, s *Subscription, handler Handler[T]) (bool, error) {
	q := s.q
	processing := q.keys.processing(s.name, s.typ)

	raw, err := q.store.RPopLPush(ctx, q.keys.published(s.name, s.typ), processing)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pop message: %w", err)
	}

	msg, err := decode[T](q.codec, raw)
	if err != nil {
		s.log.Error("undecodable message, dead-lettering", slog.Any("err", err))
		return true, s.deadLetter(ctx, raw, nil)
	}

	log := s.log.With(slog.String("msg_id", msg.GetID()))
	if err := invoke(ctx, q, s.name, s.typ, s.opts, msg, handler); err != nil {
		if ctx.Err() != nil {
			// shutdown, not a handler failure: the entry stays in processing for Requeue
			log.Debug("delivery interrupted", slog.Any("err", err))
			return true, ctx.Err()
		}
		q.metrics.Delivered(s.typ, s.name, false)
		log.Error("handler failed, dead-lettering", slog.Any("err", err))
		return true, s.deadLetter(ctx, raw, msg)
	}

	if _, err := q.store.LRem(ctx, processing, 1, raw); err != nil {
		return true, fmt.Errorf("acknowledge %s: %w", msg.GetID(), err)
	}
	q.metrics.Delivered(s.typ, s.name, true)
	log.Debug("delivered")
	return true, nil
}

// deadLetter moves raw from the processing list to the dead-letter list in
// one transaction, recording initial retry metadata first.
func (s *Subscription) deadLetter(ctx context.Context, raw string, msg Message) error {
	q := s.q
	ctx = context.WithoutCancel(ctx)

	if msg != nil {
		key := q.keys.retryData(s.name, s.typ, msg, raw)
		if err := kv.SetJSON(ctx, q.store, key, retryMeta{LastRetry: q.now()}, s.opts.RetryTTL); err != nil {
			return fmt.Errorf("record retry data: %w", err)
		}
	}

	_, err := q.store.Tx().
		LPush(q.keys.deadLetters(s.name, s.typ), raw).
		LRem(q.keys.processing(s.name, s.typ), 1, raw).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}
	q.metrics.DeadLettered(s.typ, s.name)
	return nil
}

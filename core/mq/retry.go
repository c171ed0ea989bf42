package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/eventstore/core/lock"
	"github.com/codewandler/eventstore/ports/kv"
)

// RetryResult summarises one sweep over a dead-letter list.
type RetryResult struct {
	// Attempted counts handler invocations; Succeeded + Failed == Attempted.
	Attempted int
	Succeeded int
	Failed    int
	// Skipped entries are still inside their backoff window or locked.
	Skipped int
	// Expired entries are older than RetryTTL.
	Expired int
	// Abandoned entries exceeded RetryThreshold or cannot be decoded. They
	// stay in the dead-letter list for manual inspection.
	Abandoned int
}

// Retry sweeps the dead-letter list of subscriber for messages of type T
// once. Concurrent sweeps of the same list within one process share a
// single run.
func Retry[T Message](ctx context.Context, q *Queue, subscriber string, handler Handler[T], opts ...SubscribeOption) (RetryResult, error) {
	o, err := newSubscribeOptions(opts...)
	if err != nil {
		return RetryResult{}, fmt.Errorf("invalid retry options: %w", err)
	}
	if o.UseLock && q.locker == nil {
		return RetryResult{}, ErrNoLocker
	}

	typ := TypeNameFor[T]()
	dead := q.keys.deadLetters(subscriber, typ)

	res, shared, err := q.sweeps.Do(dead, func() (RetryResult, error) {
		return sweep(ctx, q, subscriber, typ, o, handler)
	})
	if shared {
		q.log.Debug("retry sweep shared", slog.String("dead_letters", dead))
	}
	return res, err
}

func sweep[T Message](ctx context.Context, q *Queue, subscriber, typ string, o SubscribeOptions, handler Handler[T]) (res RetryResult, err error) {
	dead := q.keys.deadLetters(subscriber, typ)
	log := q.log.With(slog.String("subscriber", subscriber), slog.String("type", typ))

	entries, err := q.store.LRange(ctx, dead, 0, -1)
	if err != nil {
		return res, fmt.Errorf("read dead letters: %w", err)
	}

	for _, raw := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		msg, err := decode[T](q.codec, raw)
		if err != nil {
			res.Abandoned++
			log.Warn("undecodable dead letter", slog.Any("err", err))
			continue
		}

		id := msg.GetID()
		metaKey := q.keys.retryData(subscriber, typ, msg, raw)
		meta, err := kv.GetJSON[retryMeta](ctx, q.store, metaKey)
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return res, fmt.Errorf("read retry data of %s: %w", id, err)
		}

		now := q.now()
		if o.RetryTTL > 0 && now.Sub(msg.GetTimestamp()) > o.RetryTTL {
			res.Expired++
			if o.DeleteExpired {
				if err := remove(ctx, q, dead, raw, metaKey); err != nil {
					return res, err
				}
				log.Info("expired dead letter deleted", slog.String("msg_id", id))
			}
			continue
		}

		if !meta.LastRetry.IsZero() && now.Sub(meta.LastRetry) < o.BackoffDelay(meta.RetryCount) {
			res.Skipped++
			continue
		}

		if o.RetryTTL <= 0 && o.RetryThreshold > 0 && meta.RetryCount > o.RetryThreshold {
			res.Abandoned++
			log.Warn("dead letter abandoned", slog.String("msg_id", id), slog.Int("retries", meta.RetryCount))
			continue
		}

		err = invoke(ctx, q, subscriber, typ, o, msg, handler)
		if errors.Is(err, lock.ErrLockNotAcquired) {
			res.Skipped++
			continue
		}

		res.Attempted++
		if err == nil {
			if err := remove(ctx, q, dead, raw, metaKey); err != nil {
				return res, err
			}
			res.Succeeded++
			q.metrics.Retried(typ, subscriber, true)
			log.Info("dead letter retried", slog.String("msg_id", id), slog.Int("retries", meta.RetryCount+1))
			continue
		}

		res.Failed++
		q.metrics.Retried(typ, subscriber, false)
		meta.RetryCount++
		meta.LastRetry = now
		if err := kv.SetJSON(ctx, q.store, metaKey, meta, o.RetryTTL); err != nil {
			return res, fmt.Errorf("record retry data of %s: %w", id, err)
		}
		log.Debug("dead letter retry failed", slog.String("msg_id", id), slog.Int("retries", meta.RetryCount), slog.Any("err", err))
	}

	return res, nil
}

func remove(ctx context.Context, q *Queue, dead, raw, metaKey string) error {
	if _, err := q.store.LRem(ctx, dead, 1, raw); err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	if err := q.store.Del(ctx, metaKey); err != nil {
		return fmt.Errorf("clear retry data: %w", err)
	}
	return nil
}

package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/eventstore/core/mq"
	"github.com/codewandler/eventstore/internal/shard"
	"github.com/codewandler/eventstore/ports/kv"
)

// EventStore persists and reads per-aggregate event streams.
type EventStore interface {
	// Save appends events in order. Each event must carry the version that
	// directly follows the stream's last one. Events are appended one by
	// one: a failure leaves earlier events of the batch persisted.
	Save(ctx context.Context, events []Event) error
	// Get returns the events of aggregateID with a version greater than
	// fromVersion, ascending. A negative fromVersion reads from the start.
	Get(ctx context.Context, aggregateID string, fromVersion Version) ([]Event, error)
}

// Publisher fans an appended event out to its subscribers. *mq.Queue
// implements it.
type Publisher interface {
	PublishRaw(ctx context.Context, id, typ, payload string) error
}

func WithIDGenerator(fn func() string) IDGeneratorOption { return IDGeneratorOption{v: fn} }

type IDGeneratorOption valueOption[func() string]

func (o IDGeneratorOption) applyToStore(s *storeOptions) { s.newID = o.v }

// KVEventStore keeps event payloads in partitioned hashes
// "EventStore:{app}:{partition}" keyed by commit id, and the ordered commit
// ids of each aggregate in the list "{EventStore:{app}}:{aggregateId}". The
// list length is the stream version.
type KVEventStore struct {
	cfg        Config
	store      kv.Store
	codec      *EventCodec
	publisher  Publisher
	partitions shard.Fixed
	log        *slog.Logger
	metrics    ESMetrics
	newID      func() string
}

// NewEventStore builds the store. publisher may be nil, in which case
// appended events are not published.
func NewEventStore(cfg Config, store kv.Store, registry *Registry, publisher Publisher, opts ...StoreOption) (*KVEventStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event store config: %w", err)
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	cfg = cfg.withDefaults()

	options := storeOptions{
		log:     slog.Default(),
		metrics: NopESMetrics(),
		newID:   func() string { return gonanoid.Must() },
	}
	for _, opt := range opts {
		opt.applyToStore(&options)
	}

	return &KVEventStore{
		cfg:        cfg,
		store:      store,
		codec:      NewEventCodec(registry, cfg.compressionThreshold()),
		publisher:  publisher,
		partitions: shard.Fixed(cfg.Partitions),
		log:        options.log.With(slog.String("store", "kv"), slog.String("app", cfg.ApplicationName)),
		metrics:    options.metrics,
		newID:      options.newID,
	}, nil
}

func (s *KVEventStore) Codec() *EventCodec { return s.codec }

func (s *KVEventStore) hashKey(commitID string) string {
	return shard.Key(s.partitions, "EventStore:"+s.cfg.ApplicationName, commitID)
}

func (s *KVEventStore) listKey(aggregateID string) string {
	return "{EventStore:" + s.cfg.ApplicationName + "}:" + aggregateID
}

func (s *KVEventStore) Get(ctx context.Context, aggregateID string, fromVersion Version) ([]Event, error) {
	defer s.metrics.StoreLoadDuration().ObserveDuration()

	commits, err := s.store.LRange(ctx, s.listKey(aggregateID), int64(max(fromVersion, 0)), -1)
	if err != nil {
		return nil, fmt.Errorf("read commits of %s: %w", aggregateID, err)
	}

	events := make([]Event, 0, len(commits))
	for _, commitID := range commits {
		payload, err := s.store.HGet(ctx, s.hashKey(commitID), commitID)
		if err != nil {
			return nil, fmt.Errorf("read commit %s of %s: %w", commitID, aggregateID, err)
		}
		ev, err := s.codec.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("decode commit %s of %s: %w", commitID, aggregateID, err)
		}
		events = append(events, ev)
	}

	s.log.Debug("loaded", slog.String("aggregate_id", aggregateID), fromVersion.SlogAttrWithKey("from"), slog.Int("count", len(events)))
	return events, nil
}

func (s *KVEventStore) Save(ctx context.Context, events []Event) error {
	for _, ev := range events {
		if err := s.append(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *KVEventStore) append(ctx context.Context, ev Event) error {
	var (
		aggID    = ev.GetID()
		aggType  = ev.GetAggregateType()
		version  = ev.GetVersion()
		list     = s.listKey(aggID)
		commitID = s.newID()
		hash     = s.hashKey(commitID)
		log      = s.log.With(slog.Group("agg", slog.String("type", aggType), slog.String("id", aggID), version.SlogAttr()))
	)
	if aggID == "" {
		return aggErr("save", "", ErrMissingID)
	}

	defer s.metrics.StoreAppendDuration(aggType).ObserveDuration()

	payload, err := s.codec.Encode(ev)
	if err != nil {
		return err
	}
	if err := s.store.HSet(ctx, hash, commitID, payload); err != nil {
		return fmt.Errorf("write commit %s: %w", commitID, err)
	}

	appended := false
	for attempt := 0; attempt < s.cfg.TransactionRetries; attempt++ {
		ok, err := s.store.Tx().
			ListLengthEqual(list, int64(version)-1).
			RPush(list, commitID).
			Exec(ctx)
		if err != nil {
			s.discard(ctx, hash, commitID, log)
			return fmt.Errorf("append commit %s: %w", commitID, err)
		}
		if ok {
			appended = true
			break
		}

		// Another writer already holds this version: retrying cannot help.
		if n, err := s.store.LLen(ctx, list); err == nil && n >= int64(version) {
			break
		}
		log.Debug("append precondition failed, retrying", slog.Int("attempt", attempt+1))

		if attempt < s.cfg.TransactionRetries-1 {
			select {
			case <-ctx.Done():
				s.discard(ctx, hash, commitID, log)
				return ctx.Err()
			case <-time.After(s.cfg.TransactionRetryDelay):
			}
		}
	}

	if !appended {
		s.discard(ctx, hash, commitID, log)
		s.metrics.ConcurrencyConflict(aggType)
		log.Debug("concurrency conflict")
		return aggErr("save", aggID, ErrConcurrencyConflict)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishRaw(ctx, aggID, mq.TypeName(ev), payload); err != nil {
			rctx := context.WithoutCancel(ctx)
			if _, remErr := s.store.LRem(rctx, list, 1, commitID); remErr != nil {
				log.Error("roll back commit", slog.String("commit", commitID), slog.Any("err", remErr))
			}
			s.discard(rctx, hash, commitID, log)
			return err
		}
	}

	s.metrics.EventsAppended(aggType, 1)
	log.Debug("appended", slog.String("commit", commitID))
	return nil
}

func (s *KVEventStore) discard(ctx context.Context, hash, commitID string, log *slog.Logger) {
	if err := s.store.HDel(context.WithoutCancel(ctx), hash, commitID); err != nil {
		log.Warn("discard orphaned commit", slog.String("commit", commitID), slog.Any("err", err))
	}
}

var _ EventStore = (*KVEventStore)(nil)

// Package es provides event sourcing persistence on top of a key/value
// backing store.
//
// # Overview
//
// Aggregates record state changes as events. Events are stored per aggregate
// in an append-only stream, published to interested subscribers through the
// message queue in core/mq, and replayed to rebuild the aggregate.
//
// # Core Components
//
// Aggregate: a domain object embedding [AggregateRoot]. Commands validate
// input and call [ApplyChange]; [Aggregate.Apply] is the only place state
// changes:
//
//	func (a *Account) Deposit(amount int) error {
//	    if amount <= 0 {
//	        return errors.New("amount must be positive")
//	    }
//	    return es.ApplyChange(a, &Deposited{Amount: amount})
//	}
//
// Event: a struct embedding [EventMeta]. Events are registered with a
// [Registry] so stored payloads can be decoded:
//
//	reg := es.NewRegistry()
//	reg.RegisterEvents(es.NewEvent[Opened](), es.NewEvent[Deposited]())
//	reg.RegisterAggregate(func() es.Aggregate { return new(Account) })
//
// EventStore: [KVEventStore] appends events with optimistic concurrency. The
// commit list of an aggregate is only extended when its length equals the
// event version minus one, so two writers of the same version never both
// succeed; the loser gets [ErrConcurrencyConflict].
//
// Repository: rebuilds aggregates and saves their pending events.
// [NewCacheRepository] and [NewSnapshotRepository] decorate it:
//
//	acc, err := es.Get[*Account](ctx, repo, reg, "acc-1")
//	acc.Deposit(10)
//	err = repo.Save(ctx, acc, es.WithExpectedVersion(acc.GetVersion()))
//
// Session: a unit of work over several aggregates, optionally holding a
// distributed lock per aggregate until it commits:
//
//	s := env.NewSession()
//	defer s.Close(ctx)
//	acc, err := es.SessionGet[*Account](ctx, s, "acc-1")
//	...
//	err = s.Commit(ctx)
//
// # Storage layout
//
// With application name app:
//
//	EventStore:{app}:{partition}   hash, commit id -> serialized event
//	{EventStore:{app}}:{id}        list, commit ids of aggregate id in order
//	Snapshots:{app}:{partition}    hash, aggregate id -> serialized snapshot
//	Lock:{app}:{id}                session lock of aggregate id
//
// The partition is a stable hash of the commit or aggregate id modulo
// Config.Partitions.
//
// # Snapshots
//
// Aggregates implementing [Snapshottable] and registered with
// [Registry.RegisterAggregate] are snapshotted every
// Config.SnapshotInterval versions by the snapshot repository. Loads restore
// the latest snapshot and replay only the events after it.
//
// # Environment
//
// [NewEnv] wires everything up over one backing store:
//
//	env, err := es.NewEnv(es.Config{ApplicationName: "bank"},
//	    es.WithStore(redisStore),
//	    es.WithAggregates(func() es.Aggregate { return new(Account) }),
//	    es.WithEvents(es.NewEvent[Opened](), es.NewEvent[Deposited]()),
//	)
package es

package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/eventstore/core/es"
)

const defaultSnapshotBucket = "eventstore_snapshots"

type SnapshotStoreConfig struct {
	Connect Connector // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Bucket  string    // Bucket holds the latest snapshot per aggregate. Defaults to "eventstore_snapshots".
	// ApplicationName namespaces the keys so applications can share a bucket.
	ApplicationName string
	Log             *slog.Logger
}

// SnapshotStore implements es.SnapshotStore on a JetStream key/value
// bucket, keeping only the latest snapshot of every aggregate.
type SnapshotStore struct {
	kv    jetstream.KeyValue
	app   string
	log   *slog.Logger
	close closeFunc
}

func NewSnapshotStore(cfg SnapshotStoreConfig) (*SnapshotStore, error) {
	if cfg.ApplicationName == "" {
		return nil, errors.New("application name is required")
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultSnapshotBucket
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	kv, closeConn, err := openBucket(cfg.Connect, jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: jetstream.FileStorage,
		History: 1,
	})
	if err != nil {
		return nil, err
	}

	return &SnapshotStore{
		kv:    kv,
		app:   cfg.ApplicationName,
		log:   log.With(slog.String("snapshots", "nats"), slog.String("bucket", bucket)),
		close: closeConn,
	}, nil
}

func (s *SnapshotStore) Close() { s.close() }

// key keeps aggregate ids of any alphabet apart by encoding them.
func (s *SnapshotStore) key(aggregateID string) string {
	return lockKey(s.app) + "." + base64.RawURLEncoding.EncodeToString([]byte(aggregateID))
}

func (s *SnapshotStore) Load(ctx context.Context, aggregateID string) (*es.Snapshot, error) {
	entry, err := s.kv.Get(ctx, s.key(aggregateID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, es.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot of %s: %w", aggregateID, err)
	}
	var snap es.Snapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot of %s: %w", aggregateID, err)
	}
	return &snap, nil
}

func (s *SnapshotStore) Save(ctx context.Context, snap *es.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot of %s: %w", snap.AggregateID, err)
	}
	rev, err := s.kv.Put(ctx, s.key(snap.AggregateID), data)
	if err != nil {
		return err
	}
	s.log.Debug("snapshot stored", slog.String("aggregate_id", snap.AggregateID), snap.Version.SlogAttr(), slog.Uint64("revision", rev))
	return nil
}

var _ es.SnapshotStore = (*SnapshotStore)(nil)

package es

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/codewandler/eventstore/core/lock"
	"github.com/codewandler/eventstore/internal/shard"
)

const (
	DefaultEnvironment           = "default"
	DefaultPartitions            = shard.DefaultPartitions
	DefaultTransactionRetries    = 3
	DefaultTransactionRetryDelay = 50 * time.Millisecond
	DefaultSnapshotInterval      = 100
	DefaultCompressionThreshold  = 1024
)

type Config struct {
	// ApplicationName namespaces every key. Required.
	ApplicationName string
	// Environment separates deployments sharing one backing store.
	Environment string
	Compression CompressionConfig
	// Partitions is the number of hashes events and snapshots are spread
	// over. Changing it orphans stored data.
	Partitions            int
	TransactionRetries    int
	TransactionRetryDelay time.Duration
	SnapshotInterval      int
	Lock                  LockConfig
}

type CompressionConfig struct {
	Enabled bool
	// Threshold is the payload size above which payloads are compressed.
	Threshold int
}

// LockConfig enables per-aggregate session locks.
type LockConfig struct {
	Enabled       bool
	Expiry        time.Duration
	Wait          time.Duration
	RetryInterval time.Duration
}

func (c LockConfig) Options() lock.Options {
	o := lock.DefaultOptions()
	if c.Expiry > 0 {
		o.Expiry = c.Expiry
	}
	if c.Wait > 0 {
		o.Wait = c.Wait
	}
	if c.RetryInterval > 0 {
		o.RetryInterval = c.RetryInterval
	}
	return o
}

func (c Config) withDefaults() Config {
	if c.Environment == "" {
		c.Environment = DefaultEnvironment
	}
	if c.Partitions <= 0 {
		c.Partitions = DefaultPartitions
	}
	if c.TransactionRetries <= 0 {
		c.TransactionRetries = DefaultTransactionRetries
	}
	if c.TransactionRetryDelay <= 0 {
		c.TransactionRetryDelay = DefaultTransactionRetryDelay
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.Compression.Threshold <= 0 {
		c.Compression.Threshold = DefaultCompressionThreshold
	}
	return c
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ApplicationName, validation.Required),
		validation.Field(&c.Partitions, validation.Min(0)),
		validation.Field(&c.TransactionRetries, validation.Min(0)),
		validation.Field(&c.TransactionRetryDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.SnapshotInterval, validation.Min(0)),
	)
}

// compressionThreshold maps the config onto codec.Compress, where < 0
// disables compression.
func (c Config) compressionThreshold() int {
	if !c.Compression.Enabled {
		return -1
	}
	return c.Compression.Threshold
}

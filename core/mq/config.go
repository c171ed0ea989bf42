package mq

import (
	"math"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	DefaultEnvironment       = "default"
	DefaultPublishRetries    = 5
	DefaultPublishRetryDelay = 50 * time.Millisecond
)

type Config struct {
	// ApplicationName prefixes lock names. Required.
	ApplicationName string
	// Environment separates deployments sharing one backing store.
	Environment       string
	PublishRetries    int
	PublishRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Environment == "" {
		c.Environment = DefaultEnvironment
	}
	if c.PublishRetries <= 0 {
		c.PublishRetries = DefaultPublishRetries
	}
	if c.PublishRetryDelay <= 0 {
		c.PublishRetryDelay = DefaultPublishRetryDelay
	}
	return c
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ApplicationName, validation.Required),
		validation.Field(&c.PublishRetries, validation.Min(0)),
		validation.Field(&c.PublishRetryDelay, validation.Min(time.Duration(0))),
	)
}

// SubscribeOptions tune one subscription and its retry sweeps.
type SubscribeOptions struct {
	// UseLock guards every handler call with a distributed lock on the
	// message id. Requires a Queue built with WithLocker.
	UseLock bool
	// Sequential invokes the handler one message at a time in queue order.
	Sequential bool
	// MaxConcurrency bounds concurrent handler calls when not sequential.
	MaxConcurrency int

	// RetryTTL expires dead letters older than this. When set, it overrides
	// RetryThreshold: messages are retried until they expire.
	RetryTTL time.Duration
	// DeleteExpired removes expired dead letters instead of skipping them.
	DeleteExpired    bool
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	// RetryThreshold abandons a dead letter once its failed retries exceed
	// this count, so a threshold of n allows n+1 retries. Zero retries forever.
	RetryThreshold int
}

func DefaultSubscribeOptions() SubscribeOptions {
	return SubscribeOptions{
		MaxConcurrency:   16,
		RetryInterval:    time.Minute,
		MaxRetryInterval: time.Hour,
	}
}

func (o SubscribeOptions) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.MaxConcurrency, validation.Required, validation.Min(1)),
		validation.Field(&o.RetryTTL, validation.Min(time.Duration(0))),
		validation.Field(&o.RetryInterval, validation.Required, validation.Min(time.Duration(0))),
		validation.Field(&o.MaxRetryInterval, validation.Required, validation.Min(o.RetryInterval)),
		validation.Field(&o.RetryThreshold, validation.Min(0)),
	)
}

// BackoffDelay returns min(2^retryCount * RetryInterval, MaxRetryInterval).
// Without a MaxRetryInterval the delay saturates at the largest duration.
func (o SubscribeOptions) BackoffDelay(retryCount int) time.Duration {
	limit := o.MaxRetryInterval
	if limit <= 0 {
		limit = math.MaxInt64
	}
	d := min(o.RetryInterval, limit)
	for range retryCount {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	return d
}

type SubscribeOption interface {
	applyToSubscribe(*SubscribeOptions)
}

type subscribeOptionFunc func(*SubscribeOptions)

func (f subscribeOptionFunc) applyToSubscribe(o *SubscribeOptions) { f(o) }

func (o SubscribeOptions) applyToSubscribe(target *SubscribeOptions) { *target = o }

func WithUseLock() SubscribeOption {
	return subscribeOptionFunc(func(o *SubscribeOptions) { o.UseLock = true })
}

func WithSequential() SubscribeOption {
	return subscribeOptionFunc(func(o *SubscribeOptions) { o.Sequential = true })
}

func WithMaxConcurrency(n int) SubscribeOption {
	return subscribeOptionFunc(func(o *SubscribeOptions) { o.MaxConcurrency = n })
}

func WithRetryTTL(ttl time.Duration, deleteExpired bool) SubscribeOption {
	return subscribeOptionFunc(func(o *SubscribeOptions) {
		o.RetryTTL = ttl
		o.DeleteExpired = deleteExpired
	})
}

func WithRetryInterval(interval, maxInterval time.Duration) SubscribeOption {
	return subscribeOptionFunc(func(o *SubscribeOptions) {
		o.RetryInterval = interval
		o.MaxRetryInterval = maxInterval
	})
}

func WithRetryThreshold(n int) SubscribeOption {
	return subscribeOptionFunc(func(o *SubscribeOptions) { o.RetryThreshold = n })
}

func newSubscribeOptions(opts ...SubscribeOption) (SubscribeOptions, error) {
	o := DefaultSubscribeOptions()
	for _, opt := range opts {
		opt.applyToSubscribe(&o)
	}
	return o, o.Validate()
}

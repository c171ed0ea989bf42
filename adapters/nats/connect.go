package nats

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type closeFunc = func()

// Connector opens a NATS connection. The returned close func releases it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

const defaultConnectionName = "eventstore"

// ReuseConnection shares a single connection between all callers of the
// returned Connector. The connection closes when the last lease is released
// and is reopened on the next call.
func ReuseConnection(connect Connector) Connector {
	var (
		mu       sync.Mutex
		nc       *natsgo.Conn
		closeCon closeFunc
		leased   int
	)
	release := func() {
		mu.Lock()
		defer mu.Unlock()
		leased--
		if leased == 0 && nc != nil {
			closeCon()
			nc = nil
		}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			c, cl, err := connect()
			if err != nil {
				return nil, nil, err
			}
			nc, closeCon = c, cl
		}
		leased++
		return nc, sync.OnceFunc(release), nil
	}
}

type ConnectOption func(*connectOptions)

type connectOptions struct {
	name          string
	log           *slog.Logger
	maxReconnects int
}

func WithConnectionName(name string) ConnectOption {
	return func(o *connectOptions) { o.name = name }
}

func WithConnectionLogger(log *slog.Logger) ConnectOption {
	return func(o *connectOptions) { o.log = log }
}

// WithMaxReconnects bounds reconnect attempts, -1 retries forever.
func WithMaxReconnects(n int) ConnectOption {
	return func(o *connectOptions) { o.maxReconnects = n }
}

func ConnectURL(natsURL string, opts ...ConnectOption) Connector {
	o := connectOptions{
		name:          defaultConnectionName,
		log:           slog.Default(),
		maxReconnects: 3,
	}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With(slog.String("nats", o.name))

	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(
			natsURL,
			natsgo.Name(o.name),
			natsgo.MaxReconnects(o.maxReconnects),
			natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
				if err != nil {
					log.Warn("disconnected", slog.Any("err", err))
				}
			}),
			natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
				log.Info("reconnected", slog.String("url", nc.ConnectedUrlRedacted()))
			}),
		)
		if err != nil {
			return nil, nil, err
		}
		log.Debug("connected", slog.String("url", nc.ConnectedUrlRedacted()))
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault connects to $NATS_URL, falling back to the local default.
func ConnectDefault(opts ...ConnectOption) Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL, opts...)
	}
	return ConnectURL(natsgo.DefaultURL, opts...)
}

// openBucket connects and creates or updates a key/value bucket. On error
// the connection is released.
func openBucket(connect Connector, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, closeFunc, error) {
	if connect == nil {
		connect = ConnectDefault()
	}

	nc, closeConn, err := connect()
	if err != nil {
		return nil, nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeConn()
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		closeConn()
		return nil, nil, err
	}
	return kv, closeConn, nil
}

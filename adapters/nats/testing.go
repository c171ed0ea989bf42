package nats

import (
	"context"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Testing is the part of testing.TB the helpers below need.
type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts a JetStream enabled server for the duration of
// the test and returns a Connector for it. Connections opened through the
// Connector are not shared; wrap it in ReuseConnection for that.
func NewTestContainer(t Testing) Connector {
	ctx := t.Context()
	c, err := testcontainers.Run(
		ctx, "nats:2-alpine",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(c); err != nil {
			t.Logf("terminate nats container: %s", err)
		}
	})

	endpoint, err := c.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	t.Logf("nats: %s", endpoint)
	return ConnectURL(endpoint, WithConnectionName("eventstore-test"))
}

// NewTestLocker returns a Locker on connect that is closed with the test.
func NewTestLocker(t Testing, connect Connector) *Locker {
	l, err := NewLocker(LockerConfig{Connect: connect})
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

// NewTestSnapshotStore returns a SnapshotStore for app on connect that is
// closed with the test.
func NewTestSnapshotStore(t Testing, connect Connector, app string) *SnapshotStore {
	s, err := NewSnapshotStore(SnapshotStoreConfig{Connect: connect, ApplicationName: app})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

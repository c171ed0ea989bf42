package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestingEnv is an Env bound to a test, backed by an in-memory store unless
// WithStore says otherwise.
type TestingEnv struct {
	*Env
	t *testing.T
}

func StartTestEnv(t *testing.T, opts ...EnvOption) *TestingEnv {
	t.Helper()
	e, err := NewEnv(Config{ApplicationName: "test-" + t.Name()}, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return &TestingEnv{Env: e, t: t}
}

func (e *TestingEnv) Assert() *TestingEnvAssert { return &TestingEnvAssert{env: e} }

type TestingEnvAssert struct {
	env *TestingEnv
}

// Saved saves agg and fails the test on error.
func (a *TestingEnvAssert) Saved(ctx context.Context, agg Aggregate, opts ...SaveOption) {
	a.env.t.Helper()
	require.NoError(a.env.t, a.env.Repository().Save(ctx, agg, opts...))
}

// StreamLength asserts how many events are stored for id.
func (a *TestingEnvAssert) StreamLength(ctx context.Context, id string, want int) {
	a.env.t.Helper()
	events, err := a.env.EventStore().Get(ctx, id, 0)
	require.NoError(a.env.t, err)
	require.Len(a.env.t, events, want)
}

package redis

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventstore/ports/kv"
	"github.com/codewandler/eventstore/ports/kv/kvtest"
)

func TestRedis_Store(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	s := NewTestStore(t)
	kvtest.Run(t, func(t *testing.T) kv.Store { return s })
}

func TestRedis_NewStoreBadURL(t *testing.T) {
	_, err := NewStore(StoreConfig{URL: "not-a-url://"})
	require.Error(t, err)
}

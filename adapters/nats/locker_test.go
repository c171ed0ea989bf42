package nats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventstore/core/lock"
	"github.com/codewandler/eventstore/core/lock/locktest"
)

func TestLockKey(t *testing.T) {
	require.Equal(t, "Lock.bank.acc-1", lockKey("Lock:bank:acc-1"))
	require.Equal(t, "Lock.bank.a_b", lockKey("Lock:bank:a b"))
}

func TestNats_Locker(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	connect := ReuseConnection(NewTestContainer(t))

	locktest.Run(t, func(t *testing.T) lock.Locker {
		return NewTestLocker(t, connect)
	})
}

package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	require.Equal(t, 10*time.Millisecond, p.Delay(0))
	require.Equal(t, 20*time.Millisecond, p.Delay(1))
	require.Equal(t, 40*time.Millisecond, p.Delay(2))
	require.Equal(t, 50*time.Millisecond, p.Delay(3))
	require.Equal(t, 50*time.Millisecond, p.Delay(30))
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(t.Context(), Policy{Attempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_ExhaustedReturnsLastError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(t.Context(), Policy{Attempts: 2, BaseDelay: time.Millisecond}, func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, calls)
}

func TestDo_NotRetryable(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := Do(t.Context(), Policy{
		Attempts:  5,
		BaseDelay: time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, stop) },
	}, func() error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, calls)
}

func TestDo_ContextErrorsAreNotRetried(t *testing.T) {
	calls := 0
	err := Do(t.Context(), Policy{Attempts: 5, BaseDelay: time.Millisecond}, func() error {
		calls++
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestDoValue(t *testing.T) {
	v, err := DoValue(t.Context(), Default(), func() (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

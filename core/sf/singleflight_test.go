package sf

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSingleflight_Coalesces(t *testing.T) {
	var (
		s       = New[int]()
		calls   atomic.Int32
		release = make(chan struct{})
		wg      sync.WaitGroup
		results = make([]int, 5)
	)

	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := s.Do("k", func() (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			require.NoError(t, err)
			results[i] = v
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	for _, v := range results {
		require.Equal(t, 42, v)
	}
}

func TestSingleflight_PartialResultOnError(t *testing.T) {
	s := New[[]string]()
	boom := errors.New("boom")

	v, shared, err := s.Do("k", func() ([]string, error) { return []string{"done"}, boom })
	require.ErrorIs(t, err, boom)
	require.False(t, shared)
	require.Equal(t, []string{"done"}, v)

	// keys are independent once a call returned
	v, _, err = s.Do("k", func() ([]string, error) { return nil, nil })
	require.NoError(t, err)
	require.Nil(t, v)
}

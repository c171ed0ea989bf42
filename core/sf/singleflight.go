package sf

import "golang.org/x/sync/singleflight"

// Singleflight runs at most one call per key at a time. Callers arriving
// while a call is in flight wait for it and share its result.
type Singleflight[T any] struct {
	group singleflight.Group
}

// Do runs fn for key unless a call for key is already running, in which case
// it waits for that call. The value is returned alongside a non-nil error so
// partial results survive. shared reports whether the result was handed to
// more than one caller.
func (s *Singleflight[T]) Do(key string, fn func() (T, error)) (v T, shared bool, err error) {
	res, err, shared := s.group.Do(key, func() (any, error) {
		return fn()
	})
	if res != nil {
		v = res.(T)
	}
	return v, shared, err
}

func New[T any]() *Singleflight[T] { return &Singleflight[T]{} }

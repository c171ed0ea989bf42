// Package metrics holds the backend-neutral instruments the core packages
// record through, so that Prometheus or any other backend can be plugged in
// without the core depending on it.
package metrics

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes to record the elapsed time:
//
//	defer m.RepoSaveDuration("user").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

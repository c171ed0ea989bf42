package es

import (
	"errors"
	"fmt"
)

var (
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrEventsOutOfOrder    = errors.New("events out of order")
	ErrUnknownEventType    = errors.New("unknown event type")
	// ErrMissingID means neither the aggregate nor its pending event carries
	// an id.
	ErrMissingID = errors.New("aggregate or event is missing an id")
	// ErrMissingConstructor means no blank instance of the requested
	// aggregate type can be built.
	ErrMissingConstructor = errors.New("aggregate has no constructor")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
)

// AggregateError attaches the operation and aggregate id to a domain error.
type AggregateError struct {
	Op          string
	AggregateID string
	Err         error
}

func (e *AggregateError) Error() string {
	if e.AggregateID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.AggregateID, e.Err)
}

func (e *AggregateError) Unwrap() error { return e.Err }

func aggErr(op, id string, err error) error {
	return &AggregateError{Op: op, AggregateID: id, Err: err}
}

package mq

import (
	"errors"
	"fmt"
)

var (
	ErrPublishFailed   = errors.New("message publish failed")
	ErrUndecodable     = errors.New("undecodable message")
	ErrHandlerPanicked = errors.New("handler panicked")
	ErrNoLocker        = errors.New("subscription uses locks but queue has no locker")
)

// MessageError carries the id of the message an operation failed for.
type MessageError struct {
	MessageID string
	Type      string
	Err       error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("message %s (%s): %s", e.MessageID, e.Type, e.Err)
}

func (e *MessageError) Unwrap() error { return e.Err }

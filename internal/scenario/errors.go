package scenario

import "errors"

var (
	ErrStreamEnded       = errors.New("event stream ended without a terminal event")
	ErrCloseWaitExceeded = errors.New("connection did not report closure in time")
	ErrInvalidTransition = errors.New("invalid state transition")
)

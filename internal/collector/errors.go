package collector

import "errors"

// Collector-specific error types
var (
	ErrCollectorAlreadyRunning = errors.New("collector is already running")
	ErrCollectorNotRunning     = errors.New("collector is not running")
	ErrCollectorStopped        = errors.New("collector cannot be restarted")
	ErrOutcomeChannelFull      = errors.New("outcome channel is full")
	ErrNilOutcome              = errors.New("outcome cannot be nil")
)

package target

import "errors"

var (
	ErrServerAlreadyRunning = errors.New("target server is already running")
	ErrServerNotRunning     = errors.New("target server is not running")
	ErrServerStopped        = errors.New("target server cannot be restarted after stop")
)

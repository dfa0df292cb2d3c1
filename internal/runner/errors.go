package runner

import "errors"

// Options validation errors
var (
	ErrInvalidVUs        = errors.New("vus must be positive")
	ErrInvalidDuration   = errors.New("duration must be positive")
	ErrInvalidIterations = errors.New("iterations must not be negative")
	ErrInvalidThreshold  = errors.New("threshold must be between 0 and 1")
)

package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrRunNotFound = errors.New("run not found")
)

package checks

import "errors"

// Recorder-related errors
var (
	ErrScopeSealed  = errors.New("check scope is sealed")
	ErrNilPredicate = errors.New("predicate cannot be nil")
)

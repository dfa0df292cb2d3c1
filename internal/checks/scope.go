package checks

import (
	"sync"

	"matchprobe/pkg/types"
)

// Scope is one iteration's view of the recorder. Checks made through it are
// tagged with the iteration ID and also kept in the scope's own list.
type Scope struct {
	recorder    *Recorder
	iterationID string

	mu      sync.Mutex
	sealed  bool
	results []types.CheckResult
}

// Scope opens a check scope for one iteration
func (r *Recorder) Scope(iterationID string) *Scope {
	return &Scope{
		recorder:    r,
		iterationID: iterationID,
	}
}

// Check records a check for the iteration. After Seal it returns
// ErrScopeSealed and records nothing.
func (s *Scope) Check(name string, value any, pred Predicate) (types.CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return types.CheckResult{}, ErrScopeSealed
	}

	result := evaluate(name, value, pred, s.recorder.now())
	result.IterationID = s.iterationID
	s.recorder.record(result)
	s.results = append(s.results, result)
	return result, nil
}

// Seal finalizes the scope and returns its checks in recording order
func (s *Scope) Seal() []types.CheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sealed = true
	out := make([]types.CheckResult, len(s.results))
	copy(out, s.results)
	return out
}

// Sealed reports whether Seal has been called
func (s *Scope) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

// IterationID returns the iteration the scope belongs to
func (s *Scope) IterationID() string {
	return s.iterationID
}

// Equals returns a predicate matching values equal to want
func Equals[T comparable](want T) Predicate {
	return func(value any) bool {
		got, ok := value.(T)
		return ok && got == want
	}
}

package checks

import (
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"matchprobe/pkg/types"
)

// Predicate decides whether a checked value passes
type Predicate func(value any) bool

// Recorder collects named checks for a whole run
// ARCHITECTURAL DISCOVERY: one mutex guards both the ordered sequence and the
// aggregate, so Summary never observes a result missing from Results
type Recorder struct {
	mu      sync.Mutex
	results []types.CheckResult
	summary types.Summary
	now     func() time.Time
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{
		results: make([]types.CheckResult, 0, 1024),
		summary: types.Summary{ByName: make(map[string]types.CheckCount)},
		now:     time.Now,
	}
}

// Check evaluates pred against value, records the result and returns it.
// It never panics: a panicking or nil predicate yields a failing check.
func (r *Recorder) Check(name string, value any, pred Predicate) types.CheckResult {
	return r.record(evaluate(name, value, pred, r.now()))
}

// evaluate runs the predicate and captures panics as the failure cause
func evaluate(name string, value any, pred Predicate, at time.Time) types.CheckResult {
	result := types.CheckResult{Name: name, Timestamp: at}

	if !types.IsValidCheckName(name) {
		result.Cause = types.ErrInvalidCheckName.Error()
		return result
	}
	if pred == nil {
		result.Cause = ErrNilPredicate.Error()
		return result
	}

	var passed bool
	var catcher panics.Catcher
	catcher.Try(func() { passed = pred(value) })
	if recovered := catcher.Recovered(); recovered != nil {
		result.Cause = fmt.Sprintf("predicate panicked: %v", recovered.Value)
		return result
	}

	result.Passed = passed
	if !passed {
		result.Cause = fmt.Sprintf("got %v", value)
	}
	return result
}

func (r *Recorder) record(result types.CheckResult) types.CheckResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.results = append(r.results, result)

	count := r.summary.ByName[result.Name]
	if result.Passed {
		r.summary.Passes++
		count.Passes++
	} else {
		r.summary.Fails++
		count.Fails++
	}
	r.summary.ByName[result.Name] = count

	return result
}

// Summary returns a snapshot of the aggregate so far
func (r *Recorder) Summary() types.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName := make(map[string]types.CheckCount, len(r.summary.ByName))
	for name, count := range r.summary.ByName {
		byName[name] = count
	}
	return types.Summary{
		Passes: r.summary.Passes,
		Fails:  r.summary.Fails,
		ByName: byName,
	}
}

// Results returns a copy of every recorded check in recording order
func (r *Recorder) Results() []types.CheckResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.CheckResult, len(r.results))
	copy(out, r.results)
	return out
}

// Len returns the number of recorded checks
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

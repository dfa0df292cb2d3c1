package runner

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"matchprobe/pkg/types"
)

// Report is the final result of a run
type Report struct {
	RunID        string                        `json:"run_id"`
	Scenario     string                        `json:"scenario"`
	Target       string                        `json:"target"`
	Options      Options                       `json:"options"`
	Start        time.Time                     `json:"start"`
	End          time.Time                     `json:"end"`
	Summary      types.Summary                 `json:"summary"`
	Outcomes     []*types.IterationOutcome     `json:"outcomes"`
	StatusCounts map[types.IterationStatus]int `json:"status_counts"`
	Durations    DurationStats                 `json:"durations"`
	Abandoned    bool                          `json:"abandoned"` // graceful stop expired before every iteration finished
}

func newReport(runID, scenarioName, target string, opts Options, start, end time.Time, summary types.Summary, outcomes []*types.IterationOutcome) *Report {
	counts := map[types.IterationStatus]int{
		types.IterationCompleted:   0,
		types.IterationTimedOut:    0,
		types.IterationErrored:     0,
		types.IterationInterrupted: 0,
	}
	durations := make([]time.Duration, 0, len(outcomes))
	for _, o := range outcomes {
		counts[o.Status]++
		durations = append(durations, o.Duration())
	}

	return &Report{
		RunID:        runID,
		Scenario:     scenarioName,
		Target:       target,
		Options:      opts,
		Start:        start,
		End:          end,
		Summary:      summary,
		Outcomes:     outcomes,
		StatusCounts: counts,
		Durations:    computeDurationStats(durations),
	}
}

// summarize tallies the checks carried by finished outcomes
func summarize(outcomes []*types.IterationOutcome) types.Summary {
	summary := types.Summary{ByName: make(map[string]types.CheckCount)}
	for _, o := range outcomes {
		for _, c := range o.Checks {
			count := summary.ByName[c.Name]
			if c.Passed {
				summary.Passes++
				count.Passes++
			} else {
				summary.Fails++
				count.Fails++
			}
			summary.ByName[c.Name] = count
		}
	}
	return summary
}

// Passed reports whether the pass rate meets the threshold with at least one check run
func (r *Report) Passed() bool {
	if r.Summary.Total() == 0 {
		return false
	}
	return r.Summary.PassRate() >= r.Options.Threshold
}

// Elapsed returns the wall time of the run
func (r *Report) Elapsed() time.Duration {
	return r.End.Sub(r.Start)
}

// RunStatus maps the verdict onto the stored run status
func (r *Report) RunStatus() string {
	if r.Passed() {
		return types.RunStatusPassed
	}
	return types.RunStatusFailed
}

// WriteText renders the report as a human-readable summary
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "run %s\n", r.RunID)
	fmt.Fprintf(&b, "  scenario: %s\n", r.Scenario)
	fmt.Fprintf(&b, "  target:   %s\n", r.Target)
	fmt.Fprintf(&b, "  vus: %d  duration: %s  elapsed: %s\n\n", r.Options.VUs, r.Options.Duration, r.Elapsed().Round(time.Millisecond))

	fmt.Fprintf(&b, "checks: %.2f%%  pass=%d fail=%d\n", r.Summary.PassRate()*100, r.Summary.Passes, r.Summary.Fails)
	names := make([]string, 0, len(r.Summary.ByName))
	for name := range r.Summary.ByName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		count := r.Summary.ByName[name]
		mark := "ok  "
		if count.Fails > 0 {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "  %s %s  (%d/%d)\n", mark, name, count.Passes, count.Passes+count.Fails)
	}

	fmt.Fprintf(&b, "\niterations: %d  completed=%d timed-out=%d errored=%d interrupted=%d\n",
		len(r.Outcomes),
		r.StatusCounts[types.IterationCompleted],
		r.StatusCounts[types.IterationTimedOut],
		r.StatusCounts[types.IterationErrored],
		r.StatusCounts[types.IterationInterrupted])
	d := r.Durations
	fmt.Fprintf(&b, "iteration_duration: min=%s avg=%s p50=%s p95=%s p99=%s max=%s\n",
		d.Min.Round(time.Millisecond), d.Avg.Round(time.Millisecond), d.P50.Round(time.Millisecond),
		d.P95.Round(time.Millisecond), d.P99.Round(time.Millisecond), d.Max.Round(time.Millisecond))
	if r.Abandoned {
		b.WriteString("warning: graceful stop expired; unfinished iterations were abandoned\n")
	}

	verdict := "PASSED"
	if !r.Passed() {
		verdict = "FAILED"
	}
	fmt.Fprintf(&b, "\nthreshold: pass rate >= %.2f%%  %s\n", r.Options.Threshold*100, verdict)

	_, err := io.WriteString(w, b.String())
	return err
}

package types

import (
	"time"
)

// Check names recorded by the match scenario. They are reported verbatim.
const (
	CheckWebSocketStatus = "websocket status is 101"
	CheckMatchURLStatus  = "match URL status is 200"
)

// ConnState is the lifecycle state of a driver-owned connection.
// ARCHITECTURAL DISCOVERY: states only move forward; Errored is reachable from
// any state except Closed, and nothing leaves Closed or Errored.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnOpen
	ConnClosing
	ConnClosed
	ConnErrored
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	case ConnErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s ConnState) Terminal() bool {
	return s == ConnClosed || s == ConnErrored
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s ConnState) CanTransition(next ConnState) bool {
	if s.Terminal() {
		return false
	}
	if next == ConnErrored {
		return true
	}
	return next > s && next != ConnErrored
}

// EventKind tags an Event.
type EventKind int

const (
	EventOpened EventKind = iota
	EventMessage
	EventClosed
	EventErrored
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Event is a connection lifecycle event delivered by the driver.
// FUNCTIONAL DISCOVERY: Payload belongs to the consumer once dispatched; the
// driver allocates a fresh slice per frame and never touches it again.
type Event struct {
	Kind    EventKind
	Payload []byte // EventMessage
	Code    int    // EventClosed
	Reason  string // EventClosed
	Err     error  // EventErrored
	At      time.Time
}

// Terminal reports whether the event ends the connection's event stream.
func (e Event) Terminal() bool {
	return e.Kind == EventClosed || e.Kind == EventErrored
}

// CheckResult is one recorded named assertion. Immutable once recorded.
type CheckResult struct {
	Name        string    `json:"name"`
	Passed      bool      `json:"passed"`
	Cause       string    `json:"cause,omitempty"`
	IterationID string    `json:"iteration_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// CheckCount is the pass/fail tally for a single check name.
type CheckCount struct {
	Passes int `json:"passes"`
	Fails  int `json:"fails"`
}

// Summary aggregates recorded checks.
type Summary struct {
	Passes int                   `json:"passes"`
	Fails  int                   `json:"fails"`
	ByName map[string]CheckCount `json:"by_name"`
}

// Total returns the number of checks in the summary.
func (s Summary) Total() int {
	return s.Passes + s.Fails
}

// PassRate returns the fraction of passing checks, or 0 when nothing ran.
func (s Summary) PassRate() float64 {
	if s.Total() == 0 {
		return 0
	}
	return float64(s.Passes) / float64(s.Total())
}

// IterationStatus is the terminal status of one iteration.
type IterationStatus string

const (
	IterationCompleted   IterationStatus = "completed"
	IterationTimedOut    IterationStatus = "timed-out"
	IterationErrored     IterationStatus = "errored"
	IterationInterrupted IterationStatus = "interrupted"
)

// IterationOutcome is the finalized record of one iteration.
type IterationOutcome struct {
	ID              string          `json:"id"`
	VU              int             `json:"vu"`
	Start           time.Time       `json:"start"`
	End             time.Time       `json:"end"`
	HandshakeStatus int             `json:"handshake_status"`
	Checks          []CheckResult   `json:"checks"`
	Status          IterationStatus `json:"status"`
	Error           string          `json:"error,omitempty"`
}

// Duration returns the wall time the iteration took.
func (o *IterationOutcome) Duration() time.Duration {
	return o.End.Sub(o.Start)
}

// CheckCounts returns the pass and fail counts of the iteration's checks.
func (o *IterationOutcome) CheckCounts() (passes, fails int) {
	for _, c := range o.Checks {
		if c.Passed {
			passes++
		} else {
			fails++
		}
	}
	return passes, fails
}

// ProbeResult is the result of one HTTP probe.
type ProbeResult struct {
	URL      string        `json:"url"`
	Status   int           `json:"status"`
	Latency  time.Duration `json:"latency"`
	BodySize int64         `json:"body_size"`
}

// RunRecord describes a stored run.
type RunRecord struct {
	ID          string     `json:"id" db:"id"`
	Scenario    string     `json:"scenario" db:"scenario"`
	TargetURL   string     `json:"target_url" db:"target_url"`
	VUs         int        `json:"vus" db:"vus"`
	Duration    string     `json:"duration" db:"duration"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Status      string     `json:"status" db:"status"`
	Passes      int        `json:"passes" db:"passes"`
	Fails       int        `json:"fails" db:"fails"`
	Iterations  int        `json:"iterations" db:"iterations"`
}

// Run status values stored in RunRecord.Status.
const (
	RunStatusRunning = "running"
	RunStatusPassed  = "passed"
	RunStatusFailed  = "failed"
)

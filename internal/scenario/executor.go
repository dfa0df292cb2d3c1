package scenario

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"matchprobe/internal/checks"
	"matchprobe/pkg/interfaces"
	"matchprobe/pkg/types"
)

// Options bounds a single iteration
type Options struct {
	IterationTimeout time.Duration
	CloseWait        time.Duration // how long to wait for the terminal event after closing
}

// Executor runs iterations of one scenario
type Executor struct {
	scenario Scenario
	dialer   interfaces.Dialer
	prober   interfaces.Prober
	recorder *checks.Recorder
	opts     Options
	logger   zerolog.Logger
}

// NewExecutor creates an executor
func NewExecutor(sc Scenario, dialer interfaces.Dialer, prober interfaces.Prober, recorder *checks.Recorder, opts Options, logger zerolog.Logger) *Executor {
	if opts.IterationTimeout <= 0 {
		opts.IterationTimeout = 30 * time.Second
	}
	if opts.CloseWait <= 0 {
		opts.CloseWait = 5 * time.Second
	}

	lctx := logger.With().Str("module", "scenario").Str("scenario", sc.Name)
	for k, v := range sc.Tags {
		lctx = lctx.Str(k, v)
	}

	return &Executor{
		scenario: sc,
		dialer:   dialer,
		prober:   prober,
		recorder: recorder,
		opts:     opts,
		logger:   lctx.Logger(),
	}
}

// Scenario returns the scenario being executed
func (e *Executor) Scenario() Scenario {
	return e.scenario
}

// iterationRun carries the mutable state of one Run call
type iterationRun struct {
	it      *Iteration
	conn    interfaces.Connection
	state   State
	status  types.IterationStatus
	err     error
	logger  zerolog.Logger
	handler Scenario
}

func (r *iterationRun) setState(next State) {
	if !r.state.CanTransition(next) {
		r.logger.Debug().Err(ErrInvalidTransition).Str("from", r.state.String()).Str("to", next.String()).Msg("transition ignored")
		return
	}
	r.state = next
}

// Run executes one iteration and returns its finalized outcome.
// ctx is the run context: its cancellation stops the iteration after the
// current reaction but never cancels an in-progress dial.
func (e *Executor) Run(ctx context.Context, vu int) *types.IterationOutcome {
	id := uuid.NewString()
	start := time.Now()

	// The iteration context is detached from run-stop on purpose; only the
	// iteration timeout cancels the dial and probes.
	iterCtx, cancel := context.WithTimeout(context.Background(), e.opts.IterationTimeout)
	defer cancel()

	logger := e.logger.With().Str("iteration", id).Int("vu", vu).Logger()
	scope := e.recorder.Scope(id)
	run := &iterationRun{
		it: &Iteration{
			ID:     id,
			VU:     vu,
			ctx:    iterCtx,
			scope:  scope,
			prober: e.prober,
			logger: logger,
		},
		state:   StateIdle,
		logger:  logger,
		handler: e.scenario,
	}

	outcome := &types.IterationOutcome{ID: id, VU: vu, Start: start}

	run.setState(StateConnecting)
	conn, err := e.dialer.Connect(iterCtx, e.scenario.URL)
	if err != nil {
		outcome.HandshakeStatus = types.HandshakeStatusOf(err)
		run.it.Check(types.CheckWebSocketStatus, outcome.HandshakeStatus, checks.Equals(http.StatusSwitchingProtocols))
		run.setState(StateErrored)

		if errors.Is(iterCtx.Err(), context.DeadlineExceeded) {
			run.status = types.IterationTimedOut
			logger.Warn().Err(err).Msg("iteration timed out while connecting")
		} else {
			run.status = types.IterationErrored
			run.err = err
			run.onError(err)
		}
		return e.finish(run, scope, outcome)
	}

	run.conn = conn
	outcome.HandshakeStatus = conn.HandshakeStatus()
	run.it.Check(types.CheckWebSocketStatus, conn.HandshakeStatus(), checks.Equals(http.StatusSwitchingProtocols))
	run.setState(StateOpen)

	e.loop(ctx, iterCtx, run)

	return e.finish(run, scope, outcome)
}

// loop dispatches events until the iteration reaches a terminal state
// ARCHITECTURAL DISCOVERY: one goroutine per iteration owns the state and all
// handler calls, so reactions never overlap
func (e *Executor) loop(runCtx, iterCtx context.Context, run *iterationRun) {
	events := run.conn.Events()
	stop := runCtx.Done()
	timeout := iterCtx.Done()
	var closeWait <-chan time.Time

	for !run.state.Terminal() {
		// An elapsed timeout outranks events already queued, such as the Closed
		// that follows a reaction cut short by the same deadline
		if timeout != nil && iterCtx.Err() != nil {
			timeout = nil
			closeWait = e.timeOut(run)
			continue
		}

		select {
		case ev, ok := <-events:
			if !ok {
				run.fail(ErrStreamEnded)
				return
			}
			e.dispatch(runCtx, iterCtx, run, ev)

		case <-timeout:
			timeout = nil
			closeWait = e.timeOut(run)

		case <-stop:
			stop = nil
			if run.state == StateOpen {
				run.status = types.IterationInterrupted
				closeWait = e.startClose(run)
			}

		case <-closeWait:
			run.fail(ErrCloseWaitExceeded)
			return
		}

		if run.it.closeRequested && run.state == StateOpen {
			closeWait = e.startClose(run)
		}
	}
}

// dispatch applies one event to the state machine
func (e *Executor) dispatch(runCtx, iterCtx context.Context, run *iterationRun, ev types.Event) {
	switch ev.Kind {
	case types.EventOpened:
		if run.state == StateOpen && run.handler.OnOpen != nil {
			run.handler.OnOpen(run.it)
		}

	case types.EventMessage:
		if run.state != StateOpen {
			return
		}
		// A pending stop or timeout wins over starting a new reaction
		if iterCtx.Err() != nil || runCtx.Err() != nil {
			return
		}
		if run.handler.OnMessage != nil {
			run.handler.OnMessage(run.it, ev.Payload)
		}

	case types.EventClosed:
		run.setState(StateDone)
		if run.status == "" {
			run.status = types.IterationCompleted
		}
		if run.handler.OnClose != nil {
			run.handler.OnClose(run.it, ev.Code, ev.Reason)
		}

	case types.EventErrored:
		run.setState(StateErrored)
		if run.status == "" {
			run.status = types.IterationErrored
			run.err = ev.Err
		}
		run.onError(ev.Err)
	}
}

// timeOut records the timeout and forces an abandonment close
func (e *Executor) timeOut(run *iterationRun) <-chan time.Time {
	run.status = types.IterationTimedOut
	run.logger.Warn().Str("state", run.state.String()).Msg("iteration timed out")
	return e.startClose(run)
}

// startClose moves to Closing and asks the driver to close
func (e *Executor) startClose(run *iterationRun) <-chan time.Time {
	if run.state == StateOpen {
		run.setState(StateClosing)
	}
	if err := run.conn.Close(); err != nil {
		run.logger.Debug().Err(err).Msg("close returned error")
	}
	return time.After(e.opts.CloseWait)
}

func (r *iterationRun) fail(err error) {
	r.setState(StateErrored)
	if r.status == "" {
		r.status = types.IterationErrored
		r.err = err
	}
	r.logger.Warn().Err(err).Msg("iteration ended abnormally")
}

func (r *iterationRun) onError(err error) {
	if r.handler.OnError != nil {
		r.handler.OnError(r.it, err)
	}
}

// finish drains the connection, seals the check scope and builds the outcome
func (e *Executor) finish(run *iterationRun, scope *checks.Scope, outcome *types.IterationOutcome) *types.IterationOutcome {
	if run.conn != nil {
		// Release the socket even when the peer ended the connection
		_ = run.conn.Close()
		drain(run.conn.Events(), e.opts.CloseWait)
	}

	outcome.Checks = scope.Seal()
	outcome.End = time.Now()
	outcome.Status = run.status
	if run.err != nil {
		outcome.Error = run.err.Error()
	}

	run.logger.Debug().
		Str("status", string(outcome.Status)).
		Dur("duration", outcome.Duration()).
		Msg("iteration finished")
	return outcome
}

// drain discards remaining events until the stream closes or wait elapses
func drain(events <-chan types.Event, wait time.Duration) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timer.C:
			return
		}
	}
}

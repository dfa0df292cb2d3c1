package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"matchprobe/internal/checks"
	"matchprobe/pkg/types"
)

// Options controls one run
type Options struct {
	RunID        string        `json:"run_id,omitempty"`
	VUs          int           `json:"vus"`
	Duration     time.Duration `json:"duration"`
	Iterations   int           `json:"iterations"` // per VU; 0 means until the duration expires
	GracefulStop time.Duration `json:"graceful_stop"`
	Threshold    float64       `json:"threshold"`
}

// Validate checks option ranges
func (o Options) Validate() error {
	if o.VUs <= 0 {
		return ErrInvalidVUs
	}
	if o.Duration <= 0 {
		return ErrInvalidDuration
	}
	if o.Iterations < 0 {
		return ErrInvalidIterations
	}
	if o.Threshold < 0 || o.Threshold > 1 {
		return ErrInvalidThreshold
	}
	return nil
}

// IterationRunner runs one iteration for a VU
type IterationRunner interface {
	Run(ctx context.Context, vu int) *types.IterationOutcome
}

// OutcomeSink receives every finished outcome
type OutcomeSink interface {
	Submit(outcome *types.IterationOutcome) error
}

// ConnectionCloser force-closes sockets left open after the graceful stop
type ConnectionCloser interface {
	CloseAll()
}

// Option customizes a Controller
type Option func(*Controller)

// WithSink forwards outcomes to sink as they finish
func WithSink(sink OutcomeSink) Option {
	return func(c *Controller) { c.sink = sink }
}

// WithCloser sets what closes leftover connections after the graceful stop
func WithCloser(closer ConnectionCloser) Option {
	return func(c *Controller) { c.closer = closer }
}

// WithLabels names the scenario and target in the report
func WithLabels(scenario, target string) Option {
	return func(c *Controller) {
		c.scenario = scenario
		c.target = target
	}
}

// Controller drives VUs over a duration and aggregates the results
type Controller struct {
	iterations IterationRunner
	recorder   *checks.Recorder
	sink       OutcomeSink
	closer     ConnectionCloser
	scenario   string
	target     string
	logger     zerolog.Logger

	mu       sync.Mutex
	outcomes []*types.IterationOutcome

	// rejected counts sink refusals; only the first one of a run is logged
	rejected atomic.Int64
}

// NewController creates a controller
func NewController(iterations IterationRunner, recorder *checks.Recorder, logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		iterations: iterations,
		recorder:   recorder,
		logger:     logger.With().Str("module", "runner").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the run and returns its report. Iteration failures never abort
// the run; only invalid options return an error.
func (c *Controller) Run(ctx context.Context, opts Options) (*Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	c.mu.Lock()
	c.outcomes = make([]*types.IterationOutcome, 0, opts.VUs)
	c.mu.Unlock()
	c.rejected.Store(0)

	runCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	start := time.Now()
	c.logger.Info().
		Str("run", opts.RunID).
		Int("vus", opts.VUs).
		Dur("duration", opts.Duration).
		Int("iterations", opts.Iterations).
		Msg("run started")

	// ARCHITECTURAL DISCOVERY: one pool goroutine per VU; each VU runs its
	// iterations sequentially so VUs never share connection state
	p := pool.New().WithMaxGoroutines(opts.VUs)
	for vu := 1; vu <= opts.VUs; vu++ {
		vu := vu
		p.Go(func() {
			c.virtualUser(runCtx, vu, opts.Iterations)
		})
	}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	abandoned := false
	select {
	case <-done:
	case <-runCtx.Done():
		c.logger.Info().Str("run", opts.RunID).Msg("duration reached, waiting for in-flight iterations")
		grace := time.NewTimer(opts.GracefulStop)
		select {
		case <-done:
		case <-grace.C:
			abandoned = true
			c.logger.Warn().Str("run", opts.RunID).Dur("graceful_stop", opts.GracefulStop).Msg("graceful stop expired, closing remaining connections")
			if c.closer != nil {
				c.closer.CloseAll()
			}
		}
		grace.Stop()
	}
	end := time.Now()

	c.mu.Lock()
	outcomes := make([]*types.IterationOutcome, len(c.outcomes))
	copy(outcomes, c.outcomes)
	c.mu.Unlock()

	// Abandoned iterations already hold checks in the recorder but have no
	// outcome, so the aggregate is rebuilt from the outcomes that finished
	summary := c.recorder.Summary()
	if abandoned {
		summary = summarize(outcomes)
	}

	report := newReport(opts.RunID, c.scenario, c.target, opts, start, end, summary, outcomes)
	report.Abandoned = abandoned

	if rejected := c.rejected.Load(); rejected > 0 {
		c.logger.Warn().Str("run", opts.RunID).Int64("rejected", rejected).Msg("outcomes not persisted")
	}

	c.logger.Info().
		Str("run", opts.RunID).
		Int("iterations", len(outcomes)).
		Int("passes", report.Summary.Passes).
		Int("fails", report.Summary.Fails).
		Dur("elapsed", report.Elapsed()).
		Bool("passed", report.Passed()).
		Msg("run finished")

	return report, nil
}

// virtualUser repeats iterations until the run stops or the limit is reached
func (c *Controller) virtualUser(ctx context.Context, vu, limit int) {
	for i := 0; limit == 0 || i < limit; i++ {
		if ctx.Err() != nil {
			return
		}
		c.add(c.iterations.Run(ctx, vu))
	}
}

// add appends under the lock and forwards to the sink
func (c *Controller) add(outcome *types.IterationOutcome) {
	if outcome == nil {
		return
	}

	c.mu.Lock()
	c.outcomes = append(c.outcomes, outcome)
	c.mu.Unlock()

	if c.sink != nil {
		if err := c.sink.Submit(outcome); err != nil && c.rejected.Add(1) == 1 {
			c.logger.Warn().Err(err).Str("iteration", outcome.ID).Msg("outcome not persisted, counting further rejections")
		}
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"matchprobe/internal/checks"
	"matchprobe/internal/collector"
	"matchprobe/internal/config"
	"matchprobe/internal/database"
	"matchprobe/internal/probe"
	"matchprobe/internal/runner"
	"matchprobe/internal/scenario"
	"matchprobe/internal/target"
	"matchprobe/internal/websocket"
	pkgdatabase "matchprobe/pkg/database"
	"matchprobe/pkg/types"
)

// ErrResultsDisabled is returned by OpenStore when no results path is configured
var ErrResultsDisabled = errors.New("results store is disabled")

// Application coordinates all run components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	logger     zerolog.Logger
	runID      string
	driver     *websocket.Driver
	prober     *probe.Prober
	recorder   *checks.Recorder
	executor   *scenario.Executor
	controller *runner.Controller
	store      *database.Manager    // nil when results are disabled
	collector  *collector.Collector // nil when results are disabled
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Collector → Driver → Prober → Recorder → Executor → Controller
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{
		config: cfg,
		logger: logger,
		runID:  uuid.NewString(),
	}

	// STEP 1: Results store and its collector (optional)
	if cfg.Results.Path != "" {
		store, err := OpenStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		app.store = store
		app.collector = collector.New(store, app.runID, collector.Options{}, logger)
	}

	// STEP 2: Transport
	app.driver = websocket.NewDriver(websocket.Options{
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		CloseTimeout:     cfg.WebSocket.CloseTimeout,
		ReadLimit:        cfg.WebSocket.ReadLimit,
	}, logger)
	app.prober = probe.New(probe.Options{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxIdleConns:   cfg.HTTP.MaxIdleConns,
	}, logger)

	// STEP 3: Scenario execution
	app.recorder = checks.NewRecorder()
	sc := scenario.MatchScenario(cfg.Run.TargetWSURL, cfg.Run.Tags)
	app.executor = scenario.NewExecutor(sc, app.driver, app.prober, app.recorder, scenario.Options{
		IterationTimeout: cfg.Run.IterationTimeout,
	}, logger)

	// STEP 4: Run controller
	opts := []runner.Option{
		runner.WithCloser(app.driver),
		runner.WithLabels(sc.Name, sc.URL),
	}
	if app.collector != nil {
		opts = append(opts, runner.WithSink(app.collector))
	}
	app.controller = runner.NewController(app.executor, app.recorder, logger, opts...)

	return app, nil
}

// RunID identifies the run this application executes
func (app *Application) RunID() string {
	return app.runID
}

// Run executes the configured run and returns its report
// The run record is created before the first VU starts and finalized with
// the verdict afterwards; store failures are logged and never fail the run.
func (app *Application) Run(ctx context.Context) (*runner.Report, error) {
	runOpts := runner.Options{
		RunID:        app.runID,
		VUs:          app.config.Run.VUs,
		Duration:     app.config.Run.Duration,
		Iterations:   app.config.Run.Iterations,
		GracefulStop: app.config.Run.GracefulStop,
		Threshold:    app.config.Run.Threshold,
	}
	if err := runOpts.Validate(); err != nil {
		return nil, err
	}

	record := &types.RunRecord{
		ID:        app.runID,
		Scenario:  app.executor.Scenario().Name,
		TargetURL: app.config.Run.TargetWSURL,
		VUs:       runOpts.VUs,
		Duration:  runOpts.Duration.String(),
		StartedAt: time.Now(),
	}

	// STEP 1: Open the run in the store and start persisting outcomes
	persisting := false
	if app.store != nil {
		if err := app.store.CreateRun(ctx, record); err != nil {
			app.logger.Error().Err(err).Str("run_id", app.runID).Msg("failed to record run; results will not be stored")
		} else if err := app.collector.Start(context.WithoutCancel(ctx)); err != nil {
			app.logger.Error().Err(err).Msg("failed to start outcome collector")
		} else {
			persisting = true
		}
	}

	app.logger.Info().
		Str("run_id", app.runID).
		Str("target", record.TargetURL).
		Int("vus", runOpts.VUs).
		Dur("duration", runOpts.Duration).
		Msg("run started")

	// STEP 2: Drive the VUs
	report, err := app.controller.Run(ctx, runOpts)
	if err != nil {
		return nil, err
	}

	app.logger.Info().
		Str("run_id", app.runID).
		Int("iterations", len(report.Outcomes)).
		Int("passes", report.Summary.Passes).
		Int("fails", report.Summary.Fails).
		Bool("passed", report.Passed()).
		Msg("run finished")

	// STEP 3: Drain the collector and record the verdict
	if persisting {
		if err := app.collector.Stop(); err != nil {
			app.logger.Error().Err(err).Msg("failed to stop outcome collector")
		}
		if dropped := app.collector.Dropped(); dropped > 0 {
			app.logger.Warn().Int64("dropped", dropped).Msg("some outcomes were not stored")
		}

		completed := report.End
		record.CompletedAt = &completed
		record.Status = report.RunStatus()
		record.Passes = report.Summary.Passes
		record.Fails = report.Summary.Fails
		record.Iterations = len(report.Outcomes)
		if err := app.store.FinishRun(context.WithoutCancel(ctx), record); err != nil {
			app.logger.Error().Err(err).Str("run_id", app.runID).Msg("failed to finalize run")
		}
	}

	return report, nil
}

// Close releases transport and store resources
// Reverse dependency order: Connections → HTTP client → Database
func (app *Application) Close() error {
	app.driver.CloseAll()
	app.prober.CloseIdle()

	if app.store != nil {
		if err := app.store.Close(); err != nil {
			return fmt.Errorf("failed to close results store: %w", err)
		}
	}
	return nil
}

// OpenStore opens the results database named by the configuration
func OpenStore(cfg *config.Config, logger zerolog.Logger) (*database.Manager, error) {
	if cfg.Results == nil || cfg.Results.Path == "" {
		return nil, ErrResultsDisabled
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Results.Path

	store, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open results store: %w", err)
	}
	return store, nil
}

// NewTargetServer builds the stub target from the configuration
func NewTargetServer(cfg *config.Config, logger zerolog.Logger) *target.Server {
	return target.NewServer(target.Options{
		Host:      cfg.Target.Host,
		Port:      cfg.Target.Port,
		Pairing:   cfg.Target.Pairing,
		PublicURL: cfg.Target.PublicURL,
	}, logger)
}

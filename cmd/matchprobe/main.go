package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"matchprobe/internal/app"
	"matchprobe/internal/config"
	"matchprobe/internal/logging"
)

var version = "0.1.0"

// errThresholdFailed exits non-zero without an extra error line; the report says why
var errThresholdFailed = errors.New("check pass rate below threshold")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errThresholdFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "matchprobe",
		Short: "WebSocket matchmaking load tester",
		Long: `matchprobe drives virtual users against a matchmaking WebSocket endpoint.

Each iteration opens the socket, waits for the pushed match URL, fetches it
and records whether the handshake returned 101 and the match returned 200.

Examples:
  matchprobe target --pairing                 # Serve the stub matchmaker on :3000
  matchprobe run                              # 100 VUs for 20s against ws://localhost:3000/ws
  matchprobe run --vus 10 --duration 1m       # Custom load
  matchprobe run --config run.yaml --db ""    # File config, no stored results
  matchprobe runs                             # Recent stored runs
  matchprobe show <run-id>                    # Stored check summary of one run`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (yaml/json/toml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace/debug/info/warn/error)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format (console/json)")
	rootCmd.PersistentFlags().String("db", "./matchprobe.db", "Results database path; empty disables storage")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newTargetCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newShowCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the websocket-match scenario",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return runScenario(ctx, cfg, logger, cmd.OutOrStdout())
		},
	}

	runCmd.Flags().Int("vus", 100, "Number of virtual users")
	runCmd.Flags().Duration("duration", 20*time.Second, "Run duration")
	runCmd.Flags().Int("iterations", 0, "Iterations per VU (0 = until duration expires)")
	runCmd.Flags().String("url", "ws://localhost:3000/ws", "Target WebSocket URL")
	runCmd.Flags().Float64("threshold", 1.0, "Minimum check pass rate (0..1)")
	return runCmd
}

func newTargetCmd() *cobra.Command {
	targetCmd := &cobra.Command{
		Use:   "target",
		Short: "Serve the stub matchmaking target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return serveTarget(ctx, cfg, logger)
		},
	}

	targetCmd.Flags().Int("port", 3000, "Listen port")
	targetCmd.Flags().Bool("pairing", false, "Hold each player until a second one joins")
	targetCmd.Flags().String("public-url", "", "Base URL for pushed match URLs")
	return targetCmd
}

func newRunsCmd() *cobra.Command {
	var limit int

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			return listRuns(cmd.Context(), cfg, logger, limit, cmd.OutOrStdout())
		},
	}

	runsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list")
	return runsCmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the stored check summary of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			return showRun(cmd.Context(), cfg, logger, args[0], cmd.OutOrStdout())
		},
	}
}

// setup resolves configuration (defaults < file < env < flags) and builds the logger
func setup(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfigWithPrecedence(configPath, cmd.Flags())
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func runScenario(ctx context.Context, cfg *config.Config, logger zerolog.Logger, out io.Writer) error {
	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Error().Err(err).Msg("shutdown error")
		}
	}()

	report, err := application.Run(ctx)
	if err != nil {
		return err
	}

	if err := report.WriteText(out); err != nil {
		return err
	}
	if !report.Passed() {
		return errThresholdFailed
	}
	return nil
}

func serveTarget(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	server := app.NewTargetServer(cfg, logger)
	if err := server.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("received shutdown signal")

	// Timeout context prevents hanging shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Stop(shutdownCtx)
}

func listRuns(ctx context.Context, cfg *config.Config, logger zerolog.Logger, limit int, out io.Writer) error {
	store, err := app.OpenStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "no runs stored")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tVUS\tDURATION\tITERATIONS\tCHECKS")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%d/%d\n",
			run.ID, run.StartedAt.Format(time.DateTime), run.Status, run.VUs, run.Duration,
			run.Iterations, run.Passes, run.Passes+run.Fails)
	}
	return tw.Flush()
}

func showRun(ctx context.Context, cfg *config.Config, logger zerolog.Logger, runID string, out io.Writer) error {
	store, err := app.OpenStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	summary, err := store.CheckSummary(ctx, runID)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	fmt.Fprintf(out, "run %s\n", run.ID)
	fmt.Fprintf(out, "scenario: %s\n", run.Scenario)
	fmt.Fprintf(out, "target: %s\n", run.TargetURL)
	fmt.Fprintf(out, "started: %s\n", run.StartedAt.Format(time.DateTime))
	fmt.Fprintf(out, "status: %s\n", run.Status)
	fmt.Fprintf(out, "checks: %.2f%%  pass=%d fail=%d\n", summary.PassRate()*100, summary.Passes, summary.Fails)

	names := make([]string, 0, len(summary.ByName))
	for name := range summary.ByName {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		count := summary.ByName[name]
		mark := "ok  "
		if count.Fails > 0 {
			mark = "FAIL"
		}
		fmt.Fprintf(out, "  %s %s  (%d/%d)\n", mark, name, count.Passes, count.Passes+count.Fails)
	}
	return nil
}

// Package main implements the mendd CLI: an automated test-fix-test
// loop that files defects for failing suites, delegates fixes to a
// producer, and closes defects only on a passing gate.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/config"
	"github.com/fyrsmithlabs/mendd/internal/logging"
	"github.com/fyrsmithlabs/mendd/pkg/archive"
	"github.com/fyrsmithlabs/mendd/pkg/orchestrator"
	"github.com/fyrsmithlabs/mendd/pkg/producer"
	"github.com/fyrsmithlabs/mendd/pkg/testrun"
	"github.com/fyrsmithlabs/mendd/pkg/tracker"
)

var (
	configPath  string
	metricsAddr string
	version     = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mendd",
	Short: "Automated test-fix-test orchestration",
	Long: `mendd runs a repository's test suite, files a defect when it fails,
asks a fix producer for a committed change, and re-runs the suite to
decide the defect's fate. Resolution is decided by the test gate alone,
never by the producer.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/mendd/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(initCmd)

	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9191 (disabled if empty)")
}

// runCmd executes a single orchestration run and prints the report.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one orchestration run",
	Long: `Run the loop once to a terminal status and print the JSON report.

Examples:
  # Run against the configured repository
  mendd run

  # Run with an explicit config file
  mendd run --config ~/.config/mendd/staging.yaml`,
	RunE: runOnce,
}

// watchCmd runs the loop as a polling daemon.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the loop continuously on a poll interval",
	Long: `Watch re-runs the loop on the configured poll interval until
interrupted. Each tick is an independent, idempotent run.

Examples:
  # Poll with the configured interval
  mendd watch

  # Also expose Prometheus metrics
  mendd watch --metrics-addr :9191`,
	RunE: runWatch,
}

// initCmd prepares the user's config directory.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the mendd config directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.EnsureConfigDir(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "config directory ready at ~/.config/mendd")
		return nil
	},
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, logger, err := build(ctx)
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	rep, runErr := o.Run(ctx)

	out, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if runErr != nil {
		return fmt.Errorf("run aborted: %w", runErr)
	}
	if rep.Status != orchestrator.StatusResolved {
		return fmt.Errorf("run ended %s", rep.Status)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	o, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", zap.String("addr", metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("watching",
		zap.String("repo", cfg.Repo.Path),
		zap.Duration("poll_interval", cfg.Loop.PollInterval.Duration()))

	err = o.Watch(ctx, cfg.Loop.PollInterval.Duration())
	if errors.Is(err, context.Canceled) {
		logger.Info("watch stopped")
		return nil
	}
	return err
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// build loads config and assembles the orchestrator for one-shot use.
func build(ctx context.Context) (*orchestrator.Orchestrator, *zap.Logger, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	o, err := wire(ctx, cfg, logger)
	if err != nil {
		return nil, logger, err
	}
	return o, logger, nil
}

// wire assembles runner, store, producer, and archiver per config.
func wire(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	runner, err := buildRunner(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	prod, err := buildProducer(cfg, logger)
	if err != nil {
		return nil, err
	}

	arch := archive.NewArchiver(cfg.Repo.Path, logger.Named("archive"))

	return orchestrator.New(store, runner, prod, arch, orchestrator.Config{
		MaxIterations: cfg.Loop.MaxIterations,
		LeaseTTL:      cfg.Loop.LeaseTTL.Duration(),
		SmokePreGate:  cfg.Loop.SmokePreGate,
	}, logger.Named("orchestrator")), nil
}

func buildRunner(cfg *config.Config, logger *zap.Logger) (*testrun.ExecRunner, error) {
	commands := map[testrun.Scope]testrun.Command{
		testrun.ScopeFull: withDir(cfg.Tests.Full, cfg.Repo.Path),
	}
	if cfg.Tests.Smoke.Name != "" {
		commands[testrun.ScopeSmoke] = withDir(cfg.Tests.Smoke, cfg.Repo.Path)
	}

	opts := []testrun.Option{testrun.WithTimeout(cfg.Tests.Timeout.Duration())}
	if cfg.Tests.Fixture.Name != "" {
		opts = append(opts, testrun.WithFixture(&testrun.CommandFixture{
			Command: withDir(cfg.Tests.Fixture, cfg.Repo.Path),
		}))
	}

	return testrun.NewExecRunner(commands, logger.Named("testrun"), opts...), nil
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (tracker.Store, error) {
	switch cfg.Tracker.Backend {
	case "github":
		client, err := tracker.NewGitHubClient(ctx, cfg.Tracker.GitHub.Token.Value())
		if err != nil {
			return nil, fmt.Errorf("building github client: %w", err)
		}
		return tracker.NewGitHubStore(client, cfg.Tracker.GitHub.Owner, cfg.Tracker.GitHub.Repo, logger.Named("tracker")), nil
	case "memory":
		return tracker.NewMemoryStore(logger.Named("tracker")), nil
	default:
		return nil, fmt.Errorf("unknown tracker backend %q", cfg.Tracker.Backend)
	}
}

func buildProducer(cfg *config.Config, logger *zap.Logger) (producer.ChangeProducer, error) {
	log := logger.Named("producer")
	switch cfg.Producer.Kind {
	case "ollama":
		return producer.NewOllamaProducer(
			cfg.Producer.Ollama.BaseURL,
			cfg.Producer.Ollama.Model,
			cfg.Repo.Path,
			cfg.Producer.Ollama.Timeout.Duration(),
			log,
		), nil
	case "command":
		return producer.NewCommandProducer(
			cfg.Producer.Command.Name,
			cfg.Producer.Command.Args,
			cfg.Repo.Path,
			cfg.Producer.Command.Timeout.Duration(),
			log,
		), nil
	default:
		return nil, fmt.Errorf("unknown producer kind %q", cfg.Producer.Kind)
	}
}

func withDir(c testrun.Command, repoPath string) testrun.Command {
	if c.Dir == "" {
		c.Dir = repoPath
	}
	return c
}

// inventory-archiver shards object-storage inventory reports, archives the
// shards with an external archiver and deletes the archived source objects.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/command"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/config"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/logging"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/metrics"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/objectstore"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/shard"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/summary"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/walker"
)

var (
	Version = "dev"
	GitSHA  = "unknown"
)

type globalOptions struct {
	configFile  string
	logLevel    string
	logFormat   string
	metricsAddr string
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Graceful shutdown handler
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Warn("Received signal, stopping dispatch", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("Run failed", "error", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "inventory-archiver",
		Short: "Shard, archive and clean up object-storage inventory reports",
		Long: `inventory-archiver works through an inventory report tree in three phases,
each a separate invocation over the same root:

  ingest   shard report rows into <root>/processedReports/<year>/<event>/<month>/<day>/
  archive  consolidate each shard into one archive object and mark it _processed
  cleanup  delete the objects listed in processed shards, then the shards

Configuration is read from --config (or INVENTORY_CONFIG), then the environment,
then command-line arguments.`,
		Version:       fmt.Sprintf("%s (%s)", Version, GitSHA),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", os.Getenv("INVENTORY_CONFIG"), "YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (text, json)")
	root.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newIngestCmd(opts),
		newArchiveCmd(opts),
		newCleanupCmd(opts),
	)
	return root
}

// loadConfig layers configuration and applies the global flags and the
// workers argument.
func loadConfig(opts *globalOptions, workersArg string) (config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return config.Config{}, err
	}

	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Address = opts.metricsAddr
	}

	workers, err := strconv.Atoi(workersArg)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid worker count %q: %w", workersArg, err)
	}
	cfg.Walk.Workers = workers

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	startMetrics(cfg.Metrics)
	return cfg, nil
}

var metricsOnce sync.Once

func startMetrics(cfg config.MetricsConfig) {
	metricsOnce.Do(func() {
		metrics.Init(cfg.Namespace)
		if cfg.Address == "" {
			return
		}
		go func() {
			slog.Info("Starting metrics server", "address", cfg.Address)
			if err := metrics.StartServer(cfg.Address); err != nil {
				slog.Warn("Metrics server stopped", "error", err)
			}
		}()
	})
}

func newObjectStore(cfg config.Config) (objectstore.Store, error) {
	return objectstore.New(objectstore.Config{
		Backend:     cfg.ObjectStore.Backend,
		AWSPath:     cfg.ObjectStore.AWSPath,
		URLTemplate: cfg.ObjectStore.URLTemplate,
		Region:      cfg.ObjectStore.Region,
		Endpoint:    cfg.ObjectStore.Endpoint,
	}, command.ExecRunner{})
}

// phaseResult is what each phase reports back to runPhase.
type phaseResult struct {
	walk     walker.Stats
	counters map[string]int64
}

// runPhase wraps a phase with a correlation ID, timing, metrics and the run
// summary.
func runPhase(ctx context.Context, cfg config.Config, phase, root string, fn func(ctx context.Context) (phaseResult, error)) error {
	runID := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, runID)
	log := logging.Component("main").With("phase", phase, "run_id", runID)
	log.Info("Inventory archiver starting", "version", Version, "git_sha", GitSHA, "root", root)

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %w", walker.ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", walker.ErrInvalidRoot, root)
	}

	summaryDir := cfg.Summary.Dir
	if summaryDir == "" {
		summaryDir = filepath.Join(root, shard.ReservedDir)
	}
	mgr, err := summary.NewManager(summary.Config{Enabled: cfg.Summary.Enabled, Dir: summaryDir})
	if err != nil {
		return err
	}

	s := &summary.Summary{
		Phase:     phase,
		Root:      root,
		RunID:     runID,
		Workers:   cfg.Walk.Workers,
		StartedAt: time.Now().UTC(),
	}

	res, err := fn(ctx)
	s.Finish(time.Now().UTC(), err)
	s.Units = res.walk.Units
	s.FailedUnits = res.walk.Failed
	s.Counters = res.counters

	if saveErr := mgr.Save(ctx, s); saveErr != nil {
		log.Warn("Failed to save run summary", "error", saveErr)
	}

	switch {
	case err == nil:
		log.Info("Processing complete",
			"duration", time.Duration(s.DurationSeconds*float64(time.Second)).Round(time.Millisecond),
			"units", s.Units,
			"failed_units", s.FailedUnits,
		)
		return nil
	case command.IsFatal(err):
		return fmt.Errorf("%s aborted on fatal error: %w", phase, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s interrupted: %w", phase, err)
	default:
		return fmt.Errorf("%s failed: %w", phase, err)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/verystrongjoe/poet/internal/checkpoint"
	"github.com/verystrongjoe/poet/internal/config"
	"github.com/verystrongjoe/poet/internal/gate"
	"github.com/verystrongjoe/poet/internal/lineage"
	"github.com/verystrongjoe/poet/internal/logging"
	"github.com/verystrongjoe/poet/internal/metrics"
	"github.com/verystrongjoe/poet/internal/niche"
	"github.com/verystrongjoe/poet/internal/noise"
	"github.com/verystrongjoe/poet/internal/novelty"
	"github.com/verystrongjoe/poet/internal/poet"
	"github.com/verystrongjoe/poet/internal/reproduce"
	"github.com/verystrongjoe/poet/internal/state"
	"github.com/verystrongjoe/poet/internal/transport"
	"github.com/verystrongjoe/poet/internal/workers"
)

var (
	runIterations int
	runStartFrom  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the co-evolution loop",
	Long: `Run bootstraps the flat environment (or resumes from run.start_from) and
iterates for run.iterations iterations, writing env, theta and manifest files
under run.log_file and lifecycle records to the run database.

Examples:
  # Short local run with the small noise table
  POET_NOISE_DEBUG=true poet run --iterations 50

  # Resume from a previous run's manifest
  poet run --config poet.yaml --start-from runs/poet/poet.manifest.json`,
	Args: cobra.NoArgs,
	RunE: runPoet,
}

func init() {
	runCmd.Flags().IntVar(&runIterations, "iterations", -1, "override run.iterations")
	runCmd.Flags().StringVar(&runStartFrom, "start-from", "", "override run.start_from")
}

func runPoet(cmd *cobra.Command, _ []string) error {
	cfg, log, tbl, factory, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(log) }()

	if runIterations >= 0 {
		cfg.Run.Iterations = runIterations
	}
	if runStartFrom != "" {
		cfg.Run.StartFrom = runStartFrom
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	exec, pub, closeExec, err := newExecutor(cfg, tbl, factory, log)
	if err != nil {
		return err
	}
	defer closeExec()

	ckpt, err := checkpoint.NewWriter(cfg.Run.LogFile)
	if err != nil {
		return err
	}
	store, err := state.NewStore(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	lin, err := lineage.NewStore(store.DB())
	if err != nil {
		return fmt.Errorf("open lineage: %w", err)
	}
	repro, err := reproduce.New(cfg.Reproduce.ToReproduce(), cfg.Run.MasterSeed)
	if err != nil {
		return fmt.Errorf("reproducer: %w", err)
	}

	o, err := poet.New(poetConfig(cfg), poet.Deps{
		Noise:       tbl,
		Executor:    exec,
		Publisher:   pub,
		Factory:     factory,
		Reproducer:  repro,
		Novelty:     novelty.VsArchive{},
		Store:       store,
		Lineage:     lin,
		Checkpoints: ckpt,
		Metrics:     m,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	serveMetrics(gctx, g, cfg.Metrics.Addr, reg, log)
	g.Go(func() error {
		defer cancel()
		return drive(gctx, o, cfg, log)
	})
	return g.Wait()
}

// drive seeds the population, runs it, and retracts every niche on the way out.
func drive(ctx context.Context, o *poet.Orchestrator, cfg *config.Config, log *zap.Logger) (err error) {
	defer func() {
		err = errors.Join(err, o.Close(context.Background()))
	}()

	if cfg.Run.StartFrom != "" {
		err = o.Resume(ctx, cfg.Run.StartFrom)
	} else {
		err = o.Bootstrap(ctx)
	}
	if err != nil {
		return err
	}

	log.Info("run started",
		zap.String("log_file", cfg.Run.LogFile),
		zap.Int("iterations", cfg.Run.Iterations),
		zap.Int("niches", o.Len()))
	err = o.Run(ctx, cfg.Run.Iterations, cfg.Run.StepsBeforeTransfer,
		cfg.Run.ProposeWithAdam, cfg.Run.Checkpointing, cfg.Run.ResetOptimizer)
	if errors.Is(err, context.Canceled) {
		log.Info("run interrupted", zap.Int("niches", o.Len()))
		return nil
	}
	return err
}

// newExecutor returns the remote workers when configured, otherwise an in-process pool.
func newExecutor(cfg *config.Config, tbl *noise.Table, factory niche.Factory, log *zap.Logger) (workers.Executor, workers.Publisher, func(), error) {
	if len(cfg.Workers.Remote) > 0 {
		remote, err := transport.Dial(cfg.Workers.Remote, cfg.Workers.MaxInFlight, log)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("using remote workers", zap.Strings("addrs", cfg.Workers.Remote))
		return remote, remote, func() { _ = remote.Close() }, nil
	}
	board := workers.NewBoard()
	pool, err := workers.NewPool(cfg.Workers.NumWorkers, workers.NewRunner(tbl, board, factory), log)
	if err != nil {
		return nil, nil, nil, err
	}
	return pool, board, pool.Close, nil
}

func poetConfig(cfg *config.Config) poet.Config {
	pc := poet.DefaultConfig()
	pc.ES = cfg.ES.ToES()
	pc.Gate = gate.GateConfig{MCLower: cfg.Run.MCLower, MCUpper: cfg.Run.MCUpper}
	pc.ReproThreshold = cfg.Run.ReproThreshold
	pc.MasterSeed = cfg.Run.MasterSeed
	pc.MaxNumEnvs = cfg.Run.MaxNumEnvs
	pc.MaxChildren = cfg.Run.MaxChildren
	pc.MaxAdmitted = cfg.Run.MaxAdmitted
	pc.AdjustInterval = cfg.Run.AdjustInterval
	return pc
}

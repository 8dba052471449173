package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/verystrongjoe/poet/internal/logging"
	"github.com/verystrongjoe/poet/internal/metrics"
	"github.com/verystrongjoe/poet/internal/transport"
	"github.com/verystrongjoe/poet/internal/workers"
)

var workerListen string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve rollouts to a remote orchestrator",
	Long: `Worker runs a local rollout pool behind the gRPC worker service. The noise
and terrain sections of its config must match the orchestrator's.

Examples:
  poet worker --listen :7070`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerListen, "listen", "", "override workers.listen")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, log, tbl, factory, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(log) }()
	if workerListen != "" {
		cfg.Workers.Listen = workerListen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	board := workers.NewBoard()
	pool, err := workers.NewPool(cfg.Workers.NumWorkers, workers.NewRunner(tbl, board, factory), log)
	if err != nil {
		return err
	}
	defer pool.Close()

	lis, err := net.Listen("tcp", cfg.Workers.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Workers.Listen, err)
	}
	srv := grpc.NewServer()
	transport.RegisterWorkerServer(srv, transport.NewServer(board, pool, m, log))

	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, cfg.Metrics.Addr, reg, log)
	g.Go(func() error {
		log.Info("worker listening", zap.String("addr", lis.Addr().String()), zap.Int("num_workers", cfg.Workers.NumWorkers))
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.GracefulStop()
		return nil
	})
	return g.Wait()
}

// Package main implements the poet CLI: the orchestrator (`poet run`) and the
// rollout worker process (`poet worker`).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/verystrongjoe/poet/internal/config"
	"github.com/verystrongjoe/poet/internal/logging"
	"github.com/verystrongjoe/poet/internal/niche"
	"github.com/verystrongjoe/poet/internal/noise"
	"github.com/verystrongjoe/poet/internal/terrain"
)

var (
	// configPath is the YAML file layered under POET_ environment overrides
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "poet",
	Short: "Open-ended co-evolution of environments and agents",
	Long: `poet pairs every environment with an agent optimised by evolution strategies,
periodically mutates environments into harder children, and transfers agents
between environments when one solves another's course better.

Rollouts run in-process unless workers.remote lists worker addresses, in which
case each address must be served by "poet worker" with the same config.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOr("POET_CONFIG", ""), "YAML config file (env POET_CONFIG)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
}

// #region setup
// setup loads the config and builds what both commands share: the logger, the
// noise table and the niche factory.
func setup() (*config.Config, *zap.Logger, *noise.Table, niche.Factory, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	start := time.Now()
	tbl, err := noise.New(cfg.Noise.Seed, cfg.Noise.TableSize())
	if err != nil {
		_ = logging.Sync(log)
		return nil, nil, nil, nil, fmt.Errorf("noise table: %w", err)
	}
	log.Info("noise table ready",
		zap.Int64("seed", cfg.Noise.Seed),
		zap.Int("count", cfg.Noise.TableSize()),
		zap.Duration("elapsed", time.Since(start)))
	return cfg, log, tbl, terrain.Factory(cfg.Terrain.ToOptions()), nil
}

// serveMetrics exposes reg on addr until ctx is done. An empty addr serves nothing.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, log *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// #endregion setup

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers

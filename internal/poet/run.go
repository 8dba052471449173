package poet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// #region run
// Run drives the co-evolution loop for iterations iterations. Each iteration adjusts the
// population on its cadence, steps every niche, and every transferEvery iterations runs
// transfers and saves snapshots. ctx is checked between iterations only.
func (o *Orchestrator) Run(ctx context.Context, iterations, transferEvery int, proposeWithAdam, checkpointing, resetOptimizer bool) error {
	if transferEvery < 1 {
		return fmt.Errorf("run: transfer interval %d", transferEvery)
	}
	if len(o.order) == 0 {
		return errors.New("run: no active niches, bootstrap or resume first")
	}
	adjustEvery := o.cfg.AdjustInterval * transferEvery

	for iteration := 0; iteration < iterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		o.iteration = iteration

		if err := o.AdjustPopulation(ctx, iteration, adjustEvery, o.cfg.MaxNumEnvs, o.cfg.MaxChildren, o.cfg.MaxAdmitted); err != nil {
			return fmt.Errorf("iteration %d: %w", iteration, err)
		}

		for _, opt := range o.ordered() {
			opt.CleanBeforeIteration()
		}
		if err := o.StepAll(ctx, iteration); err != nil {
			return fmt.Errorf("iteration %d: %w", iteration, err)
		}

		if iteration%transferEvery == 0 {
			if len(o.order) > 1 {
				if err := o.Transfer(ctx, proposeWithAdam, checkpointing, resetOptimizer); err != nil {
					return fmt.Errorf("iteration %d: %w", iteration, err)
				}
			}
			if err := o.saveSnapshots(iteration); err != nil {
				return fmt.Errorf("iteration %d: %w", iteration, err)
			}
		}

		o.deps.Metrics.Iteration(time.Since(start))
		o.log.Debug("iteration done", zap.Int("iteration", iteration), zap.Int("active", len(o.order)), zap.Duration("elapsed", time.Since(start)))
	}
	return nil
}

// saveSnapshots persists every niche's theta and refreshes the resume manifest.
func (o *Orchestrator) saveSnapshots(iteration int) error {
	for _, opt := range o.ordered() {
		if err := opt.SaveSnapshot(iteration); err != nil {
			return err
		}
	}
	if o.deps.Checkpoints != nil {
		return o.deps.Checkpoints.WriteManifest(o.OptimizerIDs())
	}
	return nil
}

// #endregion run

package niche

import (
	"context"
	"fmt"
	"math/rand/v2"
)

// #region contract
// Niche runs episodes of one environment for a given policy parameter vector.
// Rollout must be safe for concurrent use by multiple workers.
type Niche interface {
	Rollout(ctx context.Context, theta []float32, rng *rand.Rand, eval bool) (ret float64, length int, err error)
	InitialTheta() []float32
}

// Factory builds the Niche for an environment and seed.
type Factory func(env EnvConfig, seed int64) (Niche, error)

// #endregion contract

// #region rollout-batch
// RolloutBatch runs one episode per theta in input order, drawing from rng sequentially.
// len(thetas) must equal batchSize.
func RolloutBatch(ctx context.Context, n Niche, thetas [][]float32, batchSize int, rng *rand.Rand, eval bool) ([]float64, []int, error) {
	if len(thetas) != batchSize {
		return nil, nil, fmt.Errorf("rollout batch: %d thetas for batch size %d", len(thetas), batchSize)
	}
	returns := make([]float64, batchSize)
	lengths := make([]int, batchSize)
	for i, theta := range thetas {
		r, l, err := n.Rollout(ctx, theta, rng, eval)
		if err != nil {
			return nil, nil, fmt.Errorf("rollout %d: %w", i, err)
		}
		returns[i], lengths[i] = r, l
	}
	return returns, lengths, nil
}

// #endregion rollout-batch

// NewRand returns the PCG stream used for a niche or task seed.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
}

package es

import (
	"errors"
	"fmt"
)

// #region config
// Config holds the ES hyperparameters shared by every niche's optimizer.
type Config struct {
	LearningRate float64
	LRDecay      float64
	LRLimit      float64

	NoiseStd   float64
	NoiseDecay float64
	NoiseLimit float64

	L2Coeff float64

	BatchesPerChunk    int // step tasks dispatched per ES step
	BatchSize          int // antithetic pairs per step task
	EvalBatchesPerStep int // eval tasks dispatched per evaluation
	EvalBatchSize      int // rollouts per eval task

	NormalizeGradsByNoiseStd bool
	ReturnsNormalization     string // "centered_ranks" | "normal"
	Optimizer                string // "adam" | "sgd"
	MaxStepNorm              float64
	MaxThetaNorm             float64

	// EvaluateProposals also scores one propose-only ES step from each source
	// theta in EvaluateBestTransfer.
	EvaluateProposals bool
}

// DefaultConfig mirrors the hyperparameters of the reference POET runs.
func DefaultConfig() Config {
	return Config{
		LearningRate:             0.01,
		LRDecay:                  0.9999,
		LRLimit:                  0.001,
		NoiseStd:                 0.1,
		NoiseDecay:               0.999,
		NoiseLimit:               0.01,
		L2Coeff:                  0.01,
		BatchesPerChunk:          16,
		BatchSize:                16,
		EvalBatchesPerStep:       5,
		EvalBatchSize:            1,
		NormalizeGradsByNoiseStd: false,
		ReturnsNormalization:     "centered_ranks",
		Optimizer:                "adam",
		MaxStepNorm:              0,
		MaxThetaNorm:             1e4,
		EvaluateProposals:        true,
	}
}

// Validate rejects configurations the optimizer cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning rate must be positive, got %g", c.LearningRate))
	}
	if c.NoiseStd <= 0 {
		errs = append(errs, fmt.Errorf("noise std must be positive, got %g", c.NoiseStd))
	}
	if c.BatchesPerChunk < 1 || c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("step batches %dx%d must be positive", c.BatchesPerChunk, c.BatchSize))
	}
	if c.EvalBatchesPerStep < 1 || c.EvalBatchSize < 1 {
		errs = append(errs, fmt.Errorf("eval batches %dx%d must be positive", c.EvalBatchesPerStep, c.EvalBatchSize))
	}
	switch c.ReturnsNormalization {
	case "centered_ranks", "normal":
	default:
		errs = append(errs, fmt.Errorf("unknown returns normalization %q", c.ReturnsNormalization))
	}
	switch c.Optimizer {
	case "adam", "sgd":
	default:
		errs = append(errs, fmt.Errorf("unknown optimizer %q", c.Optimizer))
	}
	return errors.Join(errs...)
}

// #endregion config

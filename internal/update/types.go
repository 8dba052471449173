package update

// #region update-config
// UpdateConfig holds the step size and Adam constants for a parameter optimizer.
type UpdateConfig struct {
	StepSize    float64 // learning rate
	Beta1       float64 // Adam first-moment decay (default 0.9)
	Beta2       float64 // Adam second-moment decay (default 0.999)
	Epsilon     float64 // Adam denominator guard (default 1e-8)
	MaxStepNorm float64 // L2 clamp on a single step (0 = disabled)
}

// DefaultUpdateConfig returns the constants used by the ES optimizers.
func DefaultUpdateConfig() UpdateConfig {
	return UpdateConfig{
		StepSize:    0.01,
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		MaxStepNorm: 0,
	}
}

// #endregion update-config

// #region metrics
// Metrics captures telemetry from one parameter update.
type Metrics struct {
	StepNorm    float32
	UpdateRatio float32 // |step| / |theta|
	Clamped     bool
}

// #endregion metrics

// #region update-result
// UpdateResult bundles the new parameters with their metrics.
type UpdateResult struct {
	Theta   []float32
	Metrics Metrics
}

// #endregion update-result

// #region optimizer
// Optimizer turns a descent direction into a parameter step.
// Update advances internal state; Propose computes the same step without touching it.
type Optimizer interface {
	Update(theta, grad []float32) UpdateResult
	Propose(theta, grad []float32) UpdateResult
	SetStepSize(stepSize float64)
	Reset()
}

// #endregion optimizer

package eval

// #region eval-config
// EvalConfig holds thresholds for the theta health check.
type EvalConfig struct {
	MaxThetaNorm float32 // reject if theta L2 norm exceeds this (0 = disabled)
	MaxAbsValue  float32 // reject if any single weight exceeds this in magnitude (0 = disabled)
}

// DefaultEvalConfig returns the thresholds used by the ES optimizers.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		MaxThetaNorm: 1e4,
		MaxAbsValue:  0,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name  string
	Value float32
	Pass  bool
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of a theta health check.
type EvalResult struct {
	Passed  bool
	Metrics []EvalMetric
	Reason  string
}

// #endregion eval-result

// #region stats
// Stats summarises the returns of a batch of noise-free evaluation rollouts.
type Stats struct {
	Mean    float64
	Median  float64
	Std     float64
	Min     float64
	Max     float64
	LenMean float64
	LenStd  float64
	N       int
}

// #endregion stats

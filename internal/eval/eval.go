package eval

import (
	"fmt"
	"math"
	"slices"
)

// #region eval-harness
// EvalHarness validates parameter vectors after an update.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run checks theta for non-finite values, norm blow-up, and oversized weights.
func (h *EvalHarness) Run(theta []float32) EvalResult {
	var metrics []EvalMetric
	passed := true
	var failReasons []string

	// 1. Finite values
	nonFinite := 0
	for _, x := range theta {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			nonFinite++
		}
	}
	metrics = append(metrics, EvalMetric{Name: "non_finite", Value: float32(nonFinite), Pass: nonFinite == 0})
	if nonFinite > 0 {
		passed = false
		failReasons = append(failReasons, fmt.Sprintf("%d non-finite weights", nonFinite))
	}

	// 2. L2 norm bound
	norm := vectorNorm(theta)
	normPass := h.config.MaxThetaNorm <= 0 || norm <= h.config.MaxThetaNorm
	metrics = append(metrics, EvalMetric{Name: "theta_norm", Value: norm, Pass: normPass})
	if !normPass {
		passed = false
		failReasons = append(failReasons, fmt.Sprintf("theta norm %.4f exceeds %.4f", norm, h.config.MaxThetaNorm))
	}

	// 3. Largest single weight
	var maxAbs float32
	for _, x := range theta {
		maxAbs = max(maxAbs, float32(math.Abs(float64(x))))
	}
	absPass := h.config.MaxAbsValue <= 0 || maxAbs <= h.config.MaxAbsValue
	metrics = append(metrics, EvalMetric{Name: "max_abs", Value: maxAbs, Pass: absPass})
	if !absPass {
		passed = false
		failReasons = append(failReasons, fmt.Sprintf("max weight %.4f exceeds %.4f", maxAbs, h.config.MaxAbsValue))
	}

	reason := "all checks passed"
	if !passed {
		reason = fmt.Sprintf("eval failed: %s", failReasons[0])
		if len(failReasons) > 1 {
			reason = fmt.Sprintf("eval failed: %d checks: %s", len(failReasons), failReasons[0])
		}
	}

	return EvalResult{
		Passed:  passed,
		Metrics: metrics,
		Reason:  reason,
	}
}

// #endregion eval-harness

// #region summarize
// Summarize computes Stats over evaluation returns and episode lengths.
func Summarize(returns []float64, lengths []int) Stats {
	s := Stats{N: len(returns)}
	if len(returns) == 0 {
		return s
	}
	s.Mean, s.Std = meanStd(returns)
	sorted := slices.Clone(returns)
	slices.Sort(sorted)
	s.Min, s.Max = sorted[0], sorted[len(sorted)-1]
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		s.Median = sorted[mid]
	} else {
		s.Median = (sorted[mid-1] + sorted[mid]) / 2
	}

	if len(lengths) > 0 {
		ls := make([]float64, len(lengths))
		for i, l := range lengths {
			ls[i] = float64(l)
		}
		s.LenMean, s.LenStd = meanStd(ls)
	}
	return s
}

// #endregion summarize

// #region helpers
// vectorNorm computes the L2 norm of theta.
func vectorNorm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}

// meanStd returns the mean and population standard deviation of xs.
func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

// #endregion helpers

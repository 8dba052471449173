package update

import (
	"fmt"
	"math"
)

// #region constructor
// New returns the optimizer named kind ("adam" or "sgd").
func New(kind string, config UpdateConfig) (Optimizer, error) {
	switch kind {
	case "adam", "":
		return NewAdam(config), nil
	case "sgd":
		return NewSGD(config), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", kind)
	}
}

// #endregion constructor

// #region adam
// Adam keeps first and second moment estimates across updates.
type Adam struct {
	config UpdateConfig
	m, v   []float64
	t      int
}

// NewAdam creates an Adam optimizer with zeroed moments.
func NewAdam(config UpdateConfig) *Adam {
	return &Adam{config: config}
}

func (a *Adam) SetStepSize(stepSize float64) { a.config.StepSize = stepSize }

// Reset clears the moment estimates and the step counter.
func (a *Adam) Reset() {
	a.m, a.v, a.t = nil, nil, 0
}

// Update applies one Adam step along -grad and advances the moments.
func (a *Adam) Update(theta, grad []float32) UpdateResult {
	if len(a.m) != len(theta) {
		a.m = make([]float64, len(theta))
		a.v = make([]float64, len(theta))
		a.t = 0
	}
	a.t++
	step := adamStep(a.config, a.m, a.v, a.t, grad)
	return apply(theta, step, a.config.MaxStepNorm)
}

// Propose returns the step Update would take, leaving moments untouched.
func (a *Adam) Propose(theta, grad []float32) UpdateResult {
	m := make([]float64, len(theta))
	v := make([]float64, len(theta))
	if len(a.m) == len(theta) {
		copy(m, a.m)
		copy(v, a.v)
	}
	t := a.t
	if len(a.m) != len(theta) {
		t = 0
	}
	step := adamStep(a.config, m, v, t+1, grad)
	return apply(theta, step, a.config.MaxStepNorm)
}

func adamStep(c UpdateConfig, m, v []float64, t int, grad []float32) []float64 {
	alpha := c.StepSize * math.Sqrt(1-math.Pow(c.Beta2, float64(t))) / (1 - math.Pow(c.Beta1, float64(t)))
	step := make([]float64, len(grad))
	for i, g := range grad {
		gf := float64(g)
		m[i] = c.Beta1*m[i] + (1-c.Beta1)*gf
		v[i] = c.Beta2*v[i] + (1-c.Beta2)*gf*gf
		step[i] = -alpha * m[i] / (math.Sqrt(v[i]) + c.Epsilon)
	}
	return step
}

// #endregion adam

// #region sgd
// SGD takes plain gradient steps and holds no state beyond the step size.
type SGD struct {
	config UpdateConfig
}

// NewSGD creates a plain gradient-descent optimizer.
func NewSGD(config UpdateConfig) *SGD {
	return &SGD{config: config}
}

func (s *SGD) SetStepSize(stepSize float64) { s.config.StepSize = stepSize }
func (s *SGD) Reset()                       {}

func (s *SGD) Update(theta, grad []float32) UpdateResult {
	return s.Propose(theta, grad)
}

func (s *SGD) Propose(theta, grad []float32) UpdateResult {
	step := make([]float64, len(grad))
	for i, g := range grad {
		step[i] = -s.config.StepSize * float64(g)
	}
	return apply(theta, step, s.config.MaxStepNorm)
}

// #endregion sgd

// #region helpers
// apply adds step to a copy of theta, clamping the step's L2 norm to maxNorm when set.
func apply(theta []float32, step []float64, maxNorm float64) UpdateResult {
	var sumSq float64
	for _, s := range step {
		sumSq += s * s
	}
	norm := math.Sqrt(sumSq)

	clamped := false
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / norm
		for i := range step {
			step[i] *= scale
		}
		norm = maxNorm
		clamped = true
	}

	out := make([]float32, len(theta))
	var thetaSq float64
	for i, x := range theta {
		out[i] = x + float32(step[i])
		thetaSq += float64(x) * float64(x)
	}

	ratio := 0.0
	if thetaSq > 0 {
		ratio = norm / math.Sqrt(thetaSq)
	}
	return UpdateResult{
		Theta: out,
		Metrics: Metrics{
			StepNorm:    float32(norm),
			UpdateRatio: float32(ratio),
			Clamped:     clamped,
		},
	}
}

// #endregion helpers

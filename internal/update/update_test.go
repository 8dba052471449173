package update

import (
	"math"
	"testing"
)

func TestSGDStepsAgainstGradient(t *testing.T) {
	opt := NewSGD(UpdateConfig{StepSize: 0.5})
	result := opt.Update([]float32{1, 2}, []float32{2, -4})

	want := []float32{0, 4}
	for i := range want {
		if result.Theta[i] != want[i] {
			t.Fatalf("index %d: expected %f, got %f", i, want[i], result.Theta[i])
		}
	}
	if result.Metrics.Clamped {
		t.Fatal("step should not be clamped")
	}
}

func TestAdamFirstStepIsStepSizeInMagnitude(t *testing.T) {
	cfg := DefaultUpdateConfig()
	cfg.StepSize = 0.1
	opt := NewAdam(cfg)

	result := opt.Update([]float32{0, 0, 0}, []float32{3, -0.001, 50})
	// Bias-corrected first Adam step is -stepsize * sign(g) for every coordinate.
	want := []float32{-0.1, 0.1, -0.1}
	for i := range want {
		if math.Abs(float64(result.Theta[i]-want[i])) > 1e-4 {
			t.Fatalf("index %d: expected %f, got %f", i, want[i], result.Theta[i])
		}
	}
}

func TestAdamProposeDoesNotAdvanceState(t *testing.T) {
	opt := NewAdam(DefaultUpdateConfig())
	theta := []float32{1, 1}
	grad := []float32{0.5, -0.5}

	opt.Update(theta, grad)
	m, v, step := append([]float64(nil), opt.m...), append([]float64(nil), opt.v...), opt.t

	p1 := opt.Propose(theta, grad)
	p2 := opt.Propose(theta, grad)
	for i := range p1.Theta {
		if p1.Theta[i] != p2.Theta[i] {
			t.Fatalf("propose not repeatable at %d", i)
		}
	}
	if opt.t != step {
		t.Fatalf("step counter moved: %d -> %d", step, opt.t)
	}
	for i := range m {
		if opt.m[i] != m[i] || opt.v[i] != v[i] {
			t.Fatalf("moments moved at %d", i)
		}
	}

	// The proposal matches what the next real update produces.
	next := opt.Update(theta, grad)
	for i := range next.Theta {
		if next.Theta[i] != p1.Theta[i] {
			t.Fatalf("index %d: update %f != proposal %f", i, next.Theta[i], p1.Theta[i])
		}
	}
}

func TestAdamReset(t *testing.T) {
	opt := NewAdam(DefaultUpdateConfig())
	first := opt.Update([]float32{0}, []float32{1})
	opt.Update([]float32{0}, []float32{-1})
	opt.Reset()
	again := opt.Update([]float32{0}, []float32{1})
	if first.Theta[0] != again.Theta[0] {
		t.Fatalf("expected reset to reproduce first step: %f vs %f", first.Theta[0], again.Theta[0])
	}
}

func TestStepNormClamp(t *testing.T) {
	opt := NewSGD(UpdateConfig{StepSize: 1, MaxStepNorm: 1})
	result := opt.Update([]float32{0, 0}, []float32{3, 4})

	if !result.Metrics.Clamped {
		t.Fatal("expected clamped step")
	}
	if math.Abs(float64(result.Metrics.StepNorm)-1) > 1e-6 {
		t.Fatalf("expected step norm 1, got %f", result.Metrics.StepNorm)
	}
	if math.Abs(float64(result.Theta[0])+0.6) > 1e-6 || math.Abs(float64(result.Theta[1])+0.8) > 1e-6 {
		t.Fatalf("unexpected clamped theta %v", result.Theta)
	}
}

func TestNewByName(t *testing.T) {
	if _, err := New("adam", DefaultUpdateConfig()); err != nil {
		t.Fatalf("adam: %v", err)
	}
	if _, err := New("sgd", DefaultUpdateConfig()); err != nil {
		t.Fatalf("sgd: %v", err)
	}
	if _, err := New("lbfgs", DefaultUpdateConfig()); err == nil {
		t.Fatal("expected error for unknown optimizer")
	}
}

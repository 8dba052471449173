package gate

import (
	"math"
	"testing"

	"github.com/verystrongjoe/poet/internal/niche"
)

func activeSet(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func TestMinimalCriterionBoundsAreInclusive(t *testing.T) {
	g := NewGate(GateConfig{MCLower: 25, MCUpper: 340})

	cases := []struct {
		score float64
		want  bool
	}{
		{24.99, false},
		{25, true},
		{200, true},
		{340, true},
		{340.01, false},
		{math.NaN(), false},
	}
	for _, c := range cases {
		if got := g.PassMinimalCriterion(c.score); got != c.want {
			t.Fatalf("score %v: expected %v, got %v", c.score, c.want, got)
		}
	}
}

func TestPassDedup(t *testing.T) {
	g := NewGate(DefaultGateConfig())
	active := activeSet("flat")

	if g.PassDedup(niche.NewEnvConfig("flat"), active) {
		t.Fatal("expected active name to fail dedup")
	}
	if !g.PassDedup(niche.NewEnvConfig("r0.2"), active) {
		t.Fatal("expected new name to pass dedup")
	}
}

func TestGateAdmitsCleanCandidate(t *testing.T) {
	g := NewGate(DefaultGateConfig())

	decision := g.Evaluate(niche.NewEnvConfig("r0.2"), activeSet("flat"), 120)

	if decision.Action != "admit" {
		t.Fatalf("expected admit, got %s: %s", decision.Action, decision.Reason)
	}
	if decision.Vetoed {
		t.Fatal("should not be vetoed")
	}
}

func TestGateRejectsTooHard(t *testing.T) {
	g := NewGate(DefaultGateConfig())

	decision := g.Evaluate(niche.NewEnvConfig("r0.2"), activeSet(), -50)

	if decision.Action != "reject" {
		t.Fatalf("expected reject, got %s", decision.Action)
	}
	if decision.VetoSignals[0].Type != VetoTooHard {
		t.Fatalf("expected VetoTooHard, got %s", decision.VetoSignals[0].Type)
	}
}

func TestGateRejectsTooEasy(t *testing.T) {
	g := NewGate(DefaultGateConfig())

	decision := g.Evaluate(niche.NewEnvConfig("r0.2"), activeSet(), 400)

	if decision.VetoSignals[0].Type != VetoTooEasy {
		t.Fatalf("expected VetoTooEasy, got %+v", decision.VetoSignals)
	}
}

func TestGateCollectsEveryVeto(t *testing.T) {
	g := NewGate(DefaultGateConfig())

	decision := g.Evaluate(niche.NewEnvConfig("flat"), activeSet("flat"), math.Inf(1))

	if len(decision.VetoSignals) != 2 {
		t.Fatalf("expected 2 vetoes, got %d", len(decision.VetoSignals))
	}
	if decision.VetoSignals[0].Type != VetoDuplicate || decision.VetoSignals[1].Type != VetoNonFinite {
		t.Fatalf("unexpected vetoes: %+v", decision.VetoSignals)
	}
	want := "veto: niche flat already active"
	if decision.Reason != want {
		t.Fatalf("expected reason %q, got %q", want, decision.Reason)
	}
}

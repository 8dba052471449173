package gate

import (
	"fmt"
	"math"

	"github.com/verystrongjoe/poet/internal/niche"
)

// #region gate
// Gate decides whether a candidate environment may join the active population.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	return &Gate{config: config}
}

// Config returns the gate's bounds.
func (g *Gate) Config() GateConfig { return g.config }

// PassDedup reports whether no active niche already carries env's name.
func (g *Gate) PassDedup(env niche.EnvConfig, active func(name string) bool) bool {
	return !active(env.Name())
}

// PassMinimalCriterion reports whether score lies within [MCLower, MCUpper].
func (g *Gate) PassMinimalCriterion(score float64) bool {
	return score >= g.config.MCLower && score <= g.config.MCUpper
}

// Evaluate runs the dedup check, then the minimal criterion, and collects every veto.
func (g *Gate) Evaluate(env niche.EnvConfig, active func(name string) bool, score float64) GateDecision {
	var vetoes []VetoSignal

	if !g.PassDedup(env, active) {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoDuplicate,
			Reason: fmt.Sprintf("niche %s already active", env.Name()),
		})
	}

	switch {
	case math.IsNaN(score) || math.IsInf(score, 0):
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoNonFinite,
			Reason: fmt.Sprintf("score %v is not finite", score),
		})
	case score < g.config.MCLower:
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoTooHard,
			Reason: fmt.Sprintf("score %.4f below lower bound %.4f", score, g.config.MCLower),
		})
	case score > g.config.MCUpper:
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoTooEasy,
			Reason: fmt.Sprintf("score %.4f above upper bound %.4f", score, g.config.MCUpper),
		})
	}

	if len(vetoes) > 0 {
		return GateDecision{
			Action:      "reject",
			Reason:      fmt.Sprintf("veto: %s", vetoes[0].Reason),
			Vetoed:      true,
			VetoSignals: vetoes,
			Score:       score,
		}
	}
	return GateDecision{
		Action: "admit",
		Reason: fmt.Sprintf("passed gate: score=%.4f", score),
		Score:  score,
	}
}

// #endregion gate

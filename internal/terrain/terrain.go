package terrain

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/verystrongjoe/poet/internal/niche"
)

// #region options
const (
	ObsDim   = 5
	ActDim   = 2
	ThetaDim = ObsDim*ActDim + ActDim

	fallPenalty   = 100.0
	courseReward  = 300.0
	stepClearance = 0.35
)

// Options shapes the generated course and the episode budget.
type Options struct {
	Length     int     // number of cells in the course
	MaxSteps   int     // episode step budget
	Stochastic bool    // add observation noise to non-eval rollouts
	InitScale  float64 // std of the initial theta; zero gives all-zero weights
}

// DefaultOptions returns the course used by cmd/poet when nothing is configured.
func DefaultOptions() Options {
	return Options{Length: 120, MaxSteps: 300, Stochastic: false, InitScale: 0.1}
}

// #endregion options

// #region course
// Niche is a one-dimensional obstacle course walked by a linear policy.
type Niche struct {
	env     niche.EnvConfig
	seed    int64
	opts    Options
	heights []float64
	pits    []bool
}

type obstacle int

const (
	obstaclePit obstacle = iota
	obstacleStump
	obstacleStairs
)

// New generates the course for env deterministically from seed.
func New(env niche.EnvConfig, seed int64, opts Options) (*Niche, error) {
	if opts.Length < 16 {
		return nil, fmt.Errorf("terrain: course length %d too short", opts.Length)
	}
	if opts.MaxSteps <= 0 {
		return nil, fmt.Errorf("terrain: max steps %d", opts.MaxSteps)
	}
	n := &Niche{
		env:     env,
		seed:    seed,
		opts:    opts,
		heights: make([]float64, opts.Length),
		pits:    make([]bool, opts.Length),
	}
	n.generate(niche.NewRand(seed))
	return n, nil
}

// Factory adapts New to niche.Factory.
func Factory(opts Options) niche.Factory {
	return func(env niche.EnvConfig, seed int64) (niche.Niche, error) {
		return New(env, seed, opts)
	}
}

func sampleRange(rng *rand.Rand, r []float64) float64 {
	switch len(r) {
	case 0:
		return 0
	case 1:
		return r[0]
	default:
		return r[0] + rng.Float64()*(r[1]-r[0])
	}
}

func (n *Niche) generate(rng *rand.Rand) {
	var kinds []obstacle
	if len(n.env.PitGap()) > 0 {
		kinds = append(kinds, obstaclePit)
	}
	if len(n.env.StumpHeight()) > 0 {
		kinds = append(kinds, obstacleStump)
	}
	if len(n.env.StairHeight()) > 0 && len(n.env.StairSteps()) > 0 {
		kinds = append(kinds, obstacleStairs)
	}

	roughness := n.env.GroundRoughness()
	level := 0.0
	for i := range n.heights {
		if i > 0 && roughness > 0 {
			level += (rng.Float64()*2 - 1) * roughness * 0.05
		}
		n.heights[i] = level
	}
	if len(kinds) == 0 {
		return
	}

	// Keep the start and the last cells clear.
	for i := 10; i < len(n.heights)-6; {
		i += 6 + rng.IntN(6)
		if i >= len(n.heights)-6 {
			break
		}
		switch kinds[rng.IntN(len(kinds))] {
		case obstaclePit:
			width := max(1, int(math.Ceil(sampleRange(rng, n.env.PitGap()))))
			for c := i; c < min(i+width, len(n.pits)-6); c++ {
				n.pits[c] = true
			}
			i += width
		case obstacleStump:
			h := sampleRange(rng, n.env.StumpHeight())
			w := max(1, int(math.Round(sampleRange(rng, n.env.StumpWidth()))))
			h += sampleRange(rng, n.env.StumpFloat())
			for c := i; c < min(i+w, len(n.heights)-6); c++ {
				n.heights[c] += h
			}
			i += w
		case obstacleStairs:
			h := sampleRange(rng, n.env.StairHeight())
			steps := max(1, int(math.Round(sampleRange(rng, n.env.StairSteps()))))
			w := max(1, int(math.Round(sampleRange(rng, n.env.StairWidth()))))
			up := rng.IntN(2) == 0
			rise := 0.0
			c := i
			for s := 0; s < steps && c < len(n.heights)-6; s++ {
				if up {
					rise += h
				} else {
					rise -= h
				}
				for k := 0; k < w && c < len(n.heights)-6; k++ {
					n.heights[c] += rise
					c++
				}
			}
			for ; c < len(n.heights); c++ {
				n.heights[c] += rise
			}
			i = c
		}
	}
}

// #endregion course

// #region rollout
// InitialTheta returns the seed-derived starting policy.
func (n *Niche) InitialTheta() []float32 {
	theta := make([]float32, ThetaDim)
	if n.opts.InitScale == 0 {
		return theta
	}
	rng := niche.NewRand(n.seed + 1)
	for i := range theta {
		theta[i] = float32(rng.NormFloat64() * n.opts.InitScale)
	}
	return theta
}

func (n *Niche) observe(x, v float64, airborne int) [ObsDim]float64 {
	c := min(int(x), len(n.heights)-1)
	next := min(c+1, len(n.heights)-1)
	far := min(c+3, len(n.heights)-1)
	pitAhead := 0.0
	for k := c + 1; k <= far; k++ {
		if n.pits[k] {
			pitAhead = 1
			break
		}
	}
	air := 0.0
	if airborne > 0 {
		air = 1
	}
	return [ObsDim]float64{
		n.heights[next] - n.heights[c],
		n.heights[far] - n.heights[c],
		pitAhead,
		v,
		air,
	}
}

func policy(theta []float32, obs [ObsDim]float64) [ActDim]float64 {
	var act [ActDim]float64
	for a := 0; a < ActDim; a++ {
		sum := float64(theta[ObsDim*ActDim+a])
		for o := 0; o < ObsDim; o++ {
			sum += float64(theta[a*ObsDim+o]) * obs[o]
		}
		act[a] = math.Tanh(sum)
	}
	return act
}

// Rollout walks the course once. Reaching the end scores courseReward; falling into a pit costs fallPenalty.
func (n *Niche) Rollout(ctx context.Context, theta []float32, rng *rand.Rand, eval bool) (float64, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if len(theta) != ThetaDim {
		return 0, 0, fmt.Errorf("terrain: theta dim %d, want %d", len(theta), ThetaDim)
	}

	last := float64(len(n.heights) - 1)
	x, v, energy := 0.0, 0.0, 0.0
	airborne := 0
	jumpHeight := 0.0
	fell := false
	steps := 0
	for steps < n.opts.MaxSteps && x < last {
		steps++
		obs := n.observe(x, v, airborne)
		if n.opts.Stochastic && !eval {
			for i := range obs {
				obs[i] += rng.NormFloat64() * 0.05
			}
		}
		act := policy(theta, obs)
		thrust, jump := act[0], act[1]

		v = math.Max(-1, math.Min(2, 0.8*v+0.4*thrust))
		energy += 0.01 * thrust * thrust
		if airborne == 0 && jump > 0.5 {
			airborne = 3
			jumpHeight = 1.5 * jump
			energy += 0.05
		}

		clearance := stepClearance
		if airborne > 0 {
			clearance = jumpHeight
		}
		next := math.Max(0, math.Min(last, x+v))
		for c := int(x) + 1; c <= int(next); c++ {
			if n.heights[c]-n.heights[c-1] > clearance {
				next = float64(c) - 0.01
				v = 0
				break
			}
		}
		x = next
		if airborne > 0 {
			airborne--
		}
		if airborne == 0 && n.pits[int(x)] {
			fell = true
			break
		}
	}

	ret := courseReward*x/last - energy
	if fell {
		ret -= fallPenalty
	}
	return ret, steps, nil
}

// #endregion rollout

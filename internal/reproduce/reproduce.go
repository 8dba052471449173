// Package reproduce draws parents and mutates their environments into children.
package reproduce

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/verystrongjoe/poet/internal/niche"
)

var (
	ErrNoParents       = errors.New("reproduce: no parents")
	ErrUnknownCategory = errors.New("reproduce: unknown category")
)

// Mutation categories.
const (
	CategoryRoughness = "roughness"
	CategoryPit       = "pit"
	CategoryStump     = "stump"
	CategoryStair     = "stair"
)

// #region config
// Config bounds how far one mutation may move each terrain parameter.
type Config struct {
	Categories    []string
	RoughnessStep float64
	MaxRoughness  float64
	PitStep       float64
	MaxPitGap     float64
	StumpStep     float64
	MaxStump      float64
	StairStep     float64
	MaxStair      float64
	MaxStairSteps float64
}

// DefaultConfig enables every category.
func DefaultConfig() Config {
	return Config{
		Categories:    []string{CategoryRoughness, CategoryPit, CategoryStump, CategoryStair},
		RoughnessStep: 0.6,
		MaxRoughness:  10,
		PitStep:       0.4,
		MaxPitGap:     8,
		StumpStep:     0.2,
		MaxStump:      5,
		StairStep:     0.2,
		MaxStair:      5,
		MaxStairSteps: 9,
	}
}

func (c Config) validate() error {
	if len(c.Categories) == 0 {
		return errors.New("reproduce: no categories enabled")
	}
	for _, cat := range c.Categories {
		switch cat {
		case CategoryRoughness, CategoryPit, CategoryStump, CategoryStair:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownCategory, cat)
		}
	}
	return nil
}

// #endregion config

// #region reproducer
// Reproducer is seeded once; every Pick and Mutate draws from the same stream.
type Reproducer struct {
	cfg Config
	rng *rand.Rand
}

// New validates cfg and seeds the reproducer.
func New(cfg Config, seed int64) (*Reproducer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Reproducer{cfg: cfg, rng: niche.NewRand(seed)}, nil
}

// Pick draws one parent id uniformly.
func (r *Reproducer) Pick(parentIDs []string) (string, error) {
	if len(parentIDs) == 0 {
		return "", ErrNoParents
	}
	return parentIDs[r.rng.IntN(len(parentIDs))], nil
}

// Mutate returns a child of parent with every enabled category perturbed.
// The child is named after its parameters, so identical terrains share a name.
func (r *Reproducer) Mutate(parent niche.EnvConfig) (niche.EnvConfig, error) {
	p := params{
		roughness:   parent.GroundRoughness(),
		pitGap:      parent.PitGap(),
		stumpWidth:  parent.StumpWidth(),
		stumpHeight: parent.StumpHeight(),
		stumpFloat:  parent.StumpFloat(),
		stairHeight: parent.StairHeight(),
		stairWidth:  parent.StairWidth(),
		stairSteps:  parent.StairSteps(),
	}
	for _, cat := range r.cfg.Categories {
		switch cat {
		case CategoryRoughness:
			p.roughness = clamp(round1(p.roughness+r.uniform(r.cfg.RoughnessStep)), 0, r.cfg.MaxRoughness)
		case CategoryPit:
			p.pitGap = r.shift(p.pitGap, []float64{0, 0.8}, r.cfg.PitStep, r.cfg.MaxPitGap)
		case CategoryStump:
			p.stumpHeight = r.shift(p.stumpHeight, []float64{0.1, 0.4}, r.cfg.StumpStep, r.cfg.MaxStump)
			if len(p.stumpWidth) == 0 {
				p.stumpWidth = []float64{1, 2}
			}
		case CategoryStair:
			p.stairHeight = r.shift(p.stairHeight, []float64{0.1, 0.4}, r.cfg.StairStep, r.cfg.MaxStair)
			p.stairSteps = r.shiftSteps(p.stairSteps)
			if len(p.stairWidth) == 0 {
				p.stairWidth = []float64{4, 5}
			}
		}
	}
	return p.build(), nil
}

func (r *Reproducer) uniform(step float64) float64 {
	return (r.rng.Float64()*2 - 1) * step
}

// shift moves both bounds of a [low, high] range, or seeds it with init when empty.
func (r *Reproducer) shift(bounds, init []float64, step, limit float64) []float64 {
	if len(bounds) < 2 {
		return slices.Clone(init)
	}
	lo := clamp(round1(bounds[0]+r.uniform(step)), 0, limit)
	hi := clamp(round1(bounds[1]+r.uniform(step)), 0, limit)
	return []float64{min(lo, hi), max(lo, hi)}
}

func (r *Reproducer) shiftSteps(bounds []float64) []float64 {
	if len(bounds) < 2 {
		return []float64{1, 2}
	}
	lo := clamp(bounds[0]+float64(r.rng.IntN(3)-1), 1, r.cfg.MaxStairSteps)
	hi := clamp(bounds[1]+float64(r.rng.IntN(3)-1), 1, r.cfg.MaxStairSteps)
	return []float64{min(lo, hi), max(lo, hi)}
}

// #endregion reproducer

// #region naming
type params struct {
	roughness   float64
	pitGap      []float64
	stumpWidth  []float64
	stumpHeight []float64
	stumpFloat  []float64
	stairHeight []float64
	stairWidth  []float64
	stairSteps  []float64
}

func (p params) build() niche.EnvConfig {
	opts := []niche.Option{
		niche.WithGroundRoughness(p.roughness),
		niche.WithPitGap(p.pitGap...),
		niche.WithStumpWidth(p.stumpWidth...),
		niche.WithStumpHeight(p.stumpHeight...),
		niche.WithStumpFloat(p.stumpFloat...),
		niche.WithStairHeight(p.stairHeight...),
		niche.WithStairWidth(p.stairWidth...),
		niche.WithStairSteps(p.stairSteps...),
	}
	return niche.NewEnvConfig(p.name(), opts...)
}

// name encodes the parameters, e.g. "r0.6.p0.8_1.2.b1_0.1_0.4".
func (p params) name() string {
	var b strings.Builder
	b.WriteString("r" + num(p.roughness))
	if len(p.pitGap) > 0 {
		b.WriteString(".p" + join(p.pitGap))
	}
	if len(p.stumpHeight) > 0 {
		b.WriteString(".b" + join(append(firstOf(p.stumpWidth), p.stumpHeight...)))
	}
	if len(p.stumpFloat) > 0 {
		b.WriteString(".f" + join(p.stumpFloat))
	}
	if len(p.stairHeight) > 0 {
		b.WriteString(".s" + join(append(firstOf(p.stairWidth), p.stairHeight...)))
		if len(p.stairSteps) > 0 {
			b.WriteString(".n" + join(p.stairSteps))
		}
	}
	return b.String()
}

func firstOf(v []float64) []float64 {
	if len(v) == 0 {
		return nil
	}
	return []float64{v[0]}
}

func join(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = num(x)
	}
	return strings.Join(parts, "_")
}

func num(x float64) string { return strconv.FormatFloat(x, 'f', -1, 64) }

func round1(x float64) float64 { return math.Round(x*10) / 10 }

func clamp(x, lo, hi float64) float64 { return max(lo, min(hi, x)) }

// #endregion naming

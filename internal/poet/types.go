package poet

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/verystrongjoe/poet/internal/checkpoint"
	"github.com/verystrongjoe/poet/internal/es"
	"github.com/verystrongjoe/poet/internal/gate"
	"github.com/verystrongjoe/poet/internal/lineage"
	"github.com/verystrongjoe/poet/internal/metrics"
	"github.com/verystrongjoe/poet/internal/niche"
	"github.com/verystrongjoe/poet/internal/noise"
	"github.com/verystrongjoe/poet/internal/novelty"
	"github.com/verystrongjoe/poet/internal/state"
	"github.com/verystrongjoe/poet/internal/workers"
)

var (
	ErrDuplicateNiche = errors.New("poet: niche already registered")
	ErrUnknownNiche   = errors.New("poet: unknown niche")
)

// childSeedRange bounds the seeds drawn for new children.
const childSeedRange = 1_000_000

// #region collaborators
// Reproducer selects a parent and mutates its environment.
type Reproducer interface {
	Pick(parentIDs []string) (string, error)
	Mutate(parent niche.EnvConfig) (niche.EnvConfig, error)
}

// NoveltyScorer rates how far candidate lies from the archive; higher is more novel.
type NoveltyScorer interface {
	NoveltyVsArchive(archive []niche.EnvConfig, candidate niche.EnvConfig, k int) float64
}

// #endregion collaborators

// #region child
// Child is a candidate environment drawn from a parent. It is never persisted unless admitted.
type Child struct {
	Env      niche.EnvConfig
	Seed     int64
	ParentID string
	Novelty  float64
}

// #endregion child

// #region config
// Config holds the population-level settings of a run.
type Config struct {
	ES             es.Config
	Gate           gate.GateConfig
	ReproThreshold float64
	MasterSeed     int64
	MaxNumEnvs     int // 0 disables eviction
	MaxChildren    int
	MaxAdmitted    int
	AdjustInterval int // in transfer periods
	NoveltyK       int
}

// DefaultConfig returns the settings of the reference runs.
func DefaultConfig() Config {
	return Config{
		ES:             es.DefaultConfig(),
		Gate:           gate.DefaultGateConfig(),
		ReproThreshold: 200,
		MasterSeed:     24582922,
		MaxNumEnvs:     20,
		MaxChildren:    8,
		MaxAdmitted:    1,
		AdjustInterval: 4,
		NoveltyK:       novelty.DefaultK,
	}
}

// Validate rejects settings the orchestrator cannot run with.
func (c Config) Validate() error {
	var errs []error
	if err := c.ES.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Gate.MCLower > c.Gate.MCUpper {
		errs = append(errs, fmt.Errorf("mc lower %g exceeds mc upper %g", c.Gate.MCLower, c.Gate.MCUpper))
	}
	if c.MaxNumEnvs < 0 {
		errs = append(errs, fmt.Errorf("max envs must be >= 0, got %d", c.MaxNumEnvs))
	}
	if c.MaxChildren < 1 || c.MaxAdmitted < 1 {
		errs = append(errs, fmt.Errorf("max children %d and max admitted %d must be >= 1", c.MaxChildren, c.MaxAdmitted))
	}
	if c.AdjustInterval < 1 {
		errs = append(errs, fmt.Errorf("adjust interval must be >= 1, got %d", c.AdjustInterval))
	}
	if c.NoveltyK < 1 {
		errs = append(errs, fmt.Errorf("novelty k must be >= 1, got %d", c.NoveltyK))
	}
	return errors.Join(errs...)
}

// #endregion config

// #region deps
// Deps are the orchestrator's collaborators. Store, Lineage, Checkpoints and Metrics are optional.
type Deps struct {
	Noise      *noise.Table
	Executor   workers.Executor
	Publisher  workers.Publisher
	Factory    niche.Factory
	Reproducer Reproducer
	Novelty    NoveltyScorer

	Store       *state.Store
	Lineage     *lineage.Store
	Checkpoints *checkpoint.Writer
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

func (d Deps) validate() error {
	var missing []string
	if d.Noise == nil {
		missing = append(missing, "noise table")
	}
	if d.Executor == nil {
		missing = append(missing, "executor")
	}
	if d.Publisher == nil {
		missing = append(missing, "publisher")
	}
	if d.Factory == nil {
		missing = append(missing, "niche factory")
	}
	if d.Reproducer == nil {
		missing = append(missing, "reproducer")
	}
	if d.Novelty == nil {
		missing = append(missing, "novelty scorer")
	}
	if len(missing) > 0 {
		return fmt.Errorf("poet deps: missing %v", missing)
	}
	return nil
}

// #endregion deps

// #region admit-options
type admission struct {
	trigger  string
	parentID string
	record   *AdmissionInfo
}

// AdmissionInfo is the gate context written to provenance with an admission.
type AdmissionInfo struct {
	Score   float64
	Novelty float64
	Reason  string
}

// AdmitOption annotates an AddOptimizer call for provenance and lineage.
type AdmitOption func(*admission)

// WithTrigger names what caused the admission (bootstrap, resume, adjust).
func WithTrigger(t string) AdmitOption { return func(a *admission) { a.trigger = t } }

// WithParent records the niche the environment was mutated from.
func WithParent(id string) AdmitOption { return func(a *admission) { a.parentID = id } }

// WithGate attaches the scores the admission gate saw.
func WithGate(info AdmissionInfo) AdmitOption { return func(a *admission) { a.record = &info } }

// #endregion admit-options

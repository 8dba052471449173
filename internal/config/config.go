// Package config loads the run configuration from YAML and POET_ environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/verystrongjoe/poet/internal/es"
	"github.com/verystrongjoe/poet/internal/logging"
	"github.com/verystrongjoe/poet/internal/noise"
	"github.com/verystrongjoe/poet/internal/reproduce"
	"github.com/verystrongjoe/poet/internal/terrain"
)

// Config is the complete configuration of a run or a worker process.
type Config struct {
	Run       RunConfig       `koanf:"run"`
	ES        ESConfig        `koanf:"es"`
	Noise     NoiseConfig     `koanf:"noise"`
	Workers   WorkersConfig   `koanf:"workers"`
	Storage   StorageConfig   `koanf:"storage"`
	Logging   logging.Config  `koanf:"logging"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Terrain   TerrainConfig   `koanf:"terrain"`
	Reproduce ReproduceConfig `koanf:"reproduce"`
}

// RunConfig drives the orchestrator loop.
type RunConfig struct {
	LogFile             string  `koanf:"log_file"`   // run directory for env, theta and manifest files
	StartFrom           string  `koanf:"start_from"` // manifest to resume from
	MasterSeed          int64   `koanf:"master_seed"`
	Iterations          int     `koanf:"iterations"`
	StepsBeforeTransfer int     `koanf:"steps_before_transfer"`
	AdjustInterval      int     `koanf:"adjust_interval"`
	ReproThreshold      float64 `koanf:"repro_threshold"`
	MCLower             float64 `koanf:"mc_lower"`
	MCUpper             float64 `koanf:"mc_upper"`
	MaxNumEnvs          int     `koanf:"max_num_envs"`
	MaxChildren         int     `koanf:"max_children"`
	MaxAdmitted         int     `koanf:"max_admitted"`
	ProposeWithAdam     bool    `koanf:"propose_with_adam"`
	Checkpointing       bool    `koanf:"checkpointing"`
	ResetOptimizer      bool    `koanf:"reset_optimizer"`
}

// ESConfig mirrors es.Config.
type ESConfig struct {
	LearningRate             float64 `koanf:"learning_rate"`
	LRDecay                  float64 `koanf:"lr_decay"`
	LRLimit                  float64 `koanf:"lr_limit"`
	NoiseStd                 float64 `koanf:"noise_std"`
	NoiseDecay               float64 `koanf:"noise_decay"`
	NoiseLimit               float64 `koanf:"noise_limit"`
	L2Coeff                  float64 `koanf:"l2_coeff"`
	BatchesPerChunk          int     `koanf:"batches_per_chunk"`
	BatchSize                int     `koanf:"batch_size"`
	EvalBatchesPerStep       int     `koanf:"eval_batches_per_step"`
	EvalBatchSize            int     `koanf:"eval_batch_size"`
	NormalizeGradsByNoiseStd bool    `koanf:"normalize_grads_by_noise_std"`
	ReturnsNormalization     string  `koanf:"returns_normalization"`
	Optimizer                string  `koanf:"optimizer"`
	MaxStepNorm              float64 `koanf:"max_step_norm"`
	MaxThetaNorm             float64 `koanf:"max_theta_norm"`
	EvaluateProposals        bool    `koanf:"evaluate_proposals"`
}

// NoiseConfig sizes the shared noise table.
type NoiseConfig struct {
	Seed  int64 `koanf:"seed"`
	Count int   `koanf:"count"`
	Debug bool  `koanf:"debug"` // use the small table regardless of Count
}

// WorkersConfig selects local or remote rollout execution.
type WorkersConfig struct {
	NumWorkers  int      `koanf:"num_workers"`
	Remote      []string `koanf:"remote"`        // worker addresses; empty runs in-process
	MaxInFlight int      `koanf:"max_in_flight"` // concurrent RPCs per remote executor
	Listen      string   `koanf:"listen"`        // address served by `poet worker`
}

// StorageConfig locates the run database.
type StorageConfig struct {
	DBPath string `koanf:"db_path"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// TerrainConfig mirrors terrain.Options.
type TerrainConfig struct {
	Length     int     `koanf:"length"`
	MaxSteps   int     `koanf:"max_steps"`
	Stochastic bool    `koanf:"stochastic"`
	InitScale  float64 `koanf:"init_scale"`
}

// ReproduceConfig mirrors reproduce.Config.
type ReproduceConfig struct {
	Categories    []string `koanf:"categories"`
	RoughnessStep float64  `koanf:"roughness_step"`
	MaxRoughness  float64  `koanf:"max_roughness"`
	PitStep       float64  `koanf:"pit_step"`
	MaxPitGap     float64  `koanf:"max_pit_gap"`
	StumpStep     float64  `koanf:"stump_step"`
	MaxStump      float64  `koanf:"max_stump"`
	StairStep     float64  `koanf:"stair_step"`
	MaxStair      float64  `koanf:"max_stair"`
	MaxStairSteps float64  `koanf:"max_stair_steps"`
}

// Default returns the configuration used when neither file nor environment sets a key.
func Default() Config {
	e := es.DefaultConfig()
	r := reproduce.DefaultConfig()
	t := terrain.DefaultOptions()
	return Config{
		Run: RunConfig{
			LogFile:             "runs/poet",
			MasterSeed:          24582922,
			Iterations:          200,
			StepsBeforeTransfer: 25,
			AdjustInterval:      4,
			ReproThreshold:      200,
			MCLower:             25,
			MCUpper:             340,
			MaxNumEnvs:          20,
			MaxChildren:         8,
			MaxAdmitted:         1,
			ProposeWithAdam:     true,
			Checkpointing:       false,
			ResetOptimizer:      true,
		},
		ES: ESConfig{
			LearningRate:             e.LearningRate,
			LRDecay:                  e.LRDecay,
			LRLimit:                  e.LRLimit,
			NoiseStd:                 e.NoiseStd,
			NoiseDecay:               e.NoiseDecay,
			NoiseLimit:               e.NoiseLimit,
			L2Coeff:                  e.L2Coeff,
			BatchesPerChunk:          e.BatchesPerChunk,
			BatchSize:                e.BatchSize,
			EvalBatchesPerStep:       e.EvalBatchesPerStep,
			EvalBatchSize:            e.EvalBatchSize,
			NormalizeGradsByNoiseStd: e.NormalizeGradsByNoiseStd,
			ReturnsNormalization:     e.ReturnsNormalization,
			Optimizer:                e.Optimizer,
			MaxStepNorm:              e.MaxStepNorm,
			MaxThetaNorm:             e.MaxThetaNorm,
			EvaluateProposals:        e.EvaluateProposals,
		},
		Noise:   NoiseConfig{Seed: noise.DefaultSeed, Count: noise.DefaultCount},
		Workers: WorkersConfig{NumWorkers: 4, MaxInFlight: 64, Listen: ":7070"},
		Logging: logging.DefaultConfig(),
		Terrain: TerrainConfig{
			Length:     t.Length,
			MaxSteps:   t.MaxSteps,
			Stochastic: t.Stochastic,
			InitScale:  t.InitScale,
		},
		Reproduce: ReproduceConfig{
			Categories:    r.Categories,
			RoughnessStep: r.RoughnessStep,
			MaxRoughness:  r.MaxRoughness,
			PitStep:       r.PitStep,
			MaxPitGap:     r.MaxPitGap,
			StumpStep:     r.StumpStep,
			MaxStump:      r.MaxStump,
			StairStep:     r.StairStep,
			MaxStair:      r.MaxStair,
			MaxStairSteps: r.MaxStairSteps,
		},
	}
}

// #region conversions
func (c ESConfig) ToES() es.Config {
	return es.Config{
		LearningRate:             c.LearningRate,
		LRDecay:                  c.LRDecay,
		LRLimit:                  c.LRLimit,
		NoiseStd:                 c.NoiseStd,
		NoiseDecay:               c.NoiseDecay,
		NoiseLimit:               c.NoiseLimit,
		L2Coeff:                  c.L2Coeff,
		BatchesPerChunk:          c.BatchesPerChunk,
		BatchSize:                c.BatchSize,
		EvalBatchesPerStep:       c.EvalBatchesPerStep,
		EvalBatchSize:            c.EvalBatchSize,
		NormalizeGradsByNoiseStd: c.NormalizeGradsByNoiseStd,
		ReturnsNormalization:     c.ReturnsNormalization,
		Optimizer:                c.Optimizer,
		MaxStepNorm:              c.MaxStepNorm,
		MaxThetaNorm:             c.MaxThetaNorm,
		EvaluateProposals:        c.EvaluateProposals,
	}
}

func (c TerrainConfig) ToOptions() terrain.Options {
	return terrain.Options{Length: c.Length, MaxSteps: c.MaxSteps, Stochastic: c.Stochastic, InitScale: c.InitScale}
}

func (c ReproduceConfig) ToReproduce() reproduce.Config {
	return reproduce.Config{
		Categories:    c.Categories,
		RoughnessStep: c.RoughnessStep,
		MaxRoughness:  c.MaxRoughness,
		PitStep:       c.PitStep,
		MaxPitGap:     c.MaxPitGap,
		StumpStep:     c.StumpStep,
		MaxStump:      c.MaxStump,
		StairStep:     c.StairStep,
		MaxStair:      c.MaxStair,
		MaxStairSteps: c.MaxStairSteps,
	}
}

// TableSize is the number of noise values to allocate.
func (c NoiseConfig) TableSize() int {
	if c.Debug {
		return noise.DebugCount
	}
	return c.Count
}

// DBPath returns the configured database path, defaulting to poet.db inside the run directory.
func (c Config) DBPath() string {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath
	}
	return filepath.Join(c.Run.LogFile, "poet.db")
}

// #endregion conversions

// #region validate
// Validate checks every section and reports all problems at once.
func (c Config) Validate() error {
	var errs []error
	r := c.Run
	if r.LogFile == "" {
		errs = append(errs, errors.New("run.log_file is required"))
	}
	if r.Iterations < 0 {
		errs = append(errs, fmt.Errorf("run.iterations must be >= 0, got %d", r.Iterations))
	}
	if r.StepsBeforeTransfer < 1 || r.AdjustInterval < 1 {
		errs = append(errs, fmt.Errorf("run.steps_before_transfer (%d) and run.adjust_interval (%d) must be >= 1", r.StepsBeforeTransfer, r.AdjustInterval))
	}
	if r.MCLower > r.MCUpper {
		errs = append(errs, fmt.Errorf("run.mc_lower %g exceeds run.mc_upper %g", r.MCLower, r.MCUpper))
	}
	if r.MaxNumEnvs < 0 {
		errs = append(errs, fmt.Errorf("run.max_num_envs must be >= 0, got %d", r.MaxNumEnvs))
	}
	if r.MaxChildren < 1 || r.MaxAdmitted < 1 {
		errs = append(errs, fmt.Errorf("run.max_children (%d) and run.max_admitted (%d) must be >= 1", r.MaxChildren, r.MaxAdmitted))
	}
	if err := c.ES.ToES().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("es: %w", err))
	}
	if c.Noise.TableSize() < 1 {
		errs = append(errs, fmt.Errorf("noise.count must be positive, got %d", c.Noise.Count))
	}
	if len(c.Workers.Remote) == 0 && c.Workers.NumWorkers < 1 {
		errs = append(errs, fmt.Errorf("workers.num_workers must be >= 1 without remote workers, got %d", c.Workers.NumWorkers))
	}
	if c.Workers.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("workers.max_in_flight must be >= 1, got %d", c.Workers.MaxInFlight))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Terrain.Length < 16 || c.Terrain.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("terrain length %d / max_steps %d too small", c.Terrain.Length, c.Terrain.MaxSteps))
	}
	if len(c.Reproduce.Categories) == 0 {
		errs = append(errs, errors.New("reproduce.categories must not be empty"))
	}
	return errors.Join(errs...)
}

// #endregion validate

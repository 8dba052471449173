package workers

import (
	"context"
	"errors"

	"github.com/verystrongjoe/poet/internal/niche"
)

var (
	ErrTaskConsumed = errors.New("workers: task already consumed")
	ErrPoolClosed   = errors.New("workers: pool closed")
	ErrNotPublished = errors.New("workers: niche not published")
	ErrUnknownJob   = errors.New("workers: unknown job kind")
)

// #region job
// Kind selects the workload a job runs.
type Kind string

const (
	KindStep Kind = "step" // antithetic perturbation rollouts
	KindEval Kind = "eval" // noise-free rollouts of one theta
)

// Job is one unit of rollout work. Theta is a snapshot owned by the job.
type Job struct {
	Kind      Kind
	OptimID   string
	Theta     []float32
	BatchSize int
	NoiseStd  float64
	Seed      int64
}

// Result carries what a job produced. Step jobs fill the perturbation fields,
// eval jobs fill EvalReturns and EvalLengths.
type Result struct {
	NoiseInds   []int
	ReturnsPos  []float64
	ReturnsNeg  []float64
	LengthsPos  []int
	LengthsNeg  []int
	EvalReturns []float64
	EvalLengths []int
}

// #endregion job

// #region niche-spec
// NicheSpec is what workers need to rebuild a niche locally.
type NicheSpec struct {
	OptimID string
	Env     niche.EnvConfig
	Seed    int64
}

// #endregion niche-spec

// #region interfaces
// Handler executes a job synchronously.
type Handler interface {
	Run(ctx context.Context, job Job) (Result, error)
}

// Executor accepts jobs without blocking and returns a handle to their result.
type Executor interface {
	Submit(job Job) *Task
}

// Publisher makes niche specs visible to workers. Publish must return before any
// job referencing the spec is submitted.
type Publisher interface {
	Publish(ctx context.Context, spec NicheSpec) error
	Retract(ctx context.Context, optimID string) error
}

// #endregion interfaces

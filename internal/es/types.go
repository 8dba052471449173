package es

import (
	"errors"
	"time"

	"github.com/verystrongjoe/poet/internal/workers"
)

var (
	ErrUnhealthyTheta = errors.New("es: theta failed health check")
	// ErrUnhealthyProposal marks a propose-only step whose theta failed the health check.
	// Callers drop the candidate; the optimizer itself is unaffected.
	ErrUnhealthyProposal = errors.New("es: proposal failed health check")
	ErrNoSources         = errors.New("es: no source optimizers")
)

// Transfer tags.
const (
	TagTheta    = "theta"
	TagProposal = "proposal"
)

// #region handles
// StepHandle is returned by StartStep and consumed by GetStep.
type StepHandle struct {
	tasks    []*workers.Task
	theta    []float32
	noiseStd float64
	started  time.Time
}

// EvalHandle is returned by StartThetaEval and consumed by GetThetaEval.
type EvalHandle struct {
	tasks   []*workers.Task
	started time.Time
}

// #endregion handles

// #region stats
// StepStats summarises the perturbed rollouts of one ES step.
type StepStats struct {
	POReturnsMean   float64
	POReturnsMedian float64
	POReturnsStd    float64
	POReturnsMax    float64
	POReturnsMin    float64
	POThetaMax      []float32
	Episodes        int
	StepNorm        float32
	UpdateRatio     float32
	Elapsed         time.Duration
}

// TransferRecord is one candidate theta scored in this optimizer's environment.
type TransferRecord struct {
	SourceID string
	Tag      string
	Theta    []float32
	Score    float64
}

// Checkpoint is the best (theta, score) seen while checkpointing is enabled.
type Checkpoint struct {
	Theta []float32
	Score float64
}

// #endregion stats

// #region sink
// SnapshotSink persists per-niche logging snapshots.
type SnapshotSink interface {
	SaveSnapshot(optimID string, iteration int, theta []float32, score float64) error
}

// #endregion sink

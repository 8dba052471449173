package state

import (
	"errors"
	"time"

	"github.com/verystrongjoe/poet/internal/niche"
)

var ErrNotFound = errors.New("state: not found")

// Niche statuses.
const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// #region niche-record
// NicheRecord is one row of the niches table: an environment admitted to the run.
type NicheRecord struct {
	OptimID       string
	Env           niche.EnvConfig
	Seed          int64
	CreatedAtIter int
	ParentID      string
	Status        string
	AdmittedAt    time.Time
	DeletedAt     time.Time // zero while active
}

// #endregion niche-record

// #region archive-entry
// ArchiveEntry is an environment ever admitted, in admission order.
type ArchiveEntry struct {
	OptimID    string
	Env        niche.EnvConfig
	Position   int
	ArchivedAt time.Time
}

// #endregion archive-entry

// #region theta-snapshot
// ThetaSnapshot is a persisted copy of a niche's parameters.
type ThetaSnapshot struct {
	SnapshotID string
	OptimID    string
	Iteration  int
	Theta      []float32
	Score      float64
	CreatedAt  time.Time
}

// #endregion theta-snapshot

// #region iteration-stat
// IterationStat is the per-niche summary written after each ES step.
type IterationStat struct {
	Iteration     int
	OptimID       string
	SelfEval      float64
	POReturnsMax  float64
	POReturnsMean float64
	Episodes      int
	LearningRate  float64
	NoiseStd      float64
	CreatedAt     time.Time
}

// #endregion iteration-stat

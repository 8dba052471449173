package noise

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// #region constants
const (
	DefaultSeed  int64 = 42
	DefaultCount       = 250_000_000
	DebugCount         = 1_000_000
)

var (
	ErrInvalidCount = errors.New("noise: count must be positive")
	ErrOutOfBounds  = errors.New("noise: index out of bounds")
)

// #endregion constants

// #region table
// Table is a read-only block of standard-normal float32 values shared by every
// rollout worker in the process. Remote workers rebuild it from (seed, count).
type Table struct {
	seed  int64
	noise []float32
}

// New fills a table of count values drawn from a PCG stream seeded with seed.
// Identical seed and count always produce identical contents.
func New(seed int64, count int) (*Table, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	rng := rand.New(rand.NewPCG(uint64(seed), 0))
	buf := make([]float32, count)
	for i := range buf {
		buf[i] = float32(rng.NormFloat64())
	}
	return &Table{seed: seed, noise: buf}, nil
}

// Get returns the slice [index, index+dim). The result aliases the table and must not be mutated.
func (t *Table) Get(index, dim int) ([]float32, error) {
	if index < 0 || dim < 0 || index+dim > len(t.noise) {
		return nil, fmt.Errorf("%w: index=%d dim=%d count=%d", ErrOutOfBounds, index, dim, len(t.noise))
	}
	return t.noise[index : index+dim : index+dim], nil
}

// SampleIndex draws a start index uniformly from [0, count-dim], so Get(index, dim) is always valid.
func (t *Table) SampleIndex(rng *rand.Rand, dim int) (int, error) {
	if dim < 0 || dim > len(t.noise) {
		return 0, fmt.Errorf("%w: dim=%d count=%d", ErrOutOfBounds, dim, len(t.noise))
	}
	return rng.IntN(len(t.noise) - dim + 1), nil
}

// Len returns the number of values in the table.
func (t *Table) Len() int { return len(t.noise) }

// Seed returns the seed the table was built from.
func (t *Table) Seed() int64 { return t.seed }

// SizeBytes reports the memory held by the table.
func (t *Table) SizeBytes() int64 { return int64(len(t.noise)) * 4 }

// #endregion table

package shaping

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

var (
	ErrLengthMismatch = errors.New("shaping: weights and vectors differ in length")
	ErrRagged         = errors.New("shaping: rows differ in length")
)

// #region ranks
// ComputeRanks returns the ascending rank of each element of x in [0, len(x)).
// Equal values keep their input order.
func ComputeRanks(x []float64) []int {
	order := make([]int, len(x))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(x[a], x[b]) })

	ranks := make([]int, len(x))
	for rank, i := range order {
		ranks[i] = rank
	}
	return ranks
}

// ComputeCenteredRanks maps x onto [-0.5, 0.5] by rank. A single element maps to 0.
func ComputeCenteredRanks(x []float64) []float32 {
	out := make([]float32, len(x))
	if len(x) < 2 {
		return out
	}
	denom := float32(len(x) - 1)
	for i, r := range ComputeRanks(x) {
		out[i] = float32(r)/denom - 0.5
	}
	return out
}

// ComputeCenteredRanksMatrix ranks every cell of x jointly and keeps the row layout.
func ComputeCenteredRanksMatrix(x [][]float64) ([][]float32, error) {
	if len(x) == 0 {
		return nil, nil
	}
	width := len(x[0])
	flat := make([]float64, 0, len(x)*width)
	for i, row := range x {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d, want %d", ErrRagged, i, len(row), width)
		}
		flat = append(flat, row...)
	}

	centered := ComputeCenteredRanks(flat)
	out := make([][]float32, len(x))
	for i := range out {
		out[i] = centered[i*width : (i+1)*width : (i+1)*width]
	}
	return out, nil
}

// #endregion ranks

// #region weighted-sum
// BatchedWeightedSum returns sum(weights[i] * vecs[i]) and the number of items summed,
// accumulating at most batchSize products per chunk.
func BatchedWeightedSum(weights []float32, vecs [][]float32, batchSize int) ([]float32, int, error) {
	if len(weights) != len(vecs) {
		return nil, 0, fmt.Errorf("%w: %d weights, %d vectors", ErrLengthMismatch, len(weights), len(vecs))
	}
	if batchSize < 1 {
		return nil, 0, fmt.Errorf("batched weighted sum: batch size %d", batchSize)
	}
	if len(vecs) == 0 {
		return nil, 0, nil
	}

	dim := len(vecs[0])
	total := make([]float32, dim)
	chunk := make([]float32, dim)
	count := 0
	for start := 0; start < len(vecs); start += batchSize {
		end := min(start+batchSize, len(vecs))
		clear(chunk)
		for i := start; i < end; i++ {
			if len(vecs[i]) != dim {
				return nil, 0, fmt.Errorf("batched weighted sum: vector %d has dim %d, want %d", i, len(vecs[i]), dim)
			}
			w := weights[i]
			for j, v := range vecs[i] {
				chunk[j] += w * v
			}
		}
		for j := range total {
			total[j] += chunk[j]
		}
		count += end - start
	}
	return total, count, nil
}

// #endregion weighted-sum

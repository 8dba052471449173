package shaping

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeRanks(t *testing.T) {
	assert.Equal(t, []int{2, 0, 1}, ComputeRanks([]float64{5, 1, 3}))
	assert.Equal(t, []int{1, 2, 0}, ComputeRanks([]float64{2, 2, 1}))
	assert.Empty(t, ComputeRanks(nil))
}

func TestComputeCenteredRanksRangeAndOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 0))
	x := make([]float64, 257)
	for i := range x {
		x[i] = rng.NormFloat64() * 1e6
	}
	got := ComputeCenteredRanks(x)
	require.Len(t, got, len(x))

	var lo, hi float32 = 1, -1
	for i := range got {
		assert.GreaterOrEqual(t, got[i], float32(-0.5))
		assert.LessOrEqual(t, got[i], float32(0.5))
		lo = min(lo, got[i])
		hi = max(hi, got[i])
		for j := range got {
			if x[i] < x[j] {
				require.Less(t, got[i], got[j])
			}
		}
	}
	assert.Equal(t, float32(-0.5), lo)
	assert.Equal(t, float32(0.5), hi)
}

func TestComputeCenteredRanksSingle(t *testing.T) {
	assert.Equal(t, []float32{0}, ComputeCenteredRanks([]float64{42}))
	assert.Empty(t, ComputeCenteredRanks(nil))
}

func TestComputeCenteredRanksMatrix(t *testing.T) {
	got, err := ComputeCenteredRanksMatrix([][]float64{{4, 1}, {3, 2}})
	require.NoError(t, err)
	want := [][]float64{{0.5, -0.5}, {1.0 / 6, -1.0 / 6}}
	require.Len(t, got, 2)
	for i := range want {
		require.Len(t, got[i], 2)
		for j := range want[i] {
			assert.InDelta(t, want[i][j], float64(got[i][j]), 1e-6)
		}
	}

	_, err = ComputeCenteredRanksMatrix([][]float64{{1, 2}, {3}})
	assert.ErrorIs(t, err, ErrRagged)
}

func TestBatchedWeightedSum(t *testing.T) {
	weights := []float32{1, 2, 3}
	vecs := [][]float32{{10}, {20}, {30}}
	for _, batch := range []int{1, 2, 3, 5} {
		total, count, err := BatchedWeightedSum(weights, vecs, batch)
		require.NoError(t, err)
		assert.Equal(t, []float32{140}, total, "batch %d", batch)
		assert.Equal(t, 3, count, "batch %d", batch)
	}
}

func TestBatchedWeightedSumMatchesDirect(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 9))
	n, dim := 1003, 7
	weights := make([]float32, n)
	vecs := make([][]float32, n)
	want := make([]float64, dim)
	for i := range vecs {
		weights[i] = float32(rng.NormFloat64())
		vecs[i] = make([]float32, dim)
		for j := range vecs[i] {
			vecs[i][j] = float32(rng.NormFloat64())
			want[j] += float64(weights[i]) * float64(vecs[i][j])
		}
	}
	total, count, err := BatchedWeightedSum(weights, vecs, 500)
	require.NoError(t, err)
	assert.Equal(t, n, count)
	for j := range want {
		assert.InDelta(t, want[j], float64(total[j]), 1e-2)
	}
}

func TestBatchedWeightedSumErrors(t *testing.T) {
	_, _, err := BatchedWeightedSum([]float32{1, 2}, [][]float32{{1}}, 2)
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, _, err = BatchedWeightedSum([]float32{1}, [][]float32{{1}}, 0)
	assert.Error(t, err)

	_, _, err = BatchedWeightedSum([]float32{1, 1}, [][]float32{{1, 2}, {1}}, 2)
	assert.Error(t, err)
}

package niche

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNiche struct {
	draws []float64
	fail  int
}

func (r *recordingNiche) Rollout(_ context.Context, theta []float32, rng *rand.Rand, _ bool) (float64, int, error) {
	if r.fail > 0 && len(r.draws)+1 == r.fail {
		return 0, 0, errors.New("boom")
	}
	d := rng.Float64()
	r.draws = append(r.draws, d)
	return float64(theta[0]) + d, len(r.draws), nil
}

func (r *recordingNiche) InitialTheta() []float32 { return []float32{0} }

func TestRolloutBatchConsumesStreamSequentially(t *testing.T) {
	thetas := [][]float32{{1}, {2}, {3}}
	n := &recordingNiche{}
	returns, lengths, err := RolloutBatch(context.Background(), n, thetas, 3, NewRand(9), false)
	require.NoError(t, err)

	ref := NewRand(9)
	for i := range thetas {
		d := ref.Float64()
		assert.Equal(t, d, n.draws[i])
		assert.Equal(t, float64(thetas[i][0])+d, returns[i])
		assert.Equal(t, i+1, lengths[i])
	}
}

func TestRolloutBatchSizeMismatch(t *testing.T) {
	_, _, err := RolloutBatch(context.Background(), &recordingNiche{}, [][]float32{{1}}, 2, NewRand(1), true)
	assert.Error(t, err)
}

func TestRolloutBatchPropagatesFailure(t *testing.T) {
	n := &recordingNiche{fail: 2}
	_, _, err := RolloutBatch(context.Background(), n, [][]float32{{1}, {2}, {3}}, 3, NewRand(1), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollout 1")
}

func TestEnvConfigIdentityIsName(t *testing.T) {
	a := NewEnvConfig("x", WithGroundRoughness(1), WithPitGap(0.1, 0.2))
	b := NewEnvConfig("x", WithGroundRoughness(5))
	c := NewEnvConfig("y", WithGroundRoughness(1), WithPitGap(0.1, 0.2))

	assert.True(t, a.Equal(b))
	assert.False(t, a.SameParams(b))
	assert.False(t, a.Equal(c))
}

func TestEnvConfigAccessorsCopy(t *testing.T) {
	src := []float64{0.5, 0.8}
	e := NewEnvConfig("p", WithPitGap(src...))
	src[0] = 9
	got := e.PitGap()
	got[1] = 9
	assert.Equal(t, []float64{0.5, 0.8}, e.PitGap())
}

func TestDefaultEnv(t *testing.T) {
	e := DefaultEnv()
	assert.Equal(t, "flat", e.Name())
	assert.Zero(t, e.GroundRoughness())
	assert.Empty(t, e.PitGap())
	assert.Empty(t, e.StairSteps())
	assert.Len(t, e.Vector(), VectorLen)
}

func TestEnvConfigJSONLayout(t *testing.T) {
	data, err := json.Marshal(DefaultEnv())
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"flat","ground_roughness":0,"pit_gap":[],"stump_width":[],"stump_height":[],
		"stump_float":[],"stair_height":[],"stair_width":[],"stair_steps":[]}`, string(data))

	e := NewEnvConfig("r1.5", WithGroundRoughness(1.5), WithStumpHeight(0.2, 0.4), WithStairSteps(3, 5))
	data, err = json.Marshal(e)
	require.NoError(t, err)
	var back EnvConfig
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, e.SameParams(back))

	assert.Error(t, json.Unmarshal([]byte(`{"ground_roughness":1}`), &back))
}

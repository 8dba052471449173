package terrain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verystrongjoe/poet/internal/niche"
)

func thrustOnly(bias float32) []float32 {
	theta := make([]float32, ThetaDim)
	theta[ObsDim*ActDim] = bias
	return theta
}

func TestFlatCourseRewardsForwardThrust(t *testing.T) {
	n, err := New(niche.DefaultEnv(), 1, DefaultOptions())
	require.NoError(t, err)

	ret, length, err := n.Rollout(context.Background(), thrustOnly(1), niche.NewRand(0), true)
	require.NoError(t, err)
	assert.Greater(t, ret, 250.0)
	assert.Less(t, length, DefaultOptions().MaxSteps)

	still, length, err := n.Rollout(context.Background(), make([]float32, ThetaDim), niche.NewRand(0), true)
	require.NoError(t, err)
	assert.InDelta(t, 0, still, 1e-9)
	assert.Equal(t, DefaultOptions().MaxSteps, length)
}

func TestPitsEndEpisodeWithoutJumping(t *testing.T) {
	env := niche.NewEnvConfig("pits", niche.WithPitGap(3, 3))
	n, err := New(env, 4, DefaultOptions())
	require.NoError(t, err)

	ret, _, err := n.Rollout(context.Background(), thrustOnly(1), niche.NewRand(0), true)
	require.NoError(t, err)
	assert.Less(t, ret, 0.0)
}

func TestCourseIsDeterministicPerSeed(t *testing.T) {
	env := niche.NewEnvConfig("mixed", niche.WithGroundRoughness(2), niche.WithStumpHeight(0.2, 0.8), niche.WithPitGap(1, 2))
	a, err := New(env, 77, DefaultOptions())
	require.NoError(t, err)
	b, err := New(env, 77, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, a.heights, b.heights)
	assert.Equal(t, a.pits, b.pits)
	assert.Equal(t, a.InitialTheta(), b.InitialTheta())

	theta := a.InitialTheta()
	r1, l1, err := a.Rollout(context.Background(), theta, niche.NewRand(3), true)
	require.NoError(t, err)
	r2, l2, err := b.Rollout(context.Background(), theta, niche.NewRand(3), true)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.Equal(t, l1, l2)
}

func TestRolloutRejectsWrongTheta(t *testing.T) {
	n, err := New(niche.DefaultEnv(), 1, DefaultOptions())
	require.NoError(t, err)
	_, _, err = n.Rollout(context.Background(), []float32{1}, niche.NewRand(0), false)
	assert.Error(t, err)
}

func TestRolloutHonoursCancelledContext(t *testing.T) {
	n, err := New(niche.DefaultEnv(), 1, DefaultOptions())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = n.Rollout(ctx, thrustOnly(1), niche.NewRand(0), false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFactoryAndOptionsValidation(t *testing.T) {
	f := Factory(DefaultOptions())
	n, err := f(niche.DefaultEnv(), 3)
	require.NoError(t, err)
	assert.Len(t, n.InitialTheta(), ThetaDim)

	_, err = New(niche.DefaultEnv(), 3, Options{Length: 4, MaxSteps: 10})
	assert.Error(t, err)
}

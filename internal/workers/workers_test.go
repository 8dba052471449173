package workers

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verystrongjoe/poet/internal/niche"
	"github.com/verystrongjoe/poet/internal/noise"
)

type handlerFunc func(ctx context.Context, job Job) (Result, error)

func (f handlerFunc) Run(ctx context.Context, job Job) (Result, error) { return f(ctx, job) }

// sumNiche scores a theta by the sum of its entries.
type sumNiche struct{ builds *atomic.Int32 }

func (s sumNiche) Rollout(_ context.Context, theta []float32, _ *rand.Rand, _ bool) (float64, int, error) {
	var sum float64
	for _, v := range theta {
		sum += float64(v)
	}
	return sum, len(theta), nil
}

func (s sumNiche) InitialTheta() []float32 { return make([]float32, 3) }

func testRunner(t *testing.T) (*Runner, *Board, *atomic.Int32) {
	t.Helper()
	tbl, err := noise.New(1, 1000)
	require.NoError(t, err)
	builds := &atomic.Int32{}
	board := NewBoard()
	factory := func(env niche.EnvConfig, seed int64) (niche.Niche, error) {
		builds.Add(1)
		return sumNiche{builds: builds}, nil
	}
	return NewRunner(tbl, board, factory), board, builds
}

func TestPoolRunsJobsAndKeepsResultsApart(t *testing.T) {
	p, err := NewPool(4, handlerFunc(func(_ context.Context, job Job) (Result, error) {
		return Result{EvalReturns: []float64{float64(job.Seed)}}, nil
	}), nil)
	require.NoError(t, err)
	defer p.Close()

	tasks := make([]*Task, 50)
	for i := range tasks {
		tasks[i] = p.Submit(Job{Kind: KindEval, Seed: int64(i)})
	}
	for i := len(tasks) - 1; i >= 0; i-- {
		res, err := tasks[i].Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []float64{float64(i)}, res.EvalReturns)
	}
}

func TestTaskConsumedOnce(t *testing.T) {
	p, err := NewPool(1, handlerFunc(func(context.Context, Job) (Result, error) { return Result{}, nil }), nil)
	require.NoError(t, err)
	defer p.Close()

	task := p.Submit(Job{})
	_, err = task.Wait(context.Background())
	require.NoError(t, err)
	_, err = task.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTaskConsumed)
}

func TestPoolPropagatesErrorsAndPanics(t *testing.T) {
	boom := errors.New("boom")
	p, err := NewPool(2, handlerFunc(func(_ context.Context, job Job) (Result, error) {
		if job.OptimID == "panic" {
			panic("bad rollout")
		}
		return Result{}, boom
	}), nil)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Submit(Job{OptimID: "err"}).Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = p.Submit(Job{OptimID: "panic"}).Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestSubmitDoesNotBlockOnBusyPool(t *testing.T) {
	release := make(chan struct{})
	p, err := NewPool(1, handlerFunc(func(context.Context, Job) (Result, error) {
		<-release
		return Result{}, nil
	}), nil)
	require.NoError(t, err)

	done := make(chan []*Task)
	go func() {
		var ts []*Task
		for i := 0; i < 100; i++ {
			ts = append(ts, p.Submit(Job{}))
		}
		done <- ts
	}()
	var tasks []*Task
	select {
	case tasks = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submit blocked")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tasks[0].Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	p.Close()
	for _, task := range tasks[1:] {
		_, err := task.Wait(context.Background())
		assert.NoError(t, err)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	p, err := NewPool(1, handlerFunc(func(context.Context, Job) (Result, error) { return Result{}, nil }), nil)
	require.NoError(t, err)
	p.Close()
	_, err = p.Submit(Job{}).Wait(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestBoardPublishRetract(t *testing.T) {
	b := NewBoard()
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, NicheSpec{OptimID: "flat", Env: niche.DefaultEnv(), Seed: 1}))
	spec, ok := b.Lookup("flat")
	require.True(t, ok)
	assert.Equal(t, int64(1), spec.Seed)
	assert.Equal(t, 1, b.Len())

	require.NoError(t, b.Retract(ctx, "flat"))
	_, ok = b.Lookup("flat")
	assert.False(t, ok)
	require.NoError(t, b.Retract(ctx, "missing"))
}

func TestBoardNotifiesOnRetract(t *testing.T) {
	b := NewBoard()
	ctx := context.Background()
	var got []string
	b.OnRetract(func(id string) { got = append(got, id) })

	require.NoError(t, b.Publish(ctx, NicheSpec{OptimID: "flat", Env: niche.DefaultEnv()}))
	require.NoError(t, b.Retract(ctx, "flat"))
	require.NoError(t, b.Retract(ctx, "missing"))
	assert.Equal(t, []string{"flat"}, got)
}

func TestRunnerForgetsRetractedNiches(t *testing.T) {
	r, b, builds := testRunner(t)
	ctx := context.Background()
	job := Job{Kind: KindEval, Theta: []float32{1}, BatchSize: 1}

	for i := range 20 {
		job.OptimID = fmt.Sprintf("r%d", i)
		require.NoError(t, b.Publish(ctx, NicheSpec{OptimID: job.OptimID, Env: niche.DefaultEnv(), Seed: int64(i)}))
		_, err := r.Run(ctx, job)
		require.NoError(t, err)
		require.NoError(t, b.Retract(ctx, job.OptimID))
	}
	assert.Equal(t, int32(20), builds.Load())
	r.mu.Lock()
	assert.Empty(t, r.cache)
	r.mu.Unlock()

	// Republishing under a retracted id builds a fresh niche.
	job.OptimID = "r0"
	require.NoError(t, b.Publish(ctx, NicheSpec{OptimID: "r0", Env: niche.DefaultEnv(), Seed: 0}))
	_, err := r.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, int32(21), builds.Load())
	r.mu.Lock()
	assert.Len(t, r.cache, 1)
	r.mu.Unlock()
}

func TestRunnerRequiresPublication(t *testing.T) {
	r, _, _ := testRunner(t)
	_, err := r.Run(context.Background(), Job{Kind: KindEval, OptimID: "flat", Theta: []float32{1}, BatchSize: 1})
	assert.ErrorIs(t, err, ErrNotPublished)
}

func TestRunnerStepIsAntithetic(t *testing.T) {
	r, b, builds := testRunner(t)
	require.NoError(t, b.Publish(context.Background(), NicheSpec{OptimID: "flat", Env: niche.DefaultEnv(), Seed: 3}))

	theta := []float32{1, 2, 3}
	job := Job{Kind: KindStep, OptimID: "flat", Theta: theta, BatchSize: 4, NoiseStd: 0.5, Seed: 99}
	res, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, res.NoiseInds, 4)
	require.Len(t, res.ReturnsPos, 4)
	require.Len(t, res.ReturnsNeg, 4)
	for i := range res.NoiseInds {
		// sum(theta+d) + sum(theta-d) == 2*sum(theta)
		assert.InDelta(t, 12.0, res.ReturnsPos[i]+res.ReturnsNeg[i], 1e-4)
		assert.Equal(t, 3, res.LengthsPos[i])
	}

	again, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, res.NoiseInds, again.NoiseInds)
	assert.Equal(t, int32(1), builds.Load())
}

func TestRunnerEvalAndRebuildOnRepublish(t *testing.T) {
	r, b, builds := testRunner(t)
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, NicheSpec{OptimID: "flat", Env: niche.DefaultEnv(), Seed: 3}))

	res, err := r.Run(ctx, Job{Kind: KindEval, OptimID: "flat", Theta: []float32{1, 1}, BatchSize: 3})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2, 2}, res.EvalReturns)

	require.NoError(t, b.Publish(ctx, NicheSpec{OptimID: "flat", Env: niche.DefaultEnv(), Seed: 4}))
	_, err = r.Run(ctx, Job{Kind: KindEval, OptimID: "flat", Theta: []float32{1}, BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(2), builds.Load())

	_, err = r.Run(ctx, Job{Kind: "dance", OptimID: "flat", Theta: []float32{1}, BatchSize: 1})
	assert.ErrorIs(t, err, ErrUnknownJob)
}

package workers

import (
	"context"
	"fmt"
	"sync"

	"github.com/verystrongjoe/poet/internal/niche"
	"github.com/verystrongjoe/poet/internal/noise"
)

// #region runner
// Runner executes step and eval jobs against niches published on a Board.
// Niches are built once per published spec and shared by all workers.
type Runner struct {
	noise   *noise.Table
	board   *Board
	factory niche.Factory

	mu    sync.Mutex
	cache map[string]cachedNiche
}

type cachedNiche struct {
	spec  NicheSpec
	niche niche.Niche
}

// NewRunner wires the shared noise table, board and niche factory. A niche is dropped
// from the cache when its spec is retracted from board.
func NewRunner(tbl *noise.Table, board *Board, factory niche.Factory) *Runner {
	r := &Runner{noise: tbl, board: board, factory: factory, cache: make(map[string]cachedNiche)}
	board.OnRetract(r.forget)
	return r
}

// Run implements Handler.
func (r *Runner) Run(ctx context.Context, job Job) (Result, error) {
	if job.BatchSize < 1 {
		return Result{}, fmt.Errorf("run %s job for %s: batch size %d", job.Kind, job.OptimID, job.BatchSize)
	}
	spec, ok := r.board.Lookup(job.OptimID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNotPublished, job.OptimID)
	}
	n, err := r.resolve(spec)
	if err != nil {
		return Result{}, err
	}

	switch job.Kind {
	case KindStep:
		return r.step(ctx, n, job)
	case KindEval:
		return r.eval(ctx, n, job)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownJob, job.Kind)
	}
}

func (r *Runner) resolve(spec NicheSpec) (niche.Niche, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cache[spec.OptimID]; ok && c.spec.Seed == spec.Seed && c.spec.Env.SameParams(spec.Env) {
		return c.niche, nil
	}
	n, err := r.factory(spec.Env, spec.Seed)
	if err != nil {
		return nil, fmt.Errorf("build niche %s: %w", spec.OptimID, err)
	}
	// A retract may have landed since Run looked the spec up.
	if _, ok := r.board.Lookup(spec.OptimID); ok {
		r.cache[spec.OptimID] = cachedNiche{spec: spec, niche: n}
	}
	return n, nil
}

func (r *Runner) forget(optimID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, optimID)
}

// #endregion runner

// #region workloads
func (r *Runner) step(ctx context.Context, n niche.Niche, job Job) (Result, error) {
	rng := niche.NewRand(job.Seed)
	dim := len(job.Theta)
	std := float32(job.NoiseStd)

	inds := make([]int, job.BatchSize)
	pos := make([][]float32, job.BatchSize)
	neg := make([][]float32, job.BatchSize)
	for i := range inds {
		idx, err := r.noise.SampleIndex(rng, dim)
		if err != nil {
			return Result{}, fmt.Errorf("sample noise: %w", err)
		}
		vec, err := r.noise.Get(idx, dim)
		if err != nil {
			return Result{}, fmt.Errorf("read noise: %w", err)
		}
		inds[i] = idx
		pos[i] = make([]float32, dim)
		neg[i] = make([]float32, dim)
		for j, theta := range job.Theta {
			d := std * vec[j]
			pos[i][j] = theta + d
			neg[i][j] = theta - d
		}
	}

	rp, lp, err := niche.RolloutBatch(ctx, n, pos, job.BatchSize, rng, false)
	if err != nil {
		return Result{}, fmt.Errorf("positive rollouts for %s: %w", job.OptimID, err)
	}
	rn, ln, err := niche.RolloutBatch(ctx, n, neg, job.BatchSize, rng, false)
	if err != nil {
		return Result{}, fmt.Errorf("negative rollouts for %s: %w", job.OptimID, err)
	}
	return Result{NoiseInds: inds, ReturnsPos: rp, ReturnsNeg: rn, LengthsPos: lp, LengthsNeg: ln}, nil
}

func (r *Runner) eval(ctx context.Context, n niche.Niche, job Job) (Result, error) {
	thetas := make([][]float32, job.BatchSize)
	for i := range thetas {
		thetas[i] = job.Theta
	}
	returns, lengths, err := niche.RolloutBatch(ctx, n, thetas, job.BatchSize, niche.NewRand(job.Seed), true)
	if err != nil {
		return Result{}, fmt.Errorf("eval rollouts for %s: %w", job.OptimID, err)
	}
	return Result{EvalReturns: returns, EvalLengths: lengths}, nil
}

// #endregion workloads

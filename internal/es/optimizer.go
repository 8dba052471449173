package es

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/verystrongjoe/poet/internal/eval"
	"github.com/verystrongjoe/poet/internal/niche"
	"github.com/verystrongjoe/poet/internal/noise"
	"github.com/verystrongjoe/poet/internal/shaping"
	"github.com/verystrongjoe/poet/internal/update"
	"github.com/verystrongjoe/poet/internal/workers"
)

const weightedSumBatch = 500

// #region types
// Params identifies the niche an optimizer trains.
type Params struct {
	ID          string
	Env         niche.EnvConfig
	Seed        int64
	CreatedAt   int
	Theta       []float32 // nil starts from the niche's initial theta
	IsCandidate bool
}

// Deps are the shared collaborators every optimizer dispatches through.
type Deps struct {
	Noise     *noise.Table
	Executor  workers.Executor
	Publisher workers.Publisher
	Factory   niche.Factory
	Sink      SnapshotSink
	Logger    *zap.Logger
}

// Optimizer trains one niche's theta with antithetic ES and keeps its transfer bookkeeping.
// It is not safe for concurrent use; the orchestrator drives it from one goroutine.
type Optimizer struct {
	id          string
	env         niche.EnvConfig
	seed        int64
	createdAt   int
	isCandidate bool

	cfg    Config
	deps   Deps
	log    *zap.Logger
	niche  niche.Niche
	opt    update.Optimizer
	health *eval.EvalHarness
	rng    *rand.Rand

	theta    []float32
	lr       float64
	noiseStd float64

	selfEvals     float64
	hasSelfEvals  bool
	startScore    float64
	hasStartScore bool
	poReturnsMax  float64

	transfers  []TransferRecord
	checkpoint *Checkpoint
	closed     bool
}

// #endregion types

// #region constructor
// New builds the optimizer and publishes its niche spec to the workers.
func New(ctx context.Context, cfg Config, p Params, d Deps) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("es config: %w", err)
	}
	if p.ID == "" {
		return nil, errors.New("new optimizer: empty id")
	}
	n, err := d.Factory(p.Env, p.Seed)
	if err != nil {
		return nil, fmt.Errorf("build niche %s: %w", p.ID, err)
	}
	theta := p.Theta
	if theta == nil {
		theta = n.InitialTheta()
	}

	ucfg := update.DefaultUpdateConfig()
	ucfg.StepSize = cfg.LearningRate
	ucfg.MaxStepNorm = cfg.MaxStepNorm
	opt, err := update.New(cfg.Optimizer, ucfg)
	if err != nil {
		return nil, err
	}

	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	o := &Optimizer{
		id:          p.ID,
		env:         p.Env,
		seed:        p.Seed,
		createdAt:   p.CreatedAt,
		isCandidate: p.IsCandidate,
		cfg:         cfg,
		deps:        d,
		log:         log.Named("es").With(zap.String("optim_id", p.ID)),
		niche:       n,
		opt:         opt,
		health:      eval.NewEvalHarness(eval.EvalConfig{MaxThetaNorm: float32(cfg.MaxThetaNorm)}),
		rng:         niche.NewRand(p.Seed),
		theta:       slices.Clone(theta),
		lr:          cfg.LearningRate,
		noiseStd:    cfg.NoiseStd,
	}

	if err := d.Publisher.Publish(ctx, workers.NicheSpec{OptimID: p.ID, Env: p.Env, Seed: p.Seed}); err != nil {
		return nil, fmt.Errorf("publish niche %s: %w", p.ID, err)
	}
	return o, nil
}

// Close retracts the niche from the workers. It must only be called once no task is outstanding.
func (o *Optimizer) Close(ctx context.Context) error {
	if o.closed {
		return nil
	}
	o.closed = true
	if err := o.deps.Publisher.Retract(ctx, o.id); err != nil {
		return fmt.Errorf("retract niche %s: %w", o.id, err)
	}
	return nil
}

// #endregion constructor

// #region accessors
func (o *Optimizer) ID() string            { return o.id }
func (o *Optimizer) Env() niche.EnvConfig  { return o.env }
func (o *Optimizer) Seed() int64           { return o.seed }
func (o *Optimizer) CreatedAt() int        { return o.createdAt }
func (o *Optimizer) IsCandidate() bool     { return o.isCandidate }
func (o *Optimizer) LearningRate() float64 { return o.lr }
func (o *Optimizer) NoiseStd() float64     { return o.noiseStd }
func (o *Optimizer) POReturnsMax() float64 { return o.poReturnsMax }

// Theta returns a copy of the current parameters.
func (o *Optimizer) Theta() []float32 { return slices.Clone(o.theta) }

// InitialTheta returns the niche's starting parameters.
func (o *Optimizer) InitialTheta() []float32 { return o.niche.InitialTheta() }

// SelfEvals returns the latest noise-free score of the current theta; -Inf before the first step.
func (o *Optimizer) SelfEvals() float64 {
	if !o.hasSelfEvals {
		return math.Inf(-1)
	}
	return o.selfEvals
}

// StartScore returns the first self-evaluation recorded for this niche.
func (o *Optimizer) StartScore() (float64, bool) { return o.startScore, o.hasStartScore }

// Transfers returns the transfer candidates recorded this iteration.
func (o *Optimizer) Transfers() []TransferRecord { return slices.Clone(o.transfers) }

// Checkpoint returns the retained best state, if checkpointing has run.
func (o *Optimizer) Checkpoint() *Checkpoint { return o.checkpoint }

// #endregion accessors

// #region step
func (o *Optimizer) nextSeed() int64 { return o.rng.Int64N(math.MaxInt32) }

// StartStep dispatches one ES step's perturbation tasks from theta (nil: the optimizer's own theta).
func (o *Optimizer) StartStep(theta []float32) *StepHandle {
	if theta == nil {
		theta = o.theta
	}
	h := &StepHandle{theta: slices.Clone(theta), noiseStd: o.noiseStd, started: time.Now()}
	for i := 0; i < o.cfg.BatchesPerChunk; i++ {
		h.tasks = append(h.tasks, o.deps.Executor.Submit(workers.Job{
			Kind:      workers.KindStep,
			OptimID:   o.id,
			Theta:     h.theta,
			BatchSize: o.cfg.BatchSize,
			NoiseStd:  h.noiseStd,
			Seed:      o.nextSeed(),
		}))
	}
	return h
}

// GetStep collects a step and computes the updated theta. With proposeOnly the optimizer's
// state is left untouched and the proposal uses Adam only when proposeWithAdam is set.
func (o *Optimizer) GetStep(ctx context.Context, h *StepHandle, proposeWithAdam, proposeOnly bool) ([]float32, StepStats, error) {
	var inds []int
	var returns [][]float64
	for i, t := range h.tasks {
		res, err := t.Wait(ctx)
		if err != nil {
			o.drain(ctx, h.tasks[i+1:])
			return nil, StepStats{}, fmt.Errorf("step task %s for %s: %w", t.ID(), o.id, err)
		}
		if len(res.ReturnsPos) != len(res.NoiseInds) || len(res.ReturnsNeg) != len(res.NoiseInds) {
			o.drain(ctx, h.tasks[i+1:])
			return nil, StepStats{}, fmt.Errorf("step task %s for %s: malformed result", t.ID(), o.id)
		}
		for i, idx := range res.NoiseInds {
			inds = append(inds, idx)
			returns = append(returns, []float64{res.ReturnsPos[i], res.ReturnsNeg[i]})
		}
	}
	if len(inds) == 0 {
		return nil, StepStats{}, fmt.Errorf("step for %s: no perturbations returned", o.id)
	}

	dim := len(h.theta)
	weights, err := o.shape(returns)
	if err != nil {
		return nil, StepStats{}, err
	}
	vecs := make([][]float32, len(inds))
	for i, idx := range inds {
		if vecs[i], err = o.deps.Noise.Get(idx, dim); err != nil {
			return nil, StepStats{}, fmt.Errorf("step for %s: %w", o.id, err)
		}
	}
	grads, count, err := shaping.BatchedWeightedSum(weights, vecs, weightedSumBatch)
	if err != nil {
		return nil, StepStats{}, fmt.Errorf("step for %s: %w", o.id, err)
	}

	// Ascent direction on returns, expressed as a descent gradient with L2 decay.
	g := make([]float32, dim)
	for j := range g {
		gj := grads[j] / float32(count)
		if o.cfg.NormalizeGradsByNoiseStd {
			gj /= float32(h.noiseStd)
		}
		g[j] = -gj + float32(o.cfg.L2Coeff)*h.theta[j]
	}

	var res update.UpdateResult
	switch {
	case proposeOnly && proposeWithAdam:
		res = o.opt.Propose(h.theta, g)
	case proposeOnly:
		res = update.NewSGD(update.UpdateConfig{StepSize: o.lr, MaxStepNorm: o.cfg.MaxStepNorm}).Propose(h.theta, g)
	default:
		o.opt.SetStepSize(o.lr)
		res = o.opt.Update(h.theta, g)
	}
	if check := o.health.Run(res.Theta); !check.Passed {
		if proposeOnly {
			return nil, StepStats{}, fmt.Errorf("%w: %s: %s", ErrUnhealthyProposal, o.id, check.Reason)
		}
		return nil, StepStats{}, fmt.Errorf("%w: %s: %s", ErrUnhealthyTheta, o.id, check.Reason)
	}

	stats, err := o.stepStats(h, inds, returns)
	if err != nil {
		return nil, StepStats{}, err
	}
	stats.StepNorm = res.Metrics.StepNorm
	stats.UpdateRatio = res.Metrics.UpdateRatio
	stats.Elapsed = time.Since(h.started)

	if !proposeOnly {
		o.theta = res.Theta
		o.poReturnsMax = stats.POReturnsMax
		if o.lr > o.cfg.LRLimit {
			o.lr *= o.cfg.LRDecay
		}
		if o.noiseStd > o.cfg.NoiseLimit {
			o.noiseStd *= o.cfg.NoiseDecay
		}
	}
	o.log.Debug("es step",
		zap.Bool("propose_only", proposeOnly),
		zap.Int("episodes", stats.Episodes),
		zap.Float64("po_returns_mean", stats.POReturnsMean),
		zap.Float64("po_returns_max", stats.POReturnsMax),
		zap.Float32("update_ratio", stats.UpdateRatio),
	)
	return slices.Clone(res.Theta), stats, nil
}

// shape converts (n, 2) returns into antithetic weights.
func (o *Optimizer) shape(returns [][]float64) ([]float32, error) {
	weights := make([]float32, len(returns))
	switch o.cfg.ReturnsNormalization {
	case "normal":
		flat := make([]float64, 0, 2*len(returns))
		for _, r := range returns {
			flat = append(flat, r...)
		}
		s := eval.Summarize(flat, nil)
		for i, r := range returns {
			weights[i] = float32((r[0] - r[1]) / (s.Std + 1e-5))
		}
	default:
		proc, err := shaping.ComputeCenteredRanksMatrix(returns)
		if err != nil {
			return nil, fmt.Errorf("shape returns for %s: %w", o.id, err)
		}
		for i, r := range proc {
			weights[i] = r[0] - r[1]
		}
	}
	return weights, nil
}

func (o *Optimizer) stepStats(h *StepHandle, inds []int, returns [][]float64) (StepStats, error) {
	flat := make([]float64, 0, 2*len(returns))
	bestIdx, bestSign, best := 0, float32(1), math.Inf(-1)
	for i, r := range returns {
		flat = append(flat, r...)
		if r[0] > best {
			bestIdx, bestSign, best = i, 1, r[0]
		}
		if r[1] > best {
			bestIdx, bestSign, best = i, -1, r[1]
		}
	}
	s := eval.Summarize(flat, nil)

	vec, err := o.deps.Noise.Get(inds[bestIdx], len(h.theta))
	if err != nil {
		return StepStats{}, fmt.Errorf("step stats for %s: %w", o.id, err)
	}
	thetaMax := slices.Clone(h.theta)
	for j := range thetaMax {
		thetaMax[j] += bestSign * float32(h.noiseStd) * vec[j]
	}
	return StepStats{
		POReturnsMean:   s.Mean,
		POReturnsMedian: s.Median,
		POReturnsStd:    s.Std,
		POReturnsMax:    s.Max,
		POReturnsMin:    s.Min,
		POThetaMax:      thetaMax,
		Episodes:        len(flat),
	}, nil
}

// drain consumes tasks left over after an early return so no result is left unclaimed.
func (o *Optimizer) drain(ctx context.Context, tasks []*workers.Task) {
	for _, t := range tasks {
		if _, err := t.Wait(ctx); err != nil {
			o.log.Debug("drained task failed", zap.String("task_id", t.ID()), zap.Error(err))
		}
	}
}

// DiscardStep consumes a step that will not be collected.
func (o *Optimizer) DiscardStep(ctx context.Context, h *StepHandle) {
	o.drain(ctx, h.tasks)
}

// DiscardEval consumes an evaluation that will not be collected.
func (o *Optimizer) DiscardEval(ctx context.Context, h *EvalHandle) {
	o.drain(ctx, h.tasks)
}

// #endregion step

// #region theta-eval
// StartThetaEval dispatches noise-free evaluation tasks for a snapshot of theta.
func (o *Optimizer) StartThetaEval(theta []float32) *EvalHandle {
	snap := slices.Clone(theta)
	h := &EvalHandle{started: time.Now()}
	for i := 0; i < o.cfg.EvalBatchesPerStep; i++ {
		h.tasks = append(h.tasks, o.deps.Executor.Submit(workers.Job{
			Kind:      workers.KindEval,
			OptimID:   o.id,
			Theta:     snap,
			BatchSize: o.cfg.EvalBatchSize,
			Seed:      o.nextSeed(),
		}))
	}
	return h
}

// GetThetaEval collects an evaluation.
func (o *Optimizer) GetThetaEval(ctx context.Context, h *EvalHandle) (eval.Stats, error) {
	var returns []float64
	var lengths []int
	for i, t := range h.tasks {
		res, err := t.Wait(ctx)
		if err != nil {
			o.drain(ctx, h.tasks[i+1:])
			return eval.Stats{}, fmt.Errorf("eval task %s for %s: %w", t.ID(), o.id, err)
		}
		returns = append(returns, res.EvalReturns...)
		lengths = append(lengths, res.EvalLengths...)
	}
	if len(returns) == 0 {
		return eval.Stats{}, fmt.Errorf("eval for %s: no returns", o.id)
	}
	return eval.Summarize(returns, lengths), nil
}

// Evaluate scores theta in this optimizer's environment.
func (o *Optimizer) Evaluate(ctx context.Context, theta []float32) (float64, error) {
	stats, err := o.GetThetaEval(ctx, o.StartThetaEval(theta))
	if err != nil {
		return 0, err
	}
	return stats.Mean, nil
}

// EvaluateBestTransfer scores every source's theta here, plus one propose-only step from each
// when EvaluateProposals is set, and returns the best score and its theta. Ties keep the earlier source.
func (o *Optimizer) EvaluateBestTransfer(ctx context.Context, sources []*Optimizer) (float64, []float32, error) {
	if len(sources) == 0 {
		return 0, nil, ErrNoSources
	}
	best := math.Inf(-1)
	var bestTheta []float32
	consider := func(thetas [][]float32) error {
		handles := make([]*EvalHandle, len(thetas))
		for i, th := range thetas {
			handles[i] = o.StartThetaEval(th)
		}
		for i, h := range handles {
			stats, err := o.GetThetaEval(ctx, h)
			if err != nil {
				for _, rest := range handles[i+1:] {
					o.DiscardEval(ctx, rest)
				}
				return err
			}
			if bestTheta == nil || stats.Mean > best {
				best, bestTheta = stats.Mean, thetas[i]
			}
		}
		return nil
	}

	thetas := make([][]float32, len(sources))
	for i, s := range sources {
		thetas[i] = s.Theta()
	}
	if err := consider(thetas); err != nil {
		return 0, nil, err
	}

	if o.cfg.EvaluateProposals {
		steps := make([]*StepHandle, len(thetas))
		for i, th := range thetas {
			steps[i] = o.StartStep(th)
		}
		proposals := make([][]float32, 0, len(steps))
		for i, h := range steps {
			p, _, err := o.GetStep(ctx, h, false, true)
			switch {
			case errors.Is(err, ErrUnhealthyProposal):
				o.log.Debug("skipping unhealthy proposal", zap.String("source_id", sources[i].ID()), zap.Error(err))
				continue
			case err != nil:
				for _, rest := range steps[i+1:] {
					o.DiscardStep(ctx, rest)
				}
				return 0, nil, err
			}
			proposals = append(proposals, p)
		}
		if err := consider(proposals); err != nil {
			return 0, nil, err
		}
	}
	return best, slices.Clone(bestTheta), nil
}

// #endregion theta-eval

// #region bookkeeping
// UpdateAfterES records the self-evaluation that followed an ES step.
func (o *Optimizer) UpdateAfterES(stats StepStats, selfEval eval.Stats) {
	o.selfEvals = selfEval.Mean
	o.hasSelfEvals = true
	if !o.hasStartScore {
		o.startScore = selfEval.Mean
		o.hasStartScore = true
	}
	o.poReturnsMax = stats.POReturnsMax
}

// UpdateAfterTransfer records a transfer candidate scored in this environment.
func (o *Optimizer) UpdateAfterTransfer(sourceID string, sourceTheta []float32, stats eval.Stats, tag string) {
	o.transfers = append(o.transfers, TransferRecord{
		SourceID: sourceID,
		Tag:      tag,
		Theta:    slices.Clone(sourceTheta),
		Score:    stats.Mean,
	})
}

// PickProposal adopts the best transfer candidate if it beats the current self-evaluation.
// With checkpointing, the best state seen so far is restored when the result is worse.
// It reports the best candidate and whether it is now the optimizer's theta.
func (o *Optimizer) PickProposal(checkpointing, resetOptimizer bool) (TransferRecord, bool) {
	var best TransferRecord
	found := false
	for _, t := range o.transfers {
		if !found || t.Score > best.Score {
			best, found = t, true
		}
	}

	accepted := false
	if found && (!o.hasSelfEvals || best.Score > o.selfEvals) {
		o.theta = slices.Clone(best.Theta)
		o.selfEvals = best.Score
		o.hasSelfEvals = true
		if resetOptimizer {
			o.opt.Reset()
		}
		accepted = true
		o.log.Info("accepted transfer", zap.String("source", best.SourceID), zap.String("tag", best.Tag), zap.Float64("score", best.Score))
	}

	if checkpointing && o.hasSelfEvals {
		if o.checkpoint != nil && o.checkpoint.Score > o.selfEvals {
			o.theta = slices.Clone(o.checkpoint.Theta)
			o.selfEvals = o.checkpoint.Score
			accepted = false
		} else {
			o.checkpoint = &Checkpoint{Theta: slices.Clone(o.theta), Score: o.selfEvals}
		}
	}
	return best, accepted
}

// CleanBeforeIteration drops the previous iteration's transfer candidates.
func (o *Optimizer) CleanBeforeIteration() {
	o.transfers = nil
}

// SaveSnapshot hands the current theta to the snapshot sink.
func (o *Optimizer) SaveSnapshot(iteration int) error {
	if o.deps.Sink == nil {
		return nil
	}
	if err := o.deps.Sink.SaveSnapshot(o.id, iteration, o.theta, o.SelfEvals()); err != nil {
		return fmt.Errorf("save snapshot %s@%d: %w", o.id, iteration, err)
	}
	return nil
}

// #endregion bookkeeping

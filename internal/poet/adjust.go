package poet

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/verystrongjoe/poet/internal/es"
	"github.com/verystrongjoe/poet/internal/gate"
	"github.com/verystrongjoe/poet/internal/logging"
	"github.com/verystrongjoe/poet/internal/niche"
)

// Candidate outcomes reported to metrics.
const (
	outcomeRejectedDedup = "rejected_dedup"
	outcomeRejectedMC    = "rejected_mc"
	outcomeShortlisted   = "shortlisted"
	outcomeAdmitted      = "admitted"
)

// Provenance stages of a candidate.
const (
	stageChildList = "child_list"
	stageAdjust    = "adjust"
)

// #region status
// CheckStatus returns the niches whose self evaluation reaches the reproduction threshold.
// The delete list is always empty: eviction is driven by capacity only.
func (o *Orchestrator) CheckStatus(iteration int) (repro, del []string) {
	o.log.Info("health check", zap.Int("iteration", iteration))
	for _, id := range o.order {
		opt := o.optimizers[id]
		start, _ := opt.StartScore()
		o.log.Info("niche status",
			zap.String("optim_id", id),
			zap.Int("created_at", opt.CreatedAt()),
			zap.Float64("start_score", start),
			zap.Float64("current_self_evals", opt.SelfEvals()),
		)
		if opt.SelfEvals() >= o.cfg.ReproThreshold {
			repro = append(repro, id)
		}
	}
	o.log.Debug("candidates to reproduce", zap.Strings("repro", repro))
	return repro, del
}

// PassDedup reports whether no active niche already has env's name.
func (o *Orchestrator) PassDedup(env niche.EnvConfig) bool {
	return o.gate.PassDedup(env, o.isActive)
}

// PassMinimalCriterion reports whether score lies within the inclusive MC bounds.
func (o *Orchestrator) PassMinimalCriterion(score float64) bool {
	return o.gate.PassMinimalCriterion(score)
}

// #endregion status

// #region children
// DrawChild picks a parent among parentIDs, mutates its environment and draws a fresh seed.
func (o *Orchestrator) DrawChild(parentIDs []string) (Child, error) {
	parentID, err := o.deps.Reproducer.Pick(parentIDs)
	if err != nil {
		return Child{}, fmt.Errorf("draw child: %w", err)
	}
	parent, ok := o.registry[parentID]
	if !ok {
		return Child{}, fmt.Errorf("draw child: %w: %s", ErrUnknownNiche, parentID)
	}
	env, err := o.deps.Reproducer.Mutate(parent)
	if err != nil {
		return Child{}, fmt.Errorf("draw child from %s: %w", parentID, err)
	}
	seed := o.rng.Int64N(childSeedRange)
	o.log.Info("mutated", zap.String("parent", parentID), zap.String("child", env.Name()))
	return Child{Env: env, Seed: seed, ParentID: parentID}, nil
}

// BuildChildList makes maxTrials draws. Each child that is not already active scores its
// parent's theta in a throwaway optimizer; those within the minimal criterion are kept with
// their novelty against the archive. The result is sorted by novelty, highest first.
func (o *Orchestrator) BuildChildList(ctx context.Context, parentIDs []string, maxTrials int) ([]Child, error) {
	var children []Child
	for trial := 0; trial < maxTrials; trial++ {
		child, err := o.DrawChild(parentIDs)
		if err != nil {
			return nil, err
		}
		if !o.PassDedup(child.Env) {
			o.log.Debug("active env already, rejected", zap.String("child", child.Env.Name()))
			o.reject(child, stageChildList, 0, o.gate.Evaluate(child.Env, o.isActive, 0), logging.DecisionRejectedDedup)
			continue
		}

		parentTheta := o.optimizers[child.ParentID].Theta()
		score, _, err := o.scoreCandidate(ctx, child, func(c *es.Optimizer) (float64, []float32, error) {
			s, err := c.Evaluate(ctx, parentTheta)
			return s, parentTheta, err
		})
		if err != nil {
			return nil, fmt.Errorf("build child list: %w", err)
		}
		if d := o.gate.Evaluate(child.Env, o.isActive, score); d.Vetoed {
			o.reject(child, stageChildList, score, d, logging.DecisionRejectedMC)
			continue
		}

		child.Novelty = o.deps.Novelty.NoveltyVsArchive(o.archiveEnvs(), child.Env, o.cfg.NoveltyK)
		o.deps.Metrics.Candidate(outcomeShortlisted)
		o.log.Debug("passed mc", zap.String("child", child.Env.Name()), zap.Float64("score", score), zap.Float64("novelty", child.Novelty))
		children = append(children, child)
	}
	slices.SortStableFunc(children, func(a, b Child) int { return cmp.Compare(b.Novelty, a.Novelty) })
	return children, nil
}

// scoreCandidate builds a throwaway optimizer for child, runs score and closes it before returning.
func (o *Orchestrator) scoreCandidate(ctx context.Context, child Child, score func(*es.Optimizer) (float64, []float32, error)) (s float64, theta []float32, err error) {
	c, err := es.New(ctx, o.cfg.ES, es.Params{
		ID:          child.Env.Name(),
		Env:         child.Env,
		Seed:        child.Seed,
		CreatedAt:   o.iteration,
		IsCandidate: true,
	}, o.optimizerDeps(false))
	if err != nil {
		return 0, nil, fmt.Errorf("candidate %s: %w", child.Env.Name(), err)
	}
	defer func() {
		err = errors.Join(err, c.Close(ctx))
	}()
	return score(c)
}

func (o *Orchestrator) reject(child Child, stage string, score float64, d gate.GateDecision, decision string) {
	outcome := outcomeRejectedMC
	if decision == logging.DecisionRejectedDedup {
		outcome = outcomeRejectedDedup
	}
	o.deps.Metrics.Candidate(outcome)
	o.recordCandidate(logging.AdmissionRecord{
		Iteration: o.iteration,
		Stage:     stage,
		Candidate: child.Env,
		ParentID:  child.ParentID,
		Seed:      child.Seed,
		Score:     score,
		Novelty:   child.Novelty,
		Active:    o.OptimizerIDs(),
		Thresholds: logging.AdmissionThresholds{
			MCLower: o.cfg.Gate.MCLower,
			MCUpper: o.cfg.Gate.MCUpper,
			MaxEnvs: o.cfg.MaxNumEnvs,
		},
		GateAction: d.Action,
		GateVetoed: d.Vetoed,
		GateReason: d.Reason,
	}, decision, logging.TriggerAdjust)
}

// #endregion children

// #region adjust
// AdjustPopulation runs on iterations that are positive multiples of adjustEvery. Children of
// the reproduction-eligible niches are walked in novelty order; each is scored with the best
// theta any active niche can offer and admitted if it still meets the minimal criterion, up to
// maxAdmitted. The population is then trimmed to maxEnvs, oldest first (maxEnvs 0: no limit).
func (o *Orchestrator) AdjustPopulation(ctx context.Context, iteration, adjustEvery, maxEnvs, maxChildren, maxAdmitted int) error {
	if adjustEvery < 1 {
		return fmt.Errorf("adjust population: interval %d", adjustEvery)
	}
	if iteration <= 0 || iteration%adjustEvery != 0 {
		return nil
	}
	o.iteration = iteration

	repro, del := o.CheckStatus(iteration)
	if len(repro) == 0 {
		return nil
	}
	o.log.Info("niches to reproduce", zap.Strings("repro", repro), zap.Strings("delete", del))

	children, err := o.BuildChildList(ctx, repro, maxChildren)
	if err != nil {
		return fmt.Errorf("adjust population: %w", err)
	}
	if len(children) == 0 {
		o.log.Info("no child passed the minimal criterion", zap.Int("iteration", iteration))
		return nil
	}

	admitted := 0
	for _, child := range children {
		// The same environment can be drawn twice in one list.
		if !o.PassDedup(child.Env) {
			o.reject(child, stageAdjust, 0, o.gate.Evaluate(child.Env, o.isActive, 0), logging.DecisionRejectedDedup)
			continue
		}
		sources := o.ordered()
		score, theta, err := o.scoreCandidate(ctx, child, func(c *es.Optimizer) (float64, []float32, error) {
			return c.EvaluateBestTransfer(ctx, sources)
		})
		if err != nil {
			return fmt.Errorf("adjust population: %w", err)
		}
		d := o.gate.Evaluate(child.Env, o.isActive, score)
		if d.Vetoed {
			o.reject(child, stageAdjust, score, d, logging.DecisionRejectedMC)
			continue
		}
		if err := o.AddOptimizer(ctx, child.Env, child.Seed, iteration, theta,
			WithTrigger(logging.TriggerAdjust),
			WithParent(child.ParentID),
			WithGate(AdmissionInfo{Score: score, Novelty: child.Novelty, Reason: d.Reason}),
		); err != nil {
			return fmt.Errorf("adjust population: %w", err)
		}
		o.deps.Metrics.Candidate(outcomeAdmitted)
		admitted++
		if admitted >= maxAdmitted {
			break
		}
	}

	if maxEnvs > 0 && len(o.order) > maxEnvs {
		if err := o.EvictOldest(ctx, len(o.order)-maxEnvs); err != nil {
			return fmt.Errorf("adjust population: %w", err)
		}
	}
	return nil
}

// #endregion adjust

package poet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/verystrongjoe/poet/internal/es"
	"github.com/verystrongjoe/poet/internal/eval"
	"github.com/verystrongjoe/poet/internal/lineage"
	"github.com/verystrongjoe/poet/internal/logging"
	"github.com/verystrongjoe/poet/internal/state"
)

// #region step-all
// StepAll advances every active niche by one ES step. All steps are dispatched before any
// is collected; each niche then evaluates its new theta noise-free.
func (o *Orchestrator) StepAll(ctx context.Context, iteration int) error {
	opts := o.ordered()
	handles := make([]*es.StepHandle, len(opts))
	for i, opt := range opts {
		handles[i] = opt.StartStep(nil)
	}

	stats := make([]state.IterationStat, 0, len(opts))
	for i, opt := range opts {
		theta, st, err := opt.GetStep(ctx, handles[i], false, false)
		if err != nil {
			discardSteps(ctx, opts[i+1:], handles[i+1:])
			return fmt.Errorf("step all: %w", err)
		}
		self, err := opt.GetThetaEval(ctx, opt.StartThetaEval(theta))
		if err != nil {
			discardSteps(ctx, opts[i+1:], handles[i+1:])
			return fmt.Errorf("step all: self eval: %w", err)
		}
		opt.UpdateAfterES(st, self)

		o.log.Info("es step",
			zap.Int("iteration", iteration),
			zap.String("optim_id", opt.ID()),
			zap.Float64("theta_mean", self.Mean),
			zap.Float64("best_po", st.POReturnsMax),
			zap.Int("iterations_spent", iteration-opt.CreatedAt()),
		)
		stats = append(stats, state.IterationStat{
			Iteration:     iteration,
			OptimID:       opt.ID(),
			SelfEval:      self.Mean,
			POReturnsMax:  st.POReturnsMax,
			POReturnsMean: st.POReturnsMean,
			Episodes:      st.Episodes,
			LearningRate:  opt.LearningRate(),
			NoiseStd:      opt.NoiseStd(),
		})
	}

	if o.deps.Store != nil {
		if err := o.deps.Store.RecordIterationStats(stats); err != nil {
			o.log.Warn("failed to record iteration stats", zap.Int("iteration", iteration), zap.Error(err))
		}
	}
	return nil
}

func discardSteps(ctx context.Context, opts []*es.Optimizer, handles []*es.StepHandle) {
	for i, opt := range opts {
		opt.DiscardStep(ctx, handles[i])
	}
}

// #endregion step-all

// #region transfer
type transferPair struct {
	source *es.Optimizer
	target *es.Optimizer
	theta  []float32 // source theta at dispatch
}

func (o *Orchestrator) pairs() []transferPair {
	opts := o.ordered()
	var out []transferPair
	for _, src := range opts {
		for _, tgt := range opts {
			if src != tgt {
				out = append(out, transferPair{source: src, target: tgt, theta: src.Theta()})
			}
		}
	}
	return out
}

// Transfer scores every niche's theta in every other niche, directly and after one
// propose-only ES step, then lets each target adopt the best candidate that beats it.
func (o *Orchestrator) Transfer(ctx context.Context, proposeWithAdam, checkpointing, resetOptimizer bool) error {
	start := time.Now()

	o.log.Info("computing direct transfers")
	direct := o.pairs()
	evals := make([]*es.EvalHandle, len(direct))
	for i, p := range direct {
		evals[i] = p.target.StartThetaEval(p.theta)
	}
	for i, p := range direct {
		st, err := p.target.GetThetaEval(ctx, evals[i])
		if err != nil {
			discardEvals(ctx, direct[i+1:], evals[i+1:])
			return fmt.Errorf("direct transfer %s->%s: %w", p.source.ID(), p.target.ID(), err)
		}
		p.target.UpdateAfterTransfer(p.source.ID(), p.theta, st, es.TagTheta)
	}

	o.log.Info("computing proposal transfers")
	proposals := o.pairs()
	steps := make([]*es.StepHandle, len(proposals))
	for i, p := range proposals {
		steps[i] = p.target.StartStep(p.theta)
	}
	proposed := make([][]float32, len(proposals))
	for i, p := range proposals {
		theta, _, err := p.target.GetStep(ctx, steps[i], proposeWithAdam, true)
		switch {
		case errors.Is(err, es.ErrUnhealthyProposal):
			// Scored as -Inf so PickProposal can never adopt it.
			o.log.Warn("dropping unhealthy proposal",
				zap.String("source_id", p.source.ID()), zap.String("optim_id", p.target.ID()), zap.Error(err))
			continue
		case err != nil:
			for j, rest := range proposals[i+1:] {
				rest.target.DiscardStep(ctx, steps[i+1+j])
			}
			return fmt.Errorf("proposal transfer %s->%s: %w", p.source.ID(), p.target.ID(), err)
		}
		proposed[i] = theta
	}
	for i, p := range proposals {
		evals[i] = nil
		if proposed[i] != nil {
			evals[i] = p.target.StartThetaEval(proposed[i])
		}
	}
	for i, p := range proposals {
		if evals[i] == nil {
			p.target.UpdateAfterTransfer(p.source.ID(), p.theta, eval.Stats{Mean: math.Inf(-1)}, es.TagProposal)
			continue
		}
		st, err := p.target.GetThetaEval(ctx, evals[i])
		if err != nil {
			discardEvals(ctx, proposals[i+1:], evals[i+1:])
			return fmt.Errorf("proposal transfer %s->%s: %w", p.source.ID(), p.target.ID(), err)
		}
		p.target.UpdateAfterTransfer(p.source.ID(), proposed[i], st, es.TagProposal)
	}

	o.log.Info("considering transfers")
	for _, opt := range o.ordered() {
		previous := opt.SelfEvals()
		rec, accepted := opt.PickProposal(checkpointing, resetOptimizer)
		if accepted {
			o.recordTransfer(opt.ID(), rec, previous)
		}
	}
	o.log.Debug("transfer done", zap.Int("pairs", len(direct)), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func discardEvals(ctx context.Context, pairs []transferPair, handles []*es.EvalHandle) {
	for i, p := range pairs {
		if handles[i] != nil {
			p.target.DiscardEval(ctx, handles[i])
		}
	}
}

func (o *Orchestrator) recordTransfer(targetID string, rec es.TransferRecord, previous float64) {
	o.deps.Metrics.Transfer(rec.Tag)
	if o.deps.Lineage != nil {
		edge := lineage.EdgeTransferTheta
		if rec.Tag == es.TagProposal {
			edge = lineage.EdgeTransferProposal
		}
		if err := o.deps.Lineage.RecordTransfer(rec.SourceID, targetID, edge, o.iteration); err != nil {
			o.log.Warn("failed to record transfer edge", zap.String("optim_id", targetID), zap.Error(err))
		}
	}
	payload, err := json.Marshal(logging.TransferPayload{
		SourceID: rec.SourceID,
		Tag:      rec.Tag,
		Score:    logging.Finite(rec.Score),
		Previous: logging.Finite(previous),
	})
	if err != nil {
		o.log.Warn("failed to encode transfer payload", zap.Error(err))
		return
	}
	o.record(logging.ProvenanceEntry{
		OptimID:     targetID,
		Iteration:   o.iteration,
		TriggerType: logging.TriggerTransfer,
		ParentID:    rec.SourceID,
		PayloadJSON: string(payload),
		Decision:    logging.DecisionTransferred,
		Reason:      fmt.Sprintf("%s from %s: %.4f > %.4f", rec.Tag, rec.SourceID, rec.Score, previous),
	})
}

// #endregion transfer

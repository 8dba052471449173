// Package poet co-evolves a population of environments and their ES-trained policies.
package poet

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/verystrongjoe/poet/internal/checkpoint"
	"github.com/verystrongjoe/poet/internal/es"
	"github.com/verystrongjoe/poet/internal/gate"
	"github.com/verystrongjoe/poet/internal/logging"
	"github.com/verystrongjoe/poet/internal/niche"
	"github.com/verystrongjoe/poet/internal/state"
)

// #region orchestrator-struct
// Orchestrator owns the active registry, the archive and one ES optimizer per active niche.
// It is single-threaded: parallelism comes from the tasks its optimizers dispatch.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	gate *gate.Gate
	rng  *rand.Rand

	registry   map[string]niche.EnvConfig
	archive    map[string]niche.EnvConfig
	archiveIDs []string
	optimizers map[string]*es.Optimizer
	order      []string // registration order, oldest first

	iteration int
}

// #endregion orchestrator-struct

// #region constructor
// New validates cfg and deps. The population starts empty; call Bootstrap or Resume.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("poet config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		log:        log.Named("poet"),
		gate:       gate.NewGate(cfg.Gate),
		rng:        niche.NewRand(cfg.MasterSeed),
		registry:   make(map[string]niche.EnvConfig),
		archive:    make(map[string]niche.EnvConfig),
		optimizers: make(map[string]*es.Optimizer),
	}, nil
}

// Bootstrap admits the flat starting environment seeded with the master seed.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	return o.AddOptimizer(ctx, niche.DefaultEnv(), o.cfg.MasterSeed, 0, nil, WithTrigger(logging.TriggerBootstrap))
}

// Resume admits every niche listed in the manifest at path, in sorted id order,
// with the theta and seed it was saved with.
func (o *Orchestrator) Resume(ctx context.Context, path string) error {
	m, err := checkpoint.LoadManifest(path)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	entries, err := m.Load()
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	for _, e := range entries {
		if err := o.AddOptimizer(ctx, e.Env, e.Seed, 0, e.Theta, WithTrigger(logging.TriggerResume)); err != nil {
			return fmt.Errorf("resume %s: %w", e.OptimID, err)
		}
	}
	o.log.Info("resumed", zap.String("manifest", path), zap.Int("niches", len(entries)))
	return nil
}

// Close retracts every active niche from the workers.
func (o *Orchestrator) Close(ctx context.Context) error {
	var errs []error
	for _, id := range o.order {
		errs = append(errs, o.optimizers[id].Close(ctx))
	}
	return errors.Join(errs...)
}

// #endregion constructor

// #region accessors
// Registry returns a copy of the active environments.
func (o *Orchestrator) Registry() map[string]niche.EnvConfig { return maps.Clone(o.registry) }

// Archive returns a copy of every environment ever admitted.
func (o *Orchestrator) Archive() map[string]niche.EnvConfig { return maps.Clone(o.archive) }

// OptimizerIDs returns active niche ids in registration order.
func (o *Orchestrator) OptimizerIDs() []string { return slices.Clone(o.order) }

// Optimizer returns the optimizer of an active niche.
func (o *Orchestrator) Optimizer(id string) (*es.Optimizer, bool) {
	opt, ok := o.optimizers[id]
	return opt, ok
}

// Len returns the number of active niches.
func (o *Orchestrator) Len() int { return len(o.order) }

func (o *Orchestrator) isActive(name string) bool {
	_, ok := o.registry[name]
	return ok
}

func (o *Orchestrator) ordered() []*es.Optimizer {
	out := make([]*es.Optimizer, len(o.order))
	for i, id := range o.order {
		out[i] = o.optimizers[id]
	}
	return out
}

func (o *Orchestrator) archiveEnvs() []niche.EnvConfig {
	out := make([]niche.EnvConfig, len(o.archiveIDs))
	for i, id := range o.archiveIDs {
		out[i] = o.archive[id]
	}
	return out
}

// #endregion accessors

// #region add-delete
// AddOptimizer admits env as an active niche trained from theta (nil: the niche's initial theta).
// An id that is already active is a fatal ErrDuplicateNiche.
func (o *Orchestrator) AddOptimizer(ctx context.Context, env niche.EnvConfig, seed int64, createdAt int, theta []float32, opts ...AdmitOption) error {
	a := admission{trigger: logging.TriggerAdjust}
	for _, opt := range opts {
		opt(&a)
	}
	id := env.Name()
	if _, ok := o.optimizers[id]; ok || o.isActive(id) {
		return fmt.Errorf("add optimizer: %w: %s", ErrDuplicateNiche, id)
	}

	opt, err := es.New(ctx, o.cfg.ES, es.Params{
		ID:        id,
		Env:       env,
		Seed:      seed,
		CreatedAt: createdAt,
		Theta:     theta,
	}, o.optimizerDeps(true))
	if err != nil {
		return fmt.Errorf("add optimizer %s: %w", id, err)
	}

	o.optimizers[id] = opt
	o.order = append(o.order, id)
	o.registry[id] = env
	if _, ok := o.archive[id]; !ok {
		o.archive[id] = env
		o.archiveIDs = append(o.archiveIDs, id)
	}

	if err := o.persistAdmission(env, seed, createdAt, a); err != nil {
		return fmt.Errorf("add optimizer %s: %w", id, err)
	}
	o.deps.Metrics.Admitted()
	o.deps.Metrics.SetPopulation(len(o.order), len(o.archive))
	o.log.Info("admitted",
		zap.String("optim_id", id),
		zap.Int64("seed", seed),
		zap.Int("created_at", createdAt),
		zap.String("parent", a.parentID),
		zap.String("trigger", a.trigger),
	)
	return nil
}

// DeleteOptimizer removes an active niche. Its archive entry stays.
func (o *Orchestrator) DeleteOptimizer(ctx context.Context, id string) error {
	opt, ok := o.optimizers[id]
	if !ok {
		return fmt.Errorf("delete optimizer: %w: %s", ErrUnknownNiche, id)
	}
	delete(o.optimizers, id)
	delete(o.registry, id)
	o.order = slices.DeleteFunc(o.order, func(s string) bool { return s == id })

	if err := opt.Close(ctx); err != nil {
		return fmt.Errorf("delete optimizer: %w", err)
	}
	if o.deps.Store != nil {
		if err := o.deps.Store.MarkDeleted(id, time.Now()); err != nil {
			return fmt.Errorf("delete optimizer %s: %w", id, err)
		}
	}
	o.record(logging.ProvenanceEntry{
		OptimID:     id,
		Iteration:   o.iteration,
		TriggerType: logging.TriggerEviction,
		Decision:    logging.DecisionDeleted,
		Reason:      fmt.Sprintf("capacity: %d active after removal", len(o.order)),
	})
	o.deps.Metrics.SetPopulation(len(o.order), len(o.archive))
	o.log.Info("deleted", zap.String("optim_id", id), zap.Int("active", len(o.order)))
	return nil
}

// EvictOldest deletes the n earliest-registered niches.
func (o *Orchestrator) EvictOldest(ctx context.Context, n int) error {
	if n < 0 || n > len(o.order) {
		return fmt.Errorf("evict oldest: cannot remove %d of %d niches", n, len(o.order))
	}
	for _, id := range slices.Clone(o.order[:n]) {
		if err := o.DeleteOptimizer(ctx, id); err != nil {
			return err
		}
	}
	o.deps.Metrics.Evicted(n)
	return nil
}

// #endregion add-delete

// #region wiring
// optimizerDeps hands the orchestrator's collaborators to an optimizer.
// Only admitted niches persist snapshots.
func (o *Orchestrator) optimizerDeps(admitted bool) es.Deps {
	d := es.Deps{
		Noise:     o.deps.Noise,
		Executor:  o.deps.Executor,
		Publisher: o.deps.Publisher,
		Factory:   o.deps.Factory,
		Logger:    o.log,
	}
	if admitted {
		var sinks multiSink
		if o.deps.Checkpoints != nil {
			sinks = append(sinks, o.deps.Checkpoints)
		}
		if o.deps.Store != nil {
			sinks = append(sinks, o.deps.Store)
		}
		if len(sinks) > 0 {
			d.Sink = sinks
		}
	}
	return d
}

type multiSink []es.SnapshotSink

func (m multiSink) SaveSnapshot(optimID string, iteration int, theta []float32, score float64) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.SaveSnapshot(optimID, iteration, theta, score))
	}
	return errors.Join(errs...)
}

// #endregion wiring

// #region persistence
func (o *Orchestrator) persistAdmission(env niche.EnvConfig, seed int64, createdAt int, a admission) error {
	id := env.Name()
	if o.deps.Checkpoints != nil {
		if err := o.deps.Checkpoints.WriteEnv(id, env, seed); err != nil {
			return err
		}
	}
	if o.deps.Store != nil {
		if err := o.deps.Store.RecordAdmission(state.NicheRecord{
			OptimID:       id,
			Env:           env,
			Seed:          seed,
			CreatedAtIter: createdAt,
			ParentID:      a.parentID,
		}); err != nil {
			return err
		}
	}
	if o.deps.Lineage != nil && a.parentID != "" {
		if err := o.deps.Lineage.RecordMutation(a.parentID, id, createdAt); err != nil {
			o.log.Warn("failed to record lineage", zap.String("optim_id", id), zap.Error(err))
		}
	}

	rec := logging.AdmissionRecord{
		Iteration: createdAt,
		Stage:     a.trigger,
		Candidate: env,
		ParentID:  a.parentID,
		Seed:      seed,
		Active:    o.OptimizerIDs(),
		Thresholds: logging.AdmissionThresholds{
			MCLower: o.cfg.Gate.MCLower,
			MCUpper: o.cfg.Gate.MCUpper,
			MaxEnvs: o.cfg.MaxNumEnvs,
		},
		GateAction: "admit",
		GateReason: a.trigger,
	}
	if a.record != nil {
		rec.Score = a.record.Score
		rec.Novelty = a.record.Novelty
		rec.GateReason = a.record.Reason
	}
	o.recordCandidate(rec, logging.DecisionAdmitted, a.trigger)
	return nil
}

// recordCandidate writes one gate outcome to the provenance log.
func (o *Orchestrator) recordCandidate(rec logging.AdmissionRecord, decision, trigger string) {
	payload, err := rec.JSON()
	if err != nil {
		o.log.Warn("failed to encode admission record", zap.Error(err))
		return
	}
	o.record(logging.ProvenanceEntry{
		OptimID:     rec.Candidate.Name(),
		Iteration:   rec.Iteration,
		TriggerType: trigger,
		ParentID:    rec.ParentID,
		PayloadJSON: payload,
		Decision:    decision,
		Reason:      rec.GateReason,
	})
}

func (o *Orchestrator) record(e logging.ProvenanceEntry) {
	if o.deps.Store == nil {
		return
	}
	if err := logging.LogDecision(o.deps.Store.DB(), e); err != nil {
		o.log.Warn("failed to record provenance", zap.String("optim_id", e.OptimID), zap.String("decision", e.Decision), zap.Error(err))
	}
}

// #endregion persistence

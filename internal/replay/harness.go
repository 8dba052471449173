package replay

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/verystrongjoe/poet/internal/gate"
	"github.com/verystrongjoe/poet/internal/logging"
)

// Replay actions.
const (
	ActionAdmit        = "admit"
	ActionReject       = "reject"
	ActionDelete       = "delete"
	ActionTransfer     = "transfer"
	ActionGateMismatch = "gate_mismatch" // the gate now decides differently than recorded
	ActionViolation    = "violation"     // the event breaks a lifecycle invariant
)

// #region types
// Event is one recorded lifecycle decision.
type Event struct {
	OptimID   string
	Iteration int
	Trigger   string
	Decision  string
	ParentID  string
	Record    *logging.AdmissionRecord // nil for deletions and transfers
}

// ReplayConfig selects the gate bounds to re-evaluate candidates with.
// A nil Gate re-uses the thresholds stored in each record.
type ReplayConfig struct {
	Gate *gate.GateConfig
}

// DefaultReplayConfig replays with the recorded thresholds.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{}
}

// ReplayResult is the outcome of replaying one event.
type ReplayResult struct {
	OptimID   string
	Iteration int
	Decision  string
	Action    string
	Reason    string

	// Gate re-evaluation (nil when the event carried no candidate)
	GateDecision *gate.GateDecision

	ActiveAfter int
}

// ReplaySummary aggregates a replay and the population it rebuilt.
type ReplaySummary struct {
	TotalEvents  int
	Admits       int
	Rejects      int
	Deletes      int
	Transfers    int
	GateMismatch int
	Violations   int
	Active       []string // registration order
	Archive      []string // admission order
}

// #endregion types

// #region events
// FromProvenance decodes provenance rows into replayable events.
func FromProvenance(entries []logging.ProvenanceEntry) ([]Event, error) {
	events := make([]Event, 0, len(entries))
	for _, e := range entries {
		ev := Event{
			OptimID:   e.OptimID,
			Iteration: e.Iteration,
			Trigger:   e.TriggerType,
			Decision:  e.Decision,
			ParentID:  e.ParentID,
		}
		switch e.Decision {
		case logging.DecisionAdmitted, logging.DecisionRejectedDedup, logging.DecisionRejectedMC:
			var rec logging.AdmissionRecord
			if err := json.Unmarshal([]byte(e.PayloadJSON), &rec); err != nil {
				return nil, fmt.Errorf("decode provenance %d (%s): %w", e.ID, e.OptimID, err)
			}
			ev.Record = &rec
		}
		events = append(events, ev)
	}
	return events, nil
}

// #endregion events

// #region replay
type population struct {
	active  []string
	archive []string
}

func (p *population) isActive(name string) bool { return slices.Contains(p.active, name) }

// Replay rebuilds the registry and archive from events, re-running the admission gate on
// every gated candidate. Operates entirely in-memory.
func Replay(events []Event, config ReplayConfig) ([]ReplayResult, ReplaySummary) {
	pop := &population{}
	results := make([]ReplayResult, 0, len(events))

	for _, ev := range events {
		r := ReplayResult{OptimID: ev.OptimID, Iteration: ev.Iteration, Decision: ev.Decision}

		switch ev.Decision {
		case logging.DecisionAdmitted:
			r.Action, r.Reason = ActionAdmit, ev.Trigger
			if pop.isActive(ev.OptimID) {
				r.Action, r.Reason = ActionViolation, fmt.Sprintf("niche %s admitted twice", ev.OptimID)
				break
			}
			if ev.Trigger == logging.TriggerAdjust && ev.Record != nil {
				d := regate(config, pop, ev.Record)
				r.GateDecision = &d
				if d.Vetoed {
					r.Action, r.Reason = ActionGateMismatch, d.Reason
				}
			}
			pop.active = append(pop.active, ev.OptimID)
			if !slices.Contains(pop.archive, ev.OptimID) {
				pop.archive = append(pop.archive, ev.OptimID)
			}

		case logging.DecisionRejectedDedup, logging.DecisionRejectedMC:
			r.Action = ActionReject
			if ev.Record != nil {
				d := regate(config, pop, ev.Record)
				r.GateDecision = &d
				r.Reason = d.Reason
				if !d.Vetoed {
					r.Action = ActionGateMismatch
				}
			}

		case logging.DecisionDeleted:
			if !pop.isActive(ev.OptimID) {
				r.Action, r.Reason = ActionViolation, fmt.Sprintf("niche %s deleted while inactive", ev.OptimID)
				break
			}
			pop.active = slices.DeleteFunc(pop.active, func(s string) bool { return s == ev.OptimID })
			r.Action = ActionDelete

		case logging.DecisionTransferred:
			r.Action = ActionTransfer
			if !pop.isActive(ev.OptimID) {
				r.Action, r.Reason = ActionViolation, fmt.Sprintf("transfer into inactive niche %s", ev.OptimID)
			}

		default:
			r.Action, r.Reason = ActionViolation, fmt.Sprintf("unknown decision %q", ev.Decision)
		}

		r.ActiveAfter = len(pop.active)
		results = append(results, r)
	}

	return results, summarize(results, pop)
}

func regate(config ReplayConfig, pop *population, rec *logging.AdmissionRecord) gate.GateDecision {
	cfg := gate.GateConfig{MCLower: rec.Thresholds.MCLower, MCUpper: rec.Thresholds.MCUpper}
	if config.Gate != nil {
		cfg = *config.Gate
	}
	return gate.NewGate(cfg).Evaluate(rec.Candidate, pop.isActive, rec.Score)
}

func summarize(results []ReplayResult, pop *population) ReplaySummary {
	s := ReplaySummary{
		TotalEvents: len(results),
		Active:      slices.Clone(pop.active),
		Archive:     slices.Clone(pop.archive),
	}
	for _, r := range results {
		switch r.Action {
		case ActionAdmit:
			s.Admits++
		case ActionReject:
			s.Rejects++
		case ActionDelete:
			s.Deletes++
		case ActionTransfer:
			s.Transfers++
		case ActionGateMismatch:
			s.GateMismatch++
		case ActionViolation:
			s.Violations++
		}
	}
	return s
}

// CheckInvariants reports lifecycle violations: every active niche must be archived,
// ids must be unique, and no event may have been a violation.
func CheckInvariants(results []ReplayResult, s ReplaySummary) []string {
	var problems []string
	for _, r := range results {
		if r.Action == ActionViolation {
			problems = append(problems, fmt.Sprintf("iteration %d: %s", r.Iteration, r.Reason))
		}
	}
	seen := make(map[string]bool, len(s.Active))
	for _, id := range s.Active {
		if seen[id] {
			problems = append(problems, fmt.Sprintf("niche %s active twice", id))
		}
		seen[id] = true
		if !slices.Contains(s.Archive, id) {
			problems = append(problems, fmt.Sprintf("active niche %s missing from archive", id))
		}
	}
	return problems
}

// #endregion replay

package replay

import (
	"reflect"
	"strings"
	"testing"

	"github.com/verystrongjoe/poet/internal/gate"
	"github.com/verystrongjoe/poet/internal/logging"
	"github.com/verystrongjoe/poet/internal/niche"
)

// helper: admission record for a candidate seen with the default bounds.
func record(name string, score float64, active ...string) *logging.AdmissionRecord {
	return &logging.AdmissionRecord{
		Stage:      "adjust",
		Candidate:  niche.NewEnvConfig(name),
		ParentID:   "flat",
		Score:      score,
		Active:     active,
		Thresholds: logging.AdmissionThresholds{MCLower: 25, MCUpper: 340, MaxEnvs: 20},
	}
}

func bootstrap() Event {
	return Event{OptimID: "flat", Trigger: logging.TriggerBootstrap, Decision: logging.DecisionAdmitted}
}

func admitted(name string, iteration int, score float64) Event {
	return Event{
		OptimID:   name,
		Iteration: iteration,
		Trigger:   logging.TriggerAdjust,
		Decision:  logging.DecisionAdmitted,
		ParentID:  "flat",
		Record:    record(name, score),
	}
}

func actions(results []ReplayResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Action
	}
	return out
}

// 1. Admission path: bootstrap + gated child → both admitted, archive grows.
func TestReplay_AdmitPath(t *testing.T) {
	events := []Event{bootstrap(), admitted("r0.2", 4, 120)}

	results, summary := Replay(events, DefaultReplayConfig())

	if got := actions(results); !reflect.DeepEqual(got, []string{ActionAdmit, ActionAdmit}) {
		t.Fatalf("unexpected actions: %v", got)
	}
	if results[0].GateDecision != nil {
		t.Error("bootstrap admission should not be re-gated")
	}
	if results[1].GateDecision == nil || results[1].GateDecision.Vetoed {
		t.Fatalf("expected passing gate decision, got %+v", results[1].GateDecision)
	}
	if results[1].ActiveAfter != 2 {
		t.Errorf("expected 2 active after admission, got %d", results[1].ActiveAfter)
	}
	if summary.Admits != 2 || len(summary.Archive) != 2 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

// 2. Recorded rejections are confirmed by the gate.
func TestReplay_Rejections(t *testing.T) {
	events := []Event{
		bootstrap(),
		{OptimID: "r0.9", Iteration: 4, Trigger: logging.TriggerAdjust, Decision: logging.DecisionRejectedMC, Record: record("r0.9", 400)},
		{OptimID: "flat", Iteration: 4, Trigger: logging.TriggerAdjust, Decision: logging.DecisionRejectedDedup, Record: record("flat", 100)},
	}

	results, summary := Replay(events, DefaultReplayConfig())

	if results[1].Action != ActionReject || !strings.Contains(results[1].Reason, "above upper bound") {
		t.Errorf("expected MC reject, got %s (%s)", results[1].Action, results[1].Reason)
	}
	if results[2].Action != ActionReject || !strings.Contains(results[2].Reason, "already active") {
		t.Errorf("expected dedup reject, got %s (%s)", results[2].Action, results[2].Reason)
	}
	if summary.Rejects != 2 || len(summary.Active) != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

// 3. Eviction removes from the active set but never from the archive.
func TestReplay_Delete(t *testing.T) {
	events := []Event{
		bootstrap(),
		admitted("r0.2", 4, 120),
		{OptimID: "flat", Iteration: 4, Trigger: logging.TriggerEviction, Decision: logging.DecisionDeleted},
	}

	results, summary := Replay(events, DefaultReplayConfig())

	if results[2].Action != ActionDelete || results[2].ActiveAfter != 1 {
		t.Fatalf("unexpected delete result: %+v", results[2])
	}
	if !reflect.DeepEqual(summary.Active, []string{"r0.2"}) {
		t.Errorf("expected active [r0.2], got %v", summary.Active)
	}
	if !reflect.DeepEqual(summary.Archive, []string{"flat", "r0.2"}) {
		t.Errorf("expected archive [flat r0.2], got %v", summary.Archive)
	}
}

// 4. A re-admitted id keeps its original archive position.
func TestReplay_ReadmitKeepsArchive(t *testing.T) {
	events := []Event{
		bootstrap(),
		admitted("r0.2", 4, 120),
		{OptimID: "flat", Iteration: 4, Trigger: logging.TriggerEviction, Decision: logging.DecisionDeleted},
		{OptimID: "flat", Iteration: 8, Trigger: logging.TriggerAdjust, Decision: logging.DecisionAdmitted, Record: record("flat", 90, "r0.2")},
	}

	_, summary := Replay(events, DefaultReplayConfig())

	if !reflect.DeepEqual(summary.Archive, []string{"flat", "r0.2"}) {
		t.Errorf("expected archive [flat r0.2], got %v", summary.Archive)
	}
	if !reflect.DeepEqual(summary.Active, []string{"r0.2", "flat"}) {
		t.Errorf("expected active [r0.2 flat], got %v", summary.Active)
	}
}

// 5. Lifecycle violations are flagged and reported by CheckInvariants.
func TestReplay_Violations(t *testing.T) {
	events := []Event{
		bootstrap(),
		{OptimID: "flat", Iteration: 1, Trigger: logging.TriggerResume, Decision: logging.DecisionAdmitted},
		{OptimID: "ghost", Iteration: 2, Trigger: logging.TriggerEviction, Decision: logging.DecisionDeleted},
		{OptimID: "ghost", Iteration: 3, Trigger: logging.TriggerTransfer, Decision: logging.DecisionTransferred},
		{OptimID: "flat", Iteration: 4, Trigger: logging.TriggerAdjust, Decision: "promoted"},
	}

	results, summary := Replay(events, DefaultReplayConfig())

	want := []string{ActionAdmit, ActionViolation, ActionViolation, ActionViolation, ActionViolation}
	if got := actions(results); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if summary.Violations != 4 {
		t.Errorf("expected 4 violations, got %d", summary.Violations)
	}
	problems := CheckInvariants(results, summary)
	if len(problems) != 4 {
		t.Fatalf("expected 4 problems, got %v", problems)
	}
	if !strings.Contains(problems[0], "admitted twice") {
		t.Errorf("unexpected first problem: %s", problems[0])
	}
}

// 6. Overriding the gate bounds surfaces decisions that would change.
func TestReplay_ConfigOverride(t *testing.T) {
	events := []Event{
		bootstrap(),
		admitted("r0.2", 4, 120),
		{OptimID: "r0.9", Iteration: 4, Trigger: logging.TriggerAdjust, Decision: logging.DecisionRejectedMC, Record: record("r0.9", 400)},
	}
	config := ReplayConfig{Gate: &gate.GateConfig{MCLower: 150, MCUpper: 500}}

	results, summary := Replay(events, config)

	if results[1].Action != ActionGateMismatch {
		t.Errorf("expected admitted child to mismatch, got %s", results[1].Action)
	}
	if results[2].Action != ActionGateMismatch {
		t.Errorf("expected rejected child to mismatch, got %s", results[2].Action)
	}
	if summary.GateMismatch != 2 {
		t.Errorf("expected 2 mismatches, got %d", summary.GateMismatch)
	}
	// a mismatched admission still happened
	if len(summary.Active) != 2 {
		t.Errorf("expected 2 active, got %v", summary.Active)
	}
}

// 7. Transfers are counted and leave the population alone.
func TestReplay_Transfer(t *testing.T) {
	events := []Event{
		bootstrap(),
		admitted("r0.2", 4, 120),
		{OptimID: "r0.2", Iteration: 5, Trigger: logging.TriggerTransfer, Decision: logging.DecisionTransferred, ParentID: "flat"},
	}

	results, summary := Replay(events, DefaultReplayConfig())

	if results[2].Action != ActionTransfer || results[2].ActiveAfter != 2 {
		t.Fatalf("unexpected transfer result: %+v", results[2])
	}
	if summary.Transfers != 1 || summary.TotalEvents != 3 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

// 8. Deterministic: same events → same results.
func TestReplay_Deterministic(t *testing.T) {
	events := []Event{bootstrap(), admitted("r0.2", 4, 120), admitted("r0.4", 8, 60)}

	r1, s1 := Replay(events, DefaultReplayConfig())
	r2, s2 := Replay(events, DefaultReplayConfig())

	if !reflect.DeepEqual(r1, r2) || !reflect.DeepEqual(s1, s2) {
		t.Fatal("replay is not deterministic")
	}
}

func TestFromProvenance(t *testing.T) {
	payload, err := record("r0.2", 120, "flat").JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	entries := []logging.ProvenanceEntry{
		{ID: 1, OptimID: "flat", TriggerType: logging.TriggerBootstrap, Decision: logging.DecisionAdmitted, PayloadJSON: mustJSON(t, &logging.AdmissionRecord{Candidate: niche.DefaultEnv()})},
		{ID: 2, OptimID: "r0.2", Iteration: 4, TriggerType: logging.TriggerAdjust, ParentID: "flat", Decision: logging.DecisionAdmitted, PayloadJSON: payload},
		{ID: 3, OptimID: "r0.2", Iteration: 5, TriggerType: logging.TriggerTransfer, Decision: logging.DecisionTransferred, PayloadJSON: `{"source_id":"flat"}`},
	}

	events, err := FromProvenance(entries)
	if err != nil {
		t.Fatalf("FromProvenance: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[1].Record == nil || events[1].Record.Score != 120 || events[1].Record.Candidate.Name() != "r0.2" {
		t.Fatalf("record not decoded: %+v", events[1].Record)
	}
	if events[2].Record != nil {
		t.Error("transfer events should carry no admission record")
	}

	entries[1].PayloadJSON = "{broken"
	if _, err := FromProvenance(entries); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestFixtureFromEvents(t *testing.T) {
	events := []Event{bootstrap(), admitted("r0.2", 4, 120)}
	results, summary := Replay(events, DefaultReplayConfig())

	f := FixtureFromEvents("two admissions", events, results, summary)

	if len(f.Events) != 2 || len(f.ExpectedResults) != 2 {
		t.Fatalf("unexpected fixture sizes: %d events, %d results", len(f.Events), len(f.ExpectedResults))
	}
	if f.ExpectedResults[1].Action != ActionAdmit {
		t.Errorf("expected admit, got %s", f.ExpectedResults[1].Action)
	}
	if !reflect.DeepEqual(f.ExpectedArchive, []string{"flat", "r0.2"}) {
		t.Errorf("unexpected archive: %v", f.ExpectedArchive)
	}
}

func mustJSON(t *testing.T, rec *logging.AdmissionRecord) string {
	t.Helper()
	s, err := rec.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	return s
}

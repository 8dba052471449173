package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/verystrongjoe/poet/internal/gate"
	"github.com/verystrongjoe/poet/internal/logging"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          *FixtureGateConfig      `json:"config,omitempty"`
	Events          []FixtureEvent          `json:"events"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
	ExpectedActive  []string                `json:"expected_active"`
	ExpectedArchive []string                `json:"expected_archive"`
}

// FixtureGateConfig mirrors gate.GateConfig with JSON tags.
type FixtureGateConfig struct {
	MCLower float64 `json:"mc_lower"`
	MCUpper float64 `json:"mc_upper"`
}

// FixtureEvent mirrors a provenance row; Record is the admission payload, if any.
type FixtureEvent struct {
	OptimID   string                   `json:"optim_id"`
	Iteration int                      `json:"iteration"`
	Trigger   string                   `json:"trigger"`
	Decision  string                   `json:"decision"`
	ParentID  string                   `json:"parent_id,omitempty"`
	Record    *logging.AdmissionRecord `json:"record,omitempty"`
}

// FixtureExpectedResult captures the expected action per event.
type FixtureExpectedResult struct {
	OptimID string `json:"optim_id"`
	Action  string `json:"action"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToEvent converts a FixtureEvent to a replay Event.
func (fe *FixtureEvent) ToEvent() Event {
	return Event{
		OptimID:   fe.OptimID,
		Iteration: fe.Iteration,
		Trigger:   fe.Trigger,
		Decision:  fe.Decision,
		ParentID:  fe.ParentID,
		Record:    fe.Record,
	}
}

// ToReplayConfig converts the fixture's gate override, if any.
func (f *Fixture) ToReplayConfig() ReplayConfig {
	if f.Config == nil {
		return DefaultReplayConfig()
	}
	return ReplayConfig{Gate: &gate.GateConfig{MCLower: f.Config.MCLower, MCUpper: f.Config.MCUpper}}
}

// FixtureFromEvents builds a fixture whose expectations are the given replay outcome.
func FixtureFromEvents(description string, events []Event, results []ReplayResult, s ReplaySummary) Fixture {
	f := Fixture{
		Description:     description,
		ExpectedActive:  s.Active,
		ExpectedArchive: s.Archive,
	}
	for i, ev := range events {
		f.Events = append(f.Events, FixtureEvent{
			OptimID:   ev.OptimID,
			Iteration: ev.Iteration,
			Trigger:   ev.Trigger,
			Decision:  ev.Decision,
			ParentID:  ev.ParentID,
			Record:    ev.Record,
		})
		f.ExpectedResults = append(f.ExpectedResults, FixtureExpectedResult{OptimID: ev.OptimID, Action: results[i].Action})
	}
	return f
}

// #endregion fixture-loader

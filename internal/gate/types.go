package gate

// #region veto-type
// VetoType enumerates the reasons a candidate niche is turned away.
type VetoType string

const (
	VetoDuplicate VetoType = "duplicate"
	VetoTooHard   VetoType = "below_minimal_criterion"
	VetoTooEasy   VetoType = "above_minimal_criterion"
	VetoNonFinite VetoType = "non_finite_score"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected veto condition.
type VetoSignal struct {
	Type   VetoType
	Reason string
}

// #endregion veto-signal

// #region gate-config
// GateConfig holds the minimal criterion bounds. Both bounds are inclusive.
type GateConfig struct {
	MCLower float64 // scores below are too hard
	MCUpper float64 // scores above are too easy
}

// DefaultGateConfig returns the bounds used for the bipedal-walker style terrain.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MCLower: 25,
		MCUpper: 340,
	}
}

// #endregion gate-config

// #region gate-decision
// GateDecision is the output of the gate evaluation.
type GateDecision struct {
	Action      string // "admit" | "reject"
	Reason      string
	Vetoed      bool
	VetoSignals []VetoSignal // non-empty if vetoed
	Score       float64
}

// #endregion gate-decision

package logging

import (
	"encoding/json"
	"math"
	"time"

	"github.com/verystrongjoe/poet/internal/niche"
)

// Trigger types.
const (
	TriggerBootstrap = "bootstrap"
	TriggerResume    = "resume"
	TriggerAdjust    = "adjust"
	TriggerTransfer  = "transfer"
	TriggerEviction  = "eviction"
)

// Decisions.
const (
	DecisionAdmitted      = "admitted"
	DecisionRejectedDedup = "rejected_dedup"
	DecisionRejectedMC    = "rejected_mc"
	DecisionDeleted       = "deleted"
	DecisionTransferred   = "transferred"
)

// #region provenance-entry
// ProvenanceEntry is a single row in the provenance_log table.
type ProvenanceEntry struct {
	ID          int64
	OptimID     string
	Iteration   int
	TriggerType string
	ParentID    string
	PayloadJSON string
	Decision    string
	Reason      string
	CreatedAt   time.Time
}

// #endregion provenance-entry

// #region admission-record
// AdmissionRecord captures the complete gate inputs for one candidate.
// Serialized as JSON into provenance_log.payload_json for deterministic replay.
type AdmissionRecord struct {
	Iteration int             `json:"iteration"`
	Stage     string          `json:"stage"` // "child_list" | "adjust"
	Candidate niche.EnvConfig `json:"candidate"`
	ParentID  string          `json:"parent_id"`
	Seed      int64           `json:"seed"`

	// Score the gate saw; non-finite scores are stored as -MaxFloat64.
	Score   float64 `json:"score"`
	Novelty float64 `json:"novelty"`

	// Active niche ids at decision time
	Active []string `json:"active"`

	Thresholds AdmissionThresholds `json:"thresholds"`

	// Gate output
	GateAction string `json:"gate_action"`
	GateVetoed bool   `json:"gate_vetoed"`
	GateReason string `json:"gate_reason"`
}

// AdmissionThresholds captures the gate config active at decision time.
type AdmissionThresholds struct {
	MCLower float64 `json:"mc_lower"`
	MCUpper float64 `json:"mc_upper"`
	MaxEnvs int     `json:"max_envs"`
}

// JSON encodes the record, replacing values encoding/json cannot represent.
func (r AdmissionRecord) JSON() (string, error) {
	r.Score = Finite(r.Score)
	r.Novelty = Finite(r.Novelty)
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Finite maps NaN and -Inf to -MaxFloat64 and +Inf to MaxFloat64.
func Finite(x float64) float64 {
	switch {
	case math.IsNaN(x), math.IsInf(x, -1):
		return -math.MaxFloat64
	case math.IsInf(x, 1):
		return math.MaxFloat64
	}
	return x
}

// #endregion admission-record

// #region transfer-record
// TransferPayload records which source theta replaced a niche's parameters.
type TransferPayload struct {
	SourceID string  `json:"source_id"`
	Tag      string  `json:"tag"`
	Score    float64 `json:"score"`
	Previous float64 `json:"previous"`
}

// #endregion transfer-record

package fraud

import (
	"github.com/google/uuid"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
)

// Contribution components
const (
	ComponentModel   = "model"
	ComponentRule    = "rule"
	ComponentAnomaly = "anomaly"
)

// ModelVersionNone marks a verdict produced without the model
const ModelVersionNone = "none"

// verdictNamespace scopes name-based verdict IDs
var verdictNamespace = uuid.MustParse("5b0c7e0e-3f7a-4d8e-9a53-2d1c6f1b9e40")

// OutcomeStatus records whether a scoring component ran cleanly
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeDegraded  OutcomeStatus = "degraded"
)

// Outcome is the run record of one detector or scorer
type Outcome struct {
	Component string        `json:"component"`
	Status    OutcomeStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// Contribution is one weighted term of the final score
type Contribution struct {
	Component string  `json:"component"`
	Source    string  `json:"source"`
	Value     float64 `json:"value"`
	Weight    float64 `json:"weight"`
	Weighted  float64 `json:"weighted"`
}

// AnomalyScore is the magnitude of deviation of a claim from its baseline
type AnomalyScore struct {
	Z          float64 `json:"z"`
	MaxLineZ   float64 `json:"max_line_z"`
	Normalized float64 `json:"normalized"`
	Baseline   string  `json:"baseline"`
	SampleSize int     `json:"sample_size"`
}

// Override forces tier critical when a matching finding is present
type Override struct {
	Detector    string   `json:"detector"`
	Kind        string   `json:"kind,omitempty"`
	MinSeverity Severity `json:"min_severity"`
}

// Matches reports whether f satisfies the override. An empty Kind matches
// every kind of the detector.
func (o Override) Matches(f Finding) bool {
	if o.Detector != f.Detector {
		return false
	}
	if o.Kind != "" && o.Kind != f.Kind {
		return false
	}
	return f.Severity.AtLeast(o.MinSeverity)
}

// Verdict is the scored outcome for one claim version. It is recomputed,
// never mutated.
type Verdict struct {
	ID               uuid.UUID        `json:"id"`
	ClaimID          uuid.UUID        `json:"claim_id"`
	GroupID          uuid.UUID        `json:"group_id"`
	ClaimVersion     uint64           `json:"claim_version"`
	AsOfVersion      uint64           `json:"as_of_version"`
	Score            float64          `json:"score"`
	Tier             Tier             `json:"tier"`
	ScoreTier        Tier             `json:"score_tier"`
	Override         *Override        `json:"override,omitempty"`
	Probability      float64          `json:"probability"`
	Contributions    []Contribution   `json:"contributions"`
	Findings         []Finding        `json:"findings"`
	Anomaly          AnomalyScore     `json:"anomaly"`
	ModelVersion     string           `json:"model_version"`
	PolicyVersion    string           `json:"policy_version"`
	// ReferenceVersion names the reference snapshot every component read
	ReferenceVersion string           `json:"reference_version"`
	Outcomes         []Outcome        `json:"outcomes"`
	ContentHash      values.HashValue `json:"content_hash"`
}

// IDFromHash derives the verdict ID from its content hash
func IDFromHash(h values.HashValue) uuid.UUID {
	return uuid.NewSHA1(verdictNamespace, h.Bytes())
}

// Degraded lists components that failed during scoring
func (v *Verdict) Degraded() []string {
	var out []string
	for _, o := range v.Outcomes {
		if o.Status == OutcomeDegraded {
			out = append(out, o.Component)
		}
	}
	return out
}

func (v *Verdict) Overridden() bool {
	return v.Override != nil
}

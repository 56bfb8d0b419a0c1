package fraud

import (
	"sort"

	"github.com/google/uuid"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
)

// Detector names
const (
	DetectorDuplicate       = "duplicate_claim"
	DetectorPhantomPatient  = "phantom_patient"
	DetectorUpcoding        = "upcoding"
	DetectorProviderOutlier = "provider_outlier"
)

// Finding is one rule hit against a claim version
type Finding struct {
	Detector     string    `json:"detector"`
	Kind         string    `json:"kind"`
	Severity     Severity  `json:"severity"`
	ClaimID      uuid.UUID `json:"claim_id"`
	ClaimVersion uint64    `json:"claim_version"`
	LineIndexes  []int     `json:"line_indexes,omitempty"`
	Reason       string    `json:"reason"`
	Evidence     Evidence  `json:"evidence"`
}

// Evidence backs a finding with related claims and measured values
type Evidence struct {
	RelatedClaims []uuid.UUID        `json:"related_claims,omitempty"`
	Values        map[string]float64 `json:"values,omitempty"`
}

// NewFinding creates a finding against c
func NewFinding(detector, kind string, severity Severity, c *claim.Claim, reason string) Finding {
	return Finding{
		Detector:     detector,
		Kind:         kind,
		Severity:     severity,
		ClaimID:      c.ID,
		ClaimVersion: c.Version,
		Reason:       reason,
	}
}

// WithLines returns a copy referencing the given line indexes in ascending order
func (f Finding) WithLines(lines ...int) Finding {
	cp := append([]int(nil), lines...)
	sort.Ints(cp)
	f.LineIndexes = cp
	return f
}

// WithRelated returns a copy with the related claim IDs sorted
func (f Finding) WithRelated(ids ...uuid.UUID) Finding {
	cp := append([]uuid.UUID(nil), ids...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].String() < cp[j].String() })
	f.Evidence.RelatedClaims = cp
	return f
}

// WithValue returns a copy carrying an evidence measurement
func (f Finding) WithValue(name string, v float64) Finding {
	vals := make(map[string]float64, len(f.Evidence.Values)+1)
	for k, x := range f.Evidence.Values {
		vals[k] = x
	}
	vals[name] = v
	f.Evidence.Values = vals
	return f
}

// SortFindings orders findings deterministically: severity desc, then
// detector, kind, first line and reason.
func SortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Detector != b.Detector {
			return a.Detector < b.Detector
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		al, bl := firstLine(a), firstLine(b)
		if al != bl {
			return al < bl
		}
		return a.Reason < b.Reason
	})
}

func firstLine(f Finding) int {
	if len(f.LineIndexes) == 0 {
		return -1
	}
	return f.LineIndexes[0]
}

// MaxSeverity returns the highest severity among findings
func MaxSeverity(findings []Finding) (Severity, bool) {
	var best Severity
	for _, f := range findings {
		if f.Severity.Rank() > best.Rank() {
			best = f.Severity
		}
	}
	return best, best != ""
}

// CountBySeverity tallies findings per severity
func CountBySeverity(findings []Finding) map[Severity]int {
	counts := make(map[Severity]int, len(Severities))
	for _, s := range Severities {
		counts[s] = 0
	}
	for _, f := range findings {
		counts[f.Severity]++
	}
	return counts
}

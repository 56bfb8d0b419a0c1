package reference

import (
	"math"
	"time"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
)

// Enrollment is a coverage period. A nil End means still active.
type Enrollment struct {
	Start time.Time  `json:"start" yaml:"start"`
	End   *time.Time `json:"end,omitempty" yaml:"end,omitempty"`
}

// Covers reports whether day falls inside the enrollment
func (e Enrollment) Covers(day time.Time) bool {
	d := values.Day(day)
	if d.Before(values.Day(e.Start)) {
		return false
	}
	return e.End == nil || !d.After(values.Day(*e.End))
}

type Patient struct {
	ID          string       `json:"id" yaml:"id"`
	Enrollments []Enrollment `json:"enrollments" yaml:"enrollments"`
	DateOfDeath *time.Time   `json:"date_of_death,omitempty" yaml:"date_of_death,omitempty"`
	Region      string       `json:"region,omitempty" yaml:"region,omitempty"`
}

// CoverageStatus classifies a patient's enrollment for a service day
type CoverageStatus string

const (
	CoverageActive       CoverageStatus = "active"
	CoverageNone         CoverageStatus = "no_enrollment"
	CoverageLapsed       CoverageStatus = "enrollment_ended"
	CoverageNotYetActive CoverageStatus = "enrollment_not_started"
)

// CoverageOn evaluates enrollment for the service day
func (p Patient) CoverageOn(day time.Time) CoverageStatus {
	if len(p.Enrollments) == 0 {
		return CoverageNone
	}
	d := values.Day(day)
	beforeAll := true
	for _, e := range p.Enrollments {
		if e.Covers(d) {
			return CoverageActive
		}
		if !d.Before(values.Day(e.Start)) {
			beforeAll = false
		}
	}
	if beforeAll {
		return CoverageNotYetActive
	}
	return CoverageLapsed
}

// DeceasedOn reports whether the patient died before day
func (p Patient) DeceasedOn(day time.Time) bool {
	return p.DateOfDeath != nil && values.Day(day).After(values.Day(*p.DateOfDeath))
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// AmountStats summarizes historical claim totals
type AmountStats struct {
	Mean   float64 `json:"mean" yaml:"mean"`
	StdDev float64 `json:"std_dev" yaml:"std_dev"`
	Count  int     `json:"count" yaml:"count"`
}

// ZScore of x against the stats; ok is false without a usable spread
func (s AmountStats) ZScore(x float64) (float64, bool) {
	if s.Count < 2 || s.StdDev <= 0 || math.IsNaN(s.StdDev) {
		return 0, false
	}
	return (x - s.Mean) / s.StdDev, true
}

// StatsOf computes mean and sample standard deviation of samples
func StatsOf(samples []float64) AmountStats {
	n := len(samples)
	if n == 0 {
		return AmountStats{}
	}
	var sum float64
	for _, x := range samples {
		sum += x
	}
	mean := sum / float64(n)
	if n < 2 {
		return AmountStats{Mean: mean, Count: n}
	}
	var sq float64
	for _, x := range samples {
		sq += (x - mean) * (x - mean)
	}
	return AmountStats{Mean: mean, StdDev: math.Sqrt(sq / float64(n-1)), Count: n}
}

type Provider struct {
	ID            string      `json:"id" yaml:"id"`
	Name          string      `json:"name" yaml:"name"`
	Specialty     string      `json:"specialty" yaml:"specialty"`
	RiskLevel     RiskLevel   `json:"risk_level,omitempty" yaml:"risk_level,omitempty"`
	ClaimCount    int         `json:"claim_count" yaml:"claim_count"`
	RejectedCount int         `json:"rejected_count" yaml:"rejected_count"`
	Amounts       AmountStats `json:"amounts" yaml:"amounts"`
}

// RejectionRate is rejected / total historical claims
func (p Provider) RejectionRate() float64 {
	if p.ClaimCount == 0 {
		return 0
	}
	return float64(p.RejectedCount) / float64(p.ClaimCount)
}

// ProcedureCode is a dictionary entry for a billable procedure
type ProcedureCode struct {
	Code          string   `json:"code" yaml:"code"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tier          int      `json:"tier" yaml:"tier"`
	Prerequisites []string `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	Deprecated    bool     `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
	Replacement   string   `json:"replacement,omitempty" yaml:"replacement,omitempty"`
	InpatientOnly bool     `json:"inpatient_only,omitempty" yaml:"inpatient_only,omitempty"`
}

type DiagnosisCode struct {
	Code        string `json:"code" yaml:"code"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Deprecated  bool   `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
}

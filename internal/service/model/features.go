package model

import (
	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
	"github.com/davidleathers/claims-fraud-engine/internal/service/history"
)

// PatientWindowDays is the look-back for the patient claim count feature
const PatientWindowDays = 30

// FeatureSchemaV1 is the ordered feature list every artifact manifest must
// declare.
var FeatureSchemaV1 = []string{
	"finding_count_low",
	"finding_count_medium",
	"finding_count_high",
	"finding_count_critical",
	"anomaly_z",
	"anomaly_normalized",
	"provider_claim_volume",
	"provider_mean_amount",
	"provider_rejection_rate",
	"patient_claim_count_30d",
	"total_claim_amount",
	"line_count",
	"length_of_stay",
	"bill_claim_ratio",
	"outpatient",
	"all_lines_preauthorized",
}

// Features is one claim's model input
type Features struct {
	FindingsLow           int     `json:"finding_count_low"`
	FindingsMedium        int     `json:"finding_count_medium"`
	FindingsHigh          int     `json:"finding_count_high"`
	FindingsCritical      int     `json:"finding_count_critical"`
	AnomalyZ              float64 `json:"anomaly_z"`
	AnomalyNormalized     float64 `json:"anomaly_normalized"`
	ProviderClaimVolume   float64 `json:"provider_claim_volume"`
	ProviderMeanAmount    float64 `json:"provider_mean_amount"`
	ProviderRejectionRate float64 `json:"provider_rejection_rate"`
	PatientClaims30d      int     `json:"patient_claim_count_30d"`
	TotalClaimAmount      float64 `json:"total_claim_amount"`
	LineCount             int     `json:"line_count"`
	LengthOfStay          int     `json:"length_of_stay"`
	BillClaimRatio        float64 `json:"bill_claim_ratio"`
	Outpatient            bool    `json:"outpatient"`
	AllLinesPreauthorized bool    `json:"all_lines_preauthorized"`
}

// Vector lays the features out in FeatureSchemaV1 order
func (f Features) Vector() []float64 {
	return []float64{
		float64(f.FindingsLow),
		float64(f.FindingsMedium),
		float64(f.FindingsHigh),
		float64(f.FindingsCritical),
		f.AnomalyZ,
		f.AnomalyNormalized,
		f.ProviderClaimVolume,
		f.ProviderMeanAmount,
		f.ProviderRejectionRate,
		float64(f.PatientClaims30d),
		f.TotalClaimAmount,
		float64(f.LineCount),
		float64(f.LengthOfStay),
		f.BillClaimRatio,
		flag(f.Outpatient),
		flag(f.AllLinesPreauthorized),
	}
}

// Assemble builds the feature vector for c. snap may be nil, in which case
// the provider features are zero.
func Assemble(c *claim.Claim, view *history.View, snap *reference.Snapshot, findings []fraud.Finding, anomaly fraud.AnomalyScore) Features {
	counts := fraud.CountBySeverity(findings)
	f := Features{
		FindingsLow:           counts[fraud.SeverityLow],
		FindingsMedium:        counts[fraud.SeverityMedium],
		FindingsHigh:          counts[fraud.SeverityHigh],
		FindingsCritical:      counts[fraud.SeverityCritical],
		AnomalyZ:              anomaly.Z,
		AnomalyNormalized:     anomaly.Normalized,
		PatientClaims30d:      patientClaims(c, view),
		TotalClaimAmount:      c.Total().ToFloat64(),
		LineCount:             len(c.Lines),
		LengthOfStay:          c.LengthOfStay(),
		BillClaimRatio:        1,
		Outpatient:            c.IsOutpatient(),
		AllLinesPreauthorized: c.AllLinesPreauthorized(),
	}

	if billed, ok := c.BilledTotal(); ok && billed.IsPositive() {
		f.BillClaimRatio = c.Total().ToFloat64() / billed.ToFloat64()
	}

	if snap != nil {
		if p, ok := snap.Provider(c.ProviderID); ok {
			f.ProviderClaimVolume = float64(p.ClaimCount)
			f.ProviderMeanAmount = p.Amounts.Mean
			f.ProviderRejectionRate = p.RejectionRate()
		}
	}
	return f
}

// patientClaims counts the patient's other current claims in the 30 days up
// to the claim's service end, excluding reversals and later versions
func patientClaims(c *claim.Claim, view *history.View) int {
	if view == nil {
		return 0
	}
	window := values.Trailing(c.ServicePeriod().To, PatientWindowDays)
	n := 0
	for _, o := range view.FindByPatient(c.PatientID, window) {
		if o.GroupID == c.GroupID || o.Status == claim.StatusReversed {
			continue
		}
		if c.Version != 0 && o.Version >= c.Version {
			continue
		}
		n++
	}
	return n
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

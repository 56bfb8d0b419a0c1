package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/service/history"
)

// Phantom-patient finding kinds
const (
	KindNotRegistered        = "not_registered"
	KindNoEnrollment         = string(reference.CoverageNone)
	KindEnrollmentEnded      = string(reference.CoverageLapsed)
	KindEnrollmentNotStarted = string(reference.CoverageNotYetActive)
	KindDeceasedPatient      = "deceased_patient"
	KindVisitFrequency       = "visit_frequency"
)

// PhantomPatient flags services billed for patients who could not have
// received them
type PhantomPatient struct {
	cfg config.PhantomConfig
}

func NewPhantomPatient(cfg config.PhantomConfig) *PhantomPatient {
	return &PhantomPatient{cfg: cfg}
}

func (d *PhantomPatient) Name() string { return fraud.DetectorPhantomPatient }

func (d *PhantomPatient) Evaluate(_ context.Context, c *claim.Claim, view *history.View, snap *reference.Snapshot) ([]fraud.Finding, error) {
	if err := requireSnapshot(snap); err != nil {
		return nil, err
	}

	patient, ok := snap.Patient(c.PatientID)
	if !ok {
		f := fraud.NewFinding(fraud.DetectorPhantomPatient, KindNotRegistered, fraud.SeverityHigh, c,
			fmt.Sprintf("patient %s has no registry record", c.PatientID))
		return []fraud.Finding{f.WithLines(allLines(c)...)}, nil
	}

	var findings []fraud.Finding
	if f, ok := deceased(c, patient); ok {
		findings = append(findings, f)
	}
	if f, ok := uncovered(c, patient); ok {
		findings = append(findings, f)
	}
	if f, ok := d.frequency(c, view); ok {
		findings = append(findings, f)
	}
	return findings, nil
}

func deceased(c *claim.Claim, p reference.Patient) (fraud.Finding, bool) {
	var lines []int
	for i, l := range c.Lines {
		if p.DeceasedOn(l.ServiceDate) {
			lines = append(lines, i)
		}
	}
	if len(lines) == 0 {
		return fraud.Finding{}, false
	}
	return fraud.NewFinding(fraud.DetectorPhantomPatient, KindDeceasedPatient, fraud.SeverityCritical, c,
		fmt.Sprintf("service dated after patient's date of death %s", p.DateOfDeath.Format(time.DateOnly))).
		WithLines(lines...), true
}

// uncovered reports the first coverage problem found across service days
func uncovered(c *claim.Claim, p reference.Patient) (fraud.Finding, bool) {
	var status reference.CoverageStatus
	var lines []int
	for i, l := range c.Lines {
		s := p.CoverageOn(l.ServiceDate)
		if s == reference.CoverageActive {
			continue
		}
		if status == "" {
			status = s
		}
		if s == status {
			lines = append(lines, i)
		}
	}
	if status == "" {
		return fraud.Finding{}, false
	}

	var reason string
	switch status {
	case reference.CoverageNone:
		reason = "patient has no enrollment record"
	case reference.CoverageLapsed:
		reason = "service dated after the patient's enrollment ended"
	default:
		reason = "service dated before the patient's enrollment started"
	}
	return fraud.NewFinding(fraud.DetectorPhantomPatient, string(status), fraud.SeverityHigh, c, reason).
		WithLines(lines...), true
}

func (d *PhantomPatient) frequency(c *claim.Claim, view *history.View) (fraud.Finding, bool) {
	if d.cfg.FrequencyMedium <= 0 || d.cfg.FrequencyWindowDays <= 0 {
		return fraud.Finding{}, false
	}
	window := values.Trailing(c.ServicePeriod().To, d.cfg.FrequencyWindowDays)

	count := 0
	for _, o := range view.FindByPatient(c.PatientID, window) {
		if o.GroupID != c.GroupID && o.Status != claim.StatusReversed && prior(o, c) {
			count++
		}
	}
	count++ // this claim

	var sev fraud.Severity
	switch {
	case d.cfg.FrequencyHigh > 0 && count > d.cfg.FrequencyHigh:
		sev = fraud.SeverityHigh
	case count > d.cfg.FrequencyMedium:
		sev = fraud.SeverityMedium
	default:
		return fraud.Finding{}, false
	}
	return fraud.NewFinding(fraud.DetectorPhantomPatient, KindVisitFrequency, sev, c,
		fmt.Sprintf("%d claims for this patient in %d days", count, d.cfg.FrequencyWindowDays)).
		WithValue("claims_in_window", float64(count)), true
}

func allLines(c *claim.Claim) []int {
	out := make([]int, len(c.Lines))
	for i := range c.Lines {
		out[i] = i
	}
	return out
}

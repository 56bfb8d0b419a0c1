package detector

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/service/history"
)

// Upcoding finding kinds
const (
	KindAboveBaseline       = "amount_above_baseline"
	KindMissingPrerequisite = "missing_prerequisite"
	KindInpatientOnly       = "inpatient_only_procedure"
	KindClaimExceedsBill    = "claim_exceeds_bill"
)

// Upcoding flags lines billed above what the provider normally charges or
// coded higher than the encounter supports
type Upcoding struct {
	cfg config.UpcodingConfig
}

func NewUpcoding(cfg config.UpcodingConfig) *Upcoding {
	return &Upcoding{cfg: cfg}
}

func (d *Upcoding) Name() string { return fraud.DetectorUpcoding }

func (d *Upcoding) Evaluate(_ context.Context, c *claim.Claim, view *history.View, snap *reference.Snapshot) ([]fraud.Finding, error) {
	if err := requireSnapshot(snap); err != nil {
		return nil, err
	}
	codes := snap.Codes()

	// the provider's own prior claims form the baseline
	window := values.Trailing(c.ServicePeriod().To, d.cfg.BaselineWindowDays)
	var baseline []*claim.Claim
	for _, o := range view.FindByProvider(c.ProviderID, window) {
		if o.GroupID != c.GroupID && o.Status != claim.StatusReversed && prior(o, c) {
			baseline = append(baseline, o)
		}
	}

	var findings []fraud.Finding
	findings = append(findings, d.aboveBaseline(c, baseline)...)

	for i, l := range c.Lines {
		proc, ok := codes.Procedure(l.ProcedureCode)
		if !ok {
			continue
		}
		if proc.InpatientOnly && !c.IsInpatient() {
			findings = append(findings,
				fraud.NewFinding(fraud.DetectorUpcoding, KindInpatientOnly, fraud.SeverityHigh, c,
					fmt.Sprintf("inpatient-only procedure %s billed on a non-inpatient claim", l.ProcedureCode)).
					WithLines(i))
		}
		if f, ok := d.missingPrerequisite(c, i, proc, baseline); ok {
			findings = append(findings, f)
		}
		if l.BilledAmount != nil && l.Total().GreaterThan(*l.BilledAmount) {
			findings = append(findings,
				fraud.NewFinding(fraud.DetectorUpcoding, KindClaimExceedsBill, fraud.SeverityHigh, c,
					fmt.Sprintf("claimed %s exceeds hospital bill %s", l.Total(), *l.BilledAmount)).
					WithLines(i).
					WithValue("claimed", l.Total().ToFloat64()).
					WithValue("billed", l.BilledAmount.ToFloat64()))
		}
	}
	return findings, nil
}

func (d *Upcoding) aboveBaseline(c *claim.Claim, baseline []*claim.Claim) []fraud.Finding {
	samples := make(map[string][]float64)
	for _, o := range baseline {
		for _, l := range o.Lines {
			samples[l.ProcedureCode] = append(samples[l.ProcedureCode], l.UnitAmount.ToFloat64())
		}
	}

	var findings []fraud.Finding
	for i, l := range c.Lines {
		xs := samples[l.ProcedureCode]
		if len(xs) < d.cfg.MinBaselineSample {
			continue
		}
		stats := reference.StatsOf(xs)
		unit := l.UnitAmount.ToFloat64()
		z, ok := stats.ZScore(unit)
		if !ok || z <= d.cfg.K {
			continue
		}
		sev := fraud.SeverityMedium
		if z > 2*d.cfg.K {
			sev = fraud.SeverityHigh
		}
		findings = append(findings,
			fraud.NewFinding(fraud.DetectorUpcoding, KindAboveBaseline, sev, c,
				fmt.Sprintf("%s billed at %.2f, %.1f standard deviations above provider baseline %.2f",
					l.ProcedureCode, unit, z, stats.Mean)).
				WithLines(i).
				WithValue("z", z).
				WithValue("baseline_mean", stats.Mean).
				WithValue("baseline_stddev", stats.StdDev).
				WithValue("baseline_sample", float64(stats.Count)))
	}
	return findings
}

// missingPrerequisite flags a higher-tier code billed without any of its
// typical prerequisites when the provider's own history shows they usually
// come together
func (d *Upcoding) missingPrerequisite(c *claim.Claim, line int, proc reference.ProcedureCode, baseline []*claim.Claim) (fraud.Finding, bool) {
	if len(proc.Prerequisites) == 0 {
		return fraud.Finding{}, false
	}
	for _, p := range proc.Prerequisites {
		if c.HasProcedure(p) {
			return fraud.Finding{}, false
		}
	}

	withCode, withPrereq := 0, 0
	for _, o := range baseline {
		if !o.HasProcedure(proc.Code) {
			continue
		}
		withCode++
		for _, p := range proc.Prerequisites {
			if o.HasProcedure(p) {
				withPrereq++
				break
			}
		}
	}
	if withCode < d.cfg.MinBaselineSample {
		return fraud.Finding{}, false
	}
	ratio := float64(withPrereq) / float64(withCode)
	if ratio < d.cfg.PrerequisiteMinRatio {
		return fraud.Finding{}, false
	}

	return fraud.NewFinding(fraud.DetectorUpcoding, KindMissingPrerequisite, fraud.SeverityMedium, c,
		fmt.Sprintf("%s billed without %s, which accompanies it in %.0f%% of this provider's claims",
			proc.Code, strings.Join(proc.Prerequisites, "/"), ratio*100)).
		WithLines(line).
		WithValue("co_occurrence", ratio), true
}

package detector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/service/history"
)

// Duplicate finding kinds
const (
	KindExactFinalized  = "exact_finalized"
	KindExact           = "exact"
	KindPartial         = "partial"
	KindSuspected       = "suspected"
	KindReusedPreauth   = "reused_preauth"
	KindOverlappingStay = "overlapping_stay"
)

// halfOverlap is the dollar overlap share at which a partial duplicate is high
var halfOverlap = decimal.NewFromFloat(0.5)

// Duplicate flags claims that repeat lines already billed in other groups
type Duplicate struct {
	strict       history.SimilarityPolicy
	fuzzy        history.SimilarityPolicy
	fuzzyEnabled bool
}

func NewDuplicate(h config.HistoryConfig, cfg config.DuplicateConfig) *Duplicate {
	return &Duplicate{
		strict:       history.StrictPolicy(h.Strict),
		fuzzy:        history.FuzzyPolicy(h.Fuzzy),
		fuzzyEnabled: cfg.FuzzyEnabled,
	}
}

func (d *Duplicate) Name() string { return fraud.DetectorDuplicate }

func (d *Duplicate) Evaluate(_ context.Context, c *claim.Claim, view *history.View, _ *reference.Snapshot) ([]fraud.Finding, error) {
	// a reversal withdraws billing, it cannot duplicate anything
	if c.Status == claim.StatusReversed {
		return nil, nil
	}

	var findings []fraud.Finding

	strict := d.candidates(c, view, d.strict, nil)
	if f, ok := d.strictFinding(c, strict); ok {
		findings = append(findings, f)
	}

	if d.fuzzyEnabled {
		seen := make(map[uuid.UUID]struct{}, len(strict))
		for _, o := range strict {
			seen[o.ID] = struct{}{}
		}
		if f, ok := d.fuzzyFinding(c, d.candidates(c, view, d.fuzzy, seen)); ok {
			findings = append(findings, f)
		}
	}

	if f, ok := reusedPreauth(c, view); ok {
		findings = append(findings, f)
	}
	if f, ok := overlappingStay(c, view); ok {
		findings = append(findings, f)
	}
	return findings, nil
}

func (d *Duplicate) candidates(c *claim.Claim, view *history.View, p history.SimilarityPolicy, skip map[uuid.UUID]struct{}) []*claim.Claim {
	var out []*claim.Claim
	for _, o := range view.FindSimilar(c, p) {
		if _, ok := skip[o.ID]; ok {
			continue
		}
		if o.Status == claim.StatusReversed || !prior(o, c) {
			continue
		}
		out = append(out, o)
	}
	return out
}

func (d *Duplicate) strictFinding(c *claim.Claim, dups []*claim.Claim) (fraud.Finding, bool) {
	if len(dups) == 0 {
		return fraud.Finding{}, false
	}

	kind := KindPartial
	lines := make(map[int]struct{})
	related := make([]uuid.UUID, 0, len(dups))
	for _, o := range dups {
		related = append(related, o.ID)
		for _, p := range history.MatchingLines(c, o, d.strict.WindowDays) {
			lines[p.Line] = struct{}{}
		}
		if exactDuplicate(c, o) {
			if o.Status == claim.StatusFinalized {
				kind = KindExactFinalized
			} else if kind == KindPartial {
				kind = KindExact
			}
		}
	}

	share := overlapShare(c, lines)
	sev := fraud.SeverityMedium
	switch {
	case kind == KindExactFinalized:
		sev = fraud.SeverityCritical
	case len(dups) >= 2 || share.GreaterThanOrEqual(halfOverlap):
		sev = fraud.SeverityHigh
	}

	reason := fmt.Sprintf("%d prior claim(s) bill the same procedures for this patient on the same day", len(dups))
	if kind == KindExactFinalized {
		reason = "exact duplicate of a finalized claim"
	}

	overlap, _ := share.Float64()
	return fraud.NewFinding(fraud.DetectorDuplicate, kind, sev, c, reason).
		WithLines(keys(lines)...).
		WithRelated(related...).
		WithValue("duplicates", float64(len(dups))).
		WithValue("dollar_overlap", overlap), true
}

func (d *Duplicate) fuzzyFinding(c *claim.Claim, suspects []*claim.Claim) (fraud.Finding, bool) {
	if len(suspects) == 0 {
		return fraud.Finding{}, false
	}

	sev := fraud.SeverityLow
	lines := make(map[int]struct{})
	related := make([]uuid.UUID, 0, len(suspects))
	for _, o := range suspects {
		related = append(related, o.ID)
		for _, p := range history.MatchingLines(c, o, d.fuzzy.WindowDays) {
			lines[p.Line] = struct{}{}
		}
		if o.ProviderID == c.ProviderID && o.Total().Equal(c.Total()) {
			sev = fraud.SeverityMedium
		}
	}
	if len(suspects) >= 2 {
		sev = fraud.SeverityMedium
	}

	return fraud.NewFinding(fraud.DetectorDuplicate, KindSuspected, sev, c,
		fmt.Sprintf("%d claim(s) bill the same procedures for this patient within %d days",
			len(suspects), d.fuzzy.WindowDays)).
		WithLines(keys(lines)...).
		WithRelated(related...).
		WithValue("suspects", float64(len(suspects))), true
}

func reusedPreauth(c *claim.Claim, view *history.View) (fraud.Finding, bool) {
	var related []uuid.UUID
	var lines []int
	seen := make(map[uuid.UUID]struct{})
	for _, number := range c.PreauthNumbers() {
		hit := false
		for _, o := range view.FindByPreauth(number, c.GroupID) {
			if o.Status == claim.StatusReversed || !prior(o, c) {
				continue
			}
			hit = true
			if _, ok := seen[o.ID]; !ok {
				seen[o.ID] = struct{}{}
				related = append(related, o.ID)
			}
		}
		if !hit {
			continue
		}
		for i, l := range c.Lines {
			if l.PreauthNumber == number {
				lines = append(lines, i)
			}
		}
	}
	if len(related) == 0 {
		return fraud.Finding{}, false
	}
	return fraud.NewFinding(fraud.DetectorDuplicate, KindReusedPreauth, fraud.SeverityHigh, c,
		"preauthorisation number already used by another claim").
		WithLines(lines...).
		WithRelated(related...), true
}

func overlappingStay(c *claim.Claim, view *history.View) (fraud.Finding, bool) {
	stay, ok := c.Stay()
	if !ok || stay.Days() < 2 {
		return fraud.Finding{}, false
	}

	var related []uuid.UUID
	for _, o := range view.FindByPatient(c.PatientID, stay) {
		if o.GroupID == c.GroupID || o.Status == claim.StatusReversed || !prior(o, c) {
			continue
		}
		other, ok := o.Stay()
		if !ok {
			continue
		}
		// a transfer day shared at the boundary is not an overlap
		if other.From.Before(stay.To) && other.To.After(stay.From) {
			related = append(related, o.ID)
		}
	}
	if len(related) == 0 {
		return fraud.Finding{}, false
	}
	return fraud.NewFinding(fraud.DetectorDuplicate, KindOverlappingStay, fraud.SeverityCritical, c,
		fmt.Sprintf("inpatient stay overlaps %d other admission(s)", len(related))).
		WithRelated(related...), true
}

// exactDuplicate reports whether every billable field of a and b is equal
func exactDuplicate(a, b *claim.Claim) bool {
	if a.PatientID != b.PatientID || a.ProviderID != b.ProviderID || len(a.Lines) != len(b.Lines) {
		return false
	}
	used := make([]bool, len(b.Lines))
	for _, la := range a.Lines {
		found := false
		for j, lb := range b.Lines {
			if !used[j] && la.SameBilling(lb) {
				used[j] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// overlapShare is the share of the claim total billed by the given lines
func overlapShare(c *claim.Claim, lines map[int]struct{}) decimal.Decimal {
	total := c.Total().Amount()
	if total.IsZero() {
		return decimal.Zero
	}
	matched := decimal.Zero
	for i := range lines {
		matched = matched.Add(c.Lines[i].Total().Amount())
	}
	return matched.Div(total)
}

func keys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

package history

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
)

// View is the history "as of" a version. Later appends are never visible.
type View struct {
	ix      *Index
	version uint64
	arena   []*claim.Claim
}

// Version is the last version visible in the view
func (v *View) Version() uint64 {
	return v.version
}

// Len is the number of versions visible in the view
func (v *View) Len() int {
	return len(v.arena)
}

// Get returns a claim by version
func (v *View) Get(version uint64) (*claim.Claim, bool) {
	if version == 0 || version > v.version {
		return nil, false
	}
	return v.arena[version-1], true
}

// Contains reports whether the claim version is visible in the view
func (v *View) Contains(claimID uuid.UUID) bool {
	_, ok := v.ClaimByID(claimID)
	return ok
}

// ClaimByID returns the version with the given surrogate ID
func (v *View) ClaimByID(claimID uuid.UUID) (*claim.Claim, bool) {
	raw, ok := v.ix.byClaim.Load(claimID)
	if !ok {
		return nil, false
	}
	return v.Get(raw.(uint64))
}

// Versions returns every version of the group in order, superseded first
func (v *View) Versions(groupID uuid.UUID) []*claim.Claim {
	return v.materialize(v.groupVersions(groupID))
}

// Current returns the latest version of the group as of the view
func (v *View) Current(groupID uuid.UUID) (*claim.Claim, bool) {
	list := v.groupVersions(groupID)
	if len(list) == 0 {
		return nil, false
	}
	return v.Get(list[len(list)-1])
}

// IsCurrent reports whether c is its group's latest version in the view
func (v *View) IsCurrent(c *claim.Claim) bool {
	cur, ok := v.Current(c.GroupID)
	return ok && cur.Version == c.Version
}

// FindByPatient returns the patient's claims with service in r
func (v *View) FindByPatient(patientID string, r values.DateRange, opts ...QueryOption) []*claim.Claim {
	return v.filterByPeriod(v.ix.byPatient.get(patientID), r, buildOptions(opts))
}

// FindByProvider returns the provider's claims with service in r
func (v *View) FindByProvider(providerID string, r values.DateRange, opts ...QueryOption) []*claim.Claim {
	return v.filterByPeriod(v.ix.byProvider.get(providerID), r, buildOptions(opts))
}

// FindByProcedure returns current claims billing code on a day within r
func (v *View) FindByProcedure(code string, r values.DateRange) []*claim.Claim {
	seen := make(map[uint64]struct{})
	var versions []uint64
	for d := r.From; !d.After(r.To); d = d.AddDate(0, 0, 1) {
		for _, ver := range upTo(v.ix.byProcedure.get(procedureKey(code, d)), v.version) {
			if _, ok := seen[ver]; ok {
				continue
			}
			seen[ver] = struct{}{}
			versions = append(versions, ver)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	out := make([]*claim.Claim, 0, len(versions))
	for _, ver := range versions {
		c, _ := v.Get(ver)
		if v.IsCurrent(c) {
			out = append(out, c)
		}
	}
	return out
}

// FindByPreauth returns current claims of other groups quoting the same
// preauthorisation number
func (v *View) FindByPreauth(number string, exclude uuid.UUID) []*claim.Claim {
	var out []*claim.Claim
	for _, ver := range upTo(v.ix.byPreauth.get(number), v.version) {
		c, _ := v.Get(ver)
		if c.GroupID != exclude && v.IsCurrent(c) {
			out = append(out, c)
		}
	}
	return out
}

// FindSimilar returns claims from other groups that match c under p. Results
// are ordered by version.
func (v *View) FindSimilar(c *claim.Claim, p SimilarityPolicy) []*claim.Claim {
	minOverlap := p.MinProcedureOverlap
	if minOverlap < 1 {
		minOverlap = 1
	}

	candidates := make(map[uint64]struct{})
	for _, l := range c.Lines {
		window := values.Around(l.ServiceDate, p.WindowDays)
		for d := window.From; !d.After(window.To); d = d.AddDate(0, 0, 1) {
			for _, ver := range upTo(v.ix.byProcedure.get(procedureKey(l.ProcedureCode, d)), v.version) {
				candidates[ver] = struct{}{}
			}
		}
	}

	versions := make([]uint64, 0, len(candidates))
	for ver := range candidates {
		versions = append(versions, ver)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	var out []*claim.Claim
	for _, ver := range versions {
		other, _ := v.Get(ver)
		if other.GroupID == c.GroupID || other.PatientID != c.PatientID {
			continue
		}
		if p.SameProvider && other.ProviderID != c.ProviderID {
			continue
		}
		if !p.IncludeSuperseded && !v.IsCurrent(other) {
			continue
		}
		if len(MatchingLines(c, other, p.WindowDays)) < minOverlap {
			continue
		}
		out = append(out, other)
	}
	return out
}

// LinePair links a line of one claim to a matching line of another
type LinePair struct {
	Line      int
	OtherLine int
}

// MatchingLines pairs each line of a with at most one unused line of b
// billing the same procedure within windowDays.
func MatchingLines(a, b *claim.Claim, windowDays int) []LinePair {
	used := make([]bool, len(b.Lines))
	var pairs []LinePair
	for i, la := range a.Lines {
		window := values.Around(la.ServiceDate, windowDays)
		for j, lb := range b.Lines {
			if used[j] || lb.ProcedureCode != la.ProcedureCode || !window.Contains(lb.ServiceDate) {
				continue
			}
			used[j] = true
			pairs = append(pairs, LinePair{Line: i, OtherLine: j})
			break
		}
	}
	return pairs
}

func (v *View) groupVersions(groupID uuid.UUID) []uint64 {
	return upTo(v.ix.byGroup.get(groupID.String()), v.version)
}

func (v *View) filterByPeriod(list []uint64, r values.DateRange, o queryOptions) []*claim.Claim {
	var out []*claim.Claim
	for _, ver := range upTo(list, v.version) {
		c, _ := v.Get(ver)
		if !o.includeSuperseded && !v.IsCurrent(c) {
			continue
		}
		if !c.ServicePeriod().Overlaps(r) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (v *View) materialize(list []uint64) []*claim.Claim {
	out := make([]*claim.Claim, 0, len(list))
	for _, ver := range list {
		c, _ := v.Get(ver)
		out = append(out, c)
	}
	return out
}

func procedureKey(code string, day time.Time) string {
	return code + "|" + day.Format(time.DateOnly)
}

package anomaly

import (
	"context"
	"fmt"
	"math"
	"slices"

	"go.uber.org/zap"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/service/history"
)

// Score is the anomaly magnitude of one claim
type Score = fraud.AnomalyScore

// Baselines in the order they are tried
const (
	BaselineProviderProcedure = "provider_procedure"
	BaselineProcedure         = "procedure"
	BaselineProviderReference = "provider_reference"
	BaselineNone              = "none"
)

// Scorer measures how far a claim's amounts sit from comparable history
type Scorer struct {
	cfg    config.AnomalyConfig
	logger *zap.Logger
}

func NewScorer(cfg config.AnomalyConfig, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Scale <= 0 {
		cfg.Scale = 3
	}
	return &Scorer{cfg: cfg, logger: logger}
}

// Score computes the claim total z-score against the first usable baseline
// and the largest per-line unit amount z-score. snap backs the reference
// statistics fallback only.
func (s *Scorer) Score(_ context.Context, c *claim.Claim, view *history.View, snap *reference.Snapshot) (Score, error) {
	window := values.Trailing(c.ServicePeriod().To, s.cfg.WindowDays)
	codes := c.ProcedureCodes()
	total := c.Total().ToFloat64()

	own := s.comparable(c, view.FindByProvider(c.ProviderID, window), codes)
	cross := s.comparable(c, s.procedureClaims(view, codes, window), codes)

	score := Score{Baseline: BaselineNone}
	switch {
	case len(own) >= s.minSample():
		score = s.fromSample(BaselineProviderProcedure, own, total)
	case len(cross) >= s.minSample():
		score = s.fromSample(BaselineProcedure, cross, total)
	default:
		ref, err := s.providerStats(snap, c.ProviderID)
		if err != nil {
			return Score{}, err
		}
		if z, ok := ref.ZScore(total); ok {
			score = Score{Z: z, Baseline: BaselineProviderReference, SampleSize: ref.Count}
		}
	}

	score.MaxLineZ = s.maxLineZ(c, view, window)
	score.Normalized = Normalize(score.Z, s.cfg.Scale)
	return score, nil
}

// Normalize maps a z-score to [0,1): 1 - exp(-max(z,0)/scale)
func Normalize(z, scale float64) float64 {
	if z <= 0 || math.IsNaN(z) {
		return 0
	}
	return 1 - math.Exp(-z/scale)
}

func (s *Scorer) minSample() int {
	if s.cfg.MinSample < 2 {
		return 2
	}
	return s.cfg.MinSample
}

func (s *Scorer) fromSample(baseline string, sample []*claim.Claim, total float64) Score {
	totals := make([]float64, len(sample))
	for i, o := range sample {
		totals[i] = o.Total().ToFloat64()
	}
	stats := reference.StatsOf(totals)
	z, _ := stats.ZScore(total)
	return Score{Z: z, Baseline: baseline, SampleSize: stats.Count}
}

// comparable keeps prior claims of other groups billing the same procedure set
func (s *Scorer) comparable(c *claim.Claim, candidates []*claim.Claim, codes []string) []*claim.Claim {
	var out []*claim.Claim
	for _, o := range candidates {
		if o.GroupID == c.GroupID || o.Status == claim.StatusReversed {
			continue
		}
		if c.Version != 0 && o.Version >= c.Version {
			continue
		}
		if !slices.Equal(o.ProcedureCodes(), codes) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// procedureClaims returns current claims of any provider billing the first
// code of the set in the window
func (s *Scorer) procedureClaims(view *history.View, codes []string, window values.DateRange) []*claim.Claim {
	if len(codes) == 0 {
		return nil
	}
	return view.FindByProcedure(codes[0], window)
}

func (s *Scorer) providerStats(snap *reference.Snapshot, providerID string) (reference.AmountStats, error) {
	if snap == nil {
		return reference.AmountStats{}, fmt.Errorf("reference snapshot: none loaded")
	}
	p, ok := snap.Provider(providerID)
	if !ok {
		s.logger.Debug("no reference statistics for provider", zap.String("provider_id", providerID))
		return reference.AmountStats{}, nil
	}
	return p.Amounts, nil
}

// maxLineZ scores each line's unit amount against the same code's unit
// amounts, preferring the provider's own history
func (s *Scorer) maxLineZ(c *claim.Claim, view *history.View, window values.DateRange) float64 {
	ownUnits := s.unitAmounts(c, view.FindByProvider(c.ProviderID, window))

	var best float64
	for _, l := range c.Lines {
		xs := ownUnits[l.ProcedureCode]
		if len(xs) < s.minSample() {
			xs = s.unitAmounts(c, view.FindByProcedure(l.ProcedureCode, window))[l.ProcedureCode]
		}
		if len(xs) < s.minSample() {
			continue
		}
		if z, ok := reference.StatsOf(xs).ZScore(l.UnitAmount.ToFloat64()); ok && z > best {
			best = z
		}
	}
	return best
}

func (s *Scorer) unitAmounts(c *claim.Claim, claims []*claim.Claim) map[string][]float64 {
	out := make(map[string][]float64)
	for _, o := range claims {
		if o.GroupID == c.GroupID || o.Status == claim.StatusReversed {
			continue
		}
		if c.Version != 0 && o.Version >= c.Version {
			continue
		}
		for _, l := range o.Lines {
			out[l.ProcedureCode] = append(out[l.ProcedureCode], l.UnitAmount.ToFloat64())
		}
	}
	return out
}

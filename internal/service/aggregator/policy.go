package aggregator

import (
	"fmt"
	"math"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
)

// Policy is one versioned set of aggregation parameters
type Policy struct {
	Version string

	ModelWeight   float64
	RuleWeight    float64
	AnomalyWeight float64

	SeverityWeights map[fraud.Severity]float64

	CriticalAt float64
	HighAt     float64
	MediumAt   float64

	// Overrides are checked in order; the first match wins
	Overrides []fraud.Override
}

// NewPolicy converts and validates a policy configuration
func NewPolicy(cfg config.PolicyConfig) (*Policy, error) {
	p := &Policy{
		Version:       cfg.Version,
		ModelWeight:   cfg.Weights.Model,
		RuleWeight:    cfg.Weights.Rule,
		AnomalyWeight: cfg.Weights.Anomaly,
		SeverityWeights: map[fraud.Severity]float64{
			fraud.SeverityLow:      cfg.SeverityWeights.Low,
			fraud.SeverityMedium:   cfg.SeverityWeights.Medium,
			fraud.SeverityHigh:     cfg.SeverityWeights.High,
			fraud.SeverityCritical: cfg.SeverityWeights.Critical,
		},
		CriticalAt: cfg.Breakpoints.Critical,
		HighAt:     cfg.Breakpoints.High,
		MediumAt:   cfg.Breakpoints.Medium,
	}

	for i, o := range cfg.Overrides {
		sev, err := fraud.ParseSeverity(o.MinSeverity)
		if err != nil {
			return nil, fmt.Errorf("policy %s override %d: %w", cfg.Version, i, err)
		}
		p.Overrides = append(p.Overrides, fraud.Override{Detector: o.Detector, Kind: o.Kind, MinSeverity: sev})
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("policy version is required")
	}
	if p.ModelWeight < 0 || p.RuleWeight < 0 || p.AnomalyWeight < 0 {
		return fmt.Errorf("policy %s: weights must be non-negative", p.Version)
	}
	if sum := p.ModelWeight + p.RuleWeight + p.AnomalyWeight; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("policy %s: weights sum to %.6f, want 1", p.Version, sum)
	}
	if p.RuleWeight+p.AnomalyWeight == 0 {
		return fmt.Errorf("policy %s: rule and anomaly weights cannot both be zero", p.Version)
	}
	for sev, w := range p.SeverityWeights {
		if w < 0 || w > 1 {
			return fmt.Errorf("policy %s: %s severity weight %.3f outside [0,1]", p.Version, sev, w)
		}
	}
	if !(0 < p.MediumAt && p.MediumAt < p.HighAt && p.HighAt < p.CriticalAt && p.CriticalAt <= 1) {
		return fmt.Errorf("policy %s: breakpoints must satisfy 0 < medium < high < critical <= 1", p.Version)
	}
	return nil
}

// TierFor maps a score to a tier by the breakpoints
func (p *Policy) TierFor(score float64) fraud.Tier {
	switch {
	case score >= p.CriticalAt:
		return fraud.TierCritical
	case score >= p.HighAt:
		return fraud.TierHigh
	case score >= p.MediumAt:
		return fraud.TierMedium
	default:
		return fraud.TierLow
	}
}

// RuleSeverity is the largest severity weight among findings, 0 when none
func (p *Policy) RuleSeverity(findings []fraud.Finding) float64 {
	var max float64
	for _, f := range findings {
		if w := p.SeverityWeights[f.Severity]; w > max {
			max = w
		}
	}
	return max
}

// Override returns the first override matched by any finding. findings
// must already be in canonical order.
func (p *Policy) Override(findings []fraud.Finding) (*fraud.Override, *fraud.Finding) {
	for i := range p.Overrides {
		o := p.Overrides[i]
		for j := range findings {
			if o.Matches(findings[j]) {
				return &o, &findings[j]
			}
		}
	}
	return nil, nil
}

package aggregator

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/testutil/fixtures"
)

func newAggregator(t *testing.T) *Aggregator {
	t.Helper()
	p, err := NewPolicy(config.Default().Policy)
	require.NoError(t, err)
	return New(p, zaptest.NewLogger(t))
}

func versioned(t *testing.T, b *fixtures.ClaimBuilder) *claim.Claim {
	return b.Build().WithVersion(7)
}

func TestAggregate_HighCostClaimAfterLapse(t *testing.T) {
	c := versioned(t, fixtures.NewClaimBuilder(t).WithLine("CONS02", 1, 5000))
	in := Input{
		Claim:       c,
		AsOfVersion: 7,
		Findings: []fraud.Finding{
			fraud.NewFinding(fraud.DetectorPhantomPatient, "enrollment_ended", fraud.SeverityHigh, c, "coverage ended"),
		},
		Anomaly:      fraud.AnomalyScore{Z: 9.5, Normalized: 1 - math.Exp(-9.5/3), Baseline: "provider_reference"},
		Probability:  0.4,
		ModelVersion: "ensemble-v1",
	}

	v, err := newAggregator(t).Aggregate(context.Background(), in)
	require.NoError(t, err)

	assert.InDelta(t, 0.5*0.4+0.3*0.8+0.2*(1-math.Exp(-9.5/3)), v.Score, 1e-12)
	assert.GreaterOrEqual(t, v.Score, 0.6)
	assert.Equal(t, fraud.TierHigh, v.Tier)
	assert.Equal(t, fraud.TierHigh, v.ScoreTier)
	assert.False(t, v.Overridden())
	assert.Equal(t, "ensemble-v1", v.ModelVersion)
	assert.Equal(t, "policy-v1", v.PolicyVersion)

	require.Len(t, v.Contributions, 3)
	assert.Equal(t, fraud.ComponentModel, v.Contributions[0].Component)
	assert.Equal(t, fraud.ComponentRule, v.Contributions[1].Component)
	assert.Equal(t, "phantom_patient/enrollment_ended", v.Contributions[1].Source)
	assert.Equal(t, 0.8, v.Contributions[1].Value)
	assert.Equal(t, fraud.ComponentAnomaly, v.Contributions[2].Component)
	assert.Equal(t, "provider_reference", v.Contributions[2].Source)
}

func TestAggregate_DuplicateOfFinalizedClaimForcesCritical(t *testing.T) {
	c := versioned(t, fixtures.NewClaimBuilder(t))
	in := Input{
		Claim: c,
		Findings: []fraud.Finding{
			fraud.NewFinding(fraud.DetectorDuplicate, "exact_finalized", fraud.SeverityCritical, c, "resubmitted"),
		},
		Probability:  0.05,
		ModelVersion: "ensemble-v1",
	}

	v, err := newAggregator(t).Aggregate(context.Background(), in)
	require.NoError(t, err)

	assert.InDelta(t, 0.5*0.05+0.3*1.0, v.Score, 1e-12, "the override leaves the score alone")
	assert.Equal(t, fraud.TierMedium, v.ScoreTier)
	assert.Equal(t, fraud.TierCritical, v.Tier)
	require.NotNil(t, v.Override)
	assert.Equal(t, fraud.DetectorDuplicate, v.Override.Detector)
}

func TestAggregate_OverrideNeedsMinimumSeverity(t *testing.T) {
	c := versioned(t, fixtures.NewClaimBuilder(t))
	in := Input{
		Claim: c,
		Findings: []fraud.Finding{
			fraud.NewFinding(fraud.DetectorDuplicate, "exact_finalized", fraud.SeverityHigh, c, "resubmitted"),
		},
		Probability:  0.05,
		ModelVersion: "ensemble-v1",
	}

	v, err := newAggregator(t).Aggregate(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, v.Overridden())
	assert.Equal(t, v.ScoreTier, v.Tier)
}

func TestAggregate_Deterministic(t *testing.T) {
	c := versioned(t, fixtures.NewClaimBuilder(t))
	low := fraud.NewFinding(fraud.DetectorProviderOutlier, "rejection_rate", fraud.SeverityLow, c, "rejections")
	high := fraud.NewFinding(fraud.DetectorUpcoding, "claim_exceeds_bill", fraud.SeverityHigh, c, "over").WithLines(0).WithValue("claimed", 1500)
	outcomes := []fraud.Outcome{
		{Component: "upcoding", Status: fraud.OutcomeSucceeded},
		{Component: "duplicate_claim", Status: fraud.OutcomeDegraded, Error: "boom"},
	}
	base := Input{
		Claim:        c,
		AsOfVersion:  9,
		Findings:     []fraud.Finding{low, high},
		Anomaly:      fraud.AnomalyScore{Z: 1.2, Normalized: 0.33, Baseline: "procedure", SampleSize: 12},
		Probability:  0.27,
		ModelVersion: "ensemble-v1",
		Outcomes:     outcomes,

		ReferenceVersion: "ref-2024-03",
	}
	agg := newAggregator(t)

	first, err := agg.Aggregate(context.Background(), base)
	require.NoError(t, err)

	reordered := base
	reordered.Findings = []fraud.Finding{high, low}
	reordered.Outcomes = []fraud.Outcome{outcomes[1], outcomes[0]}
	second, err := agg.Aggregate(context.Background(), reordered)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, fraud.IDFromHash(first.ContentHash), first.ID)
	assert.Equal(t, "duplicate_claim", first.Outcomes[0].Component)
	assert.Equal(t, fraud.SeverityHigh, first.Findings[0].Severity)

	otherPolicy := config.Default().Policy
	otherPolicy.Version = "policy-v2"
	p2, err := NewPolicy(otherPolicy)
	require.NoError(t, err)
	third, err := New(p2, nil).Aggregate(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, first.Score, third.Score)
	assert.NotEqual(t, first.ContentHash, third.ContentHash)
	assert.NotEqual(t, first.ID, third.ID)

	refreshed := base
	refreshed.ReferenceVersion = "ref-2024-04"
	fourth, err := agg.Aggregate(context.Background(), refreshed)
	require.NoError(t, err)
	assert.Equal(t, "ref-2024-03", first.ReferenceVersion)
	assert.Equal(t, first.Score, fourth.Score)
	assert.NotEqual(t, first.ID, fourth.ID, "a new reference snapshot yields a new verdict")
}

func TestAggregateRuleOnly(t *testing.T) {
	c := versioned(t, fixtures.NewClaimBuilder(t))
	in := Input{
		Claim: c,
		Findings: []fraud.Finding{
			fraud.NewFinding(fraud.DetectorUpcoding, "amount_above_baseline", fraud.SeverityMedium, c, "high price"),
		},
		Anomaly:      fraud.AnomalyScore{Normalized: 0.5, Baseline: "provider_procedure"},
		Probability:  0.99,
		ModelVersion: "ensemble-v1",
	}

	v, err := newAggregator(t).AggregateRuleOnly(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, fraud.ModelVersionNone, v.ModelVersion)
	assert.Zero(t, v.Probability)
	assert.InDelta(t, 0.6*0.5+0.4*0.5, v.Score, 1e-12)
	assert.Zero(t, v.Contributions[0].Weight)
	assert.InDelta(t, 0.6, v.Contributions[1].Weight, 1e-12)
	assert.InDelta(t, 0.4, v.Contributions[2].Weight, 1e-12)
}

func TestAggregate_RejectsBadInput(t *testing.T) {
	c := versioned(t, fixtures.NewClaimBuilder(t))
	agg := newAggregator(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   Input
	}{
		{name: "no model version", in: Input{Claim: c, Probability: 0.1}},
		{name: "model version none", in: Input{Claim: c, Probability: 0.1, ModelVersion: fraud.ModelVersionNone}},
		{name: "probability above one", in: Input{Claim: c, Probability: 1.1, ModelVersion: "v"}},
		{name: "NaN probability", in: Input{Claim: c, Probability: math.NaN(), ModelVersion: "v"}},
		{name: "nil claim", in: Input{Probability: 0.1, ModelVersion: "v"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := agg.Aggregate(ctx, tt.in)
			assert.Error(t, err)
			assert.Nil(t, v)
		})
	}
}

func TestPolicy_TierFor(t *testing.T) {
	p, err := NewPolicy(config.Default().Policy)
	require.NoError(t, err)

	tests := []struct {
		score float64
		tier  fraud.Tier
	}{
		{0, fraud.TierLow},
		{0.2999, fraud.TierLow},
		{0.3, fraud.TierMedium},
		{0.6, fraud.TierHigh},
		{0.8499, fraud.TierHigh},
		{0.85, fraud.TierCritical},
		{1, fraud.TierCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.tier, p.TierFor(tt.score), "score %v", tt.score)
	}
}

func TestNewPolicy_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *config.PolicyConfig)
	}{
		{name: "weights do not sum to one", mutate: func(p *config.PolicyConfig) { p.Weights.Model = 0.6 }},
		{name: "negative weight", mutate: func(p *config.PolicyConfig) {
			p.Weights = config.WeightsConfig{Model: 1.2, Rule: -0.2, Anomaly: 0}
		}},
		{name: "model only", mutate: func(p *config.PolicyConfig) {
			p.Weights = config.WeightsConfig{Model: 1}
		}},
		{name: "breakpoints out of order", mutate: func(p *config.PolicyConfig) { p.Breakpoints.High = 0.9 }},
		{name: "severity weight above one", mutate: func(p *config.PolicyConfig) { p.SeverityWeights.Critical = 1.5 }},
		{name: "unknown override severity", mutate: func(p *config.PolicyConfig) {
			p.Overrides = []config.OverrideConfig{{Detector: "upcoding", MinSeverity: "severe"}}
		}},
		{name: "missing version", mutate: func(p *config.PolicyConfig) { p.Version = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default().Policy
			tt.mutate(&cfg)
			_, err := NewPolicy(cfg)
			assert.Error(t, err)
		})
	}
}

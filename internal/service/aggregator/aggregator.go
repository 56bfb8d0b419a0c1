package aggregator

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/telemetry"
)

// Input is everything a verdict is computed from
type Input struct {
	Claim        *claim.Claim
	AsOfVersion  uint64
	Findings     []fraud.Finding
	Anomaly      fraud.AnomalyScore
	Probability  float64
	ModelVersion string
	Outcomes     []fraud.Outcome

	// ReferenceVersion is the snapshot the claim was resolved against
	ReferenceVersion string
}

// Aggregator folds model, rule and anomaly signals into a Verdict
type Aggregator struct {
	policy *Policy
	logger *zap.Logger
}

func New(policy *Policy, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{policy: policy, logger: logger}
}

func (a *Aggregator) Policy() *Policy { return a.policy }

// Aggregate computes the verdict with all three weights
func (a *Aggregator) Aggregate(ctx context.Context, in Input) (*fraud.Verdict, error) {
	if in.ModelVersion == "" || in.ModelVersion == fraud.ModelVersionNone {
		return nil, fmt.Errorf("aggregate requires a model version, use AggregateRuleOnly without a model")
	}
	if math.IsNaN(in.Probability) || in.Probability < 0 || in.Probability > 1 {
		return nil, fmt.Errorf("model probability %v outside [0,1]", in.Probability)
	}
	return a.build(ctx, in, a.policy.ModelWeight, a.policy.RuleWeight, a.policy.AnomalyWeight)
}

// AggregateRuleOnly drops the model term and rescales the rule and anomaly
// weights to sum to 1. The verdict records model version "none".
func (a *Aggregator) AggregateRuleOnly(ctx context.Context, in Input) (*fraud.Verdict, error) {
	in.Probability = 0
	in.ModelVersion = fraud.ModelVersionNone
	total := a.policy.RuleWeight + a.policy.AnomalyWeight
	return a.build(ctx, in, 0, a.policy.RuleWeight/total, a.policy.AnomalyWeight/total)
}

func (a *Aggregator) build(ctx context.Context, in Input, wModel, wRule, wAnomaly float64) (*fraud.Verdict, error) {
	if in.Claim == nil {
		return nil, fmt.Errorf("aggregate: nil claim")
	}

	findings := append([]fraud.Finding(nil), in.Findings...)
	fraud.SortFindings(findings)
	outcomes := append([]fraud.Outcome(nil), in.Outcomes...)
	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].Component < outcomes[j].Component })

	ruleSource := "none"
	if len(findings) > 0 {
		ruleSource = findings[0].Detector + "/" + findings[0].Kind
	}
	anomalySource := in.Anomaly.Baseline
	if anomalySource == "" {
		anomalySource = "none"
	}

	contributions := []fraud.Contribution{
		contribution(fraud.ComponentModel, in.ModelVersion, in.Probability, wModel),
		contribution(fraud.ComponentRule, ruleSource, a.policy.RuleSeverity(findings), wRule),
		contribution(fraud.ComponentAnomaly, anomalySource, clamp(in.Anomaly.Normalized), wAnomaly),
	}
	var score float64
	for _, c := range contributions {
		score += c.Weighted
	}
	score = clamp(score)

	scoreTier := a.policy.TierFor(score)
	tier := scoreTier
	override, matched := a.policy.Override(findings)
	if override != nil {
		tier = fraud.TierCritical
	}

	v := &fraud.Verdict{
		ClaimID:       in.Claim.ID,
		GroupID:       in.Claim.GroupID,
		ClaimVersion:  in.Claim.Version,
		AsOfVersion:   in.AsOfVersion,
		Score:         score,
		Tier:          tier,
		ScoreTier:     scoreTier,
		Override:      override,
		Probability:   in.Probability,
		Contributions: contributions,
		Findings:      findings,
		Anomaly:       in.Anomaly,
		ModelVersion:  in.ModelVersion,
		PolicyVersion: a.policy.Version,
		Outcomes:      outcomes,

		ReferenceVersion: in.ReferenceVersion,
	}

	hash, err := ContentHash(v)
	if err != nil {
		return nil, fmt.Errorf("hashing verdict: %w", err)
	}
	v.ContentHash = hash
	v.ID = fraud.IDFromHash(hash)

	log := telemetry.WithTrace(ctx, a.logger).With(
		zap.String("claim_id", v.ClaimID.String()),
		zap.String("tier", string(v.Tier)),
		zap.Float64("score", v.Score))
	if matched != nil {
		log.Info("tier forced by policy override",
			zap.String("detector", matched.Detector),
			zap.String("kind", matched.Kind),
			zap.String("score_tier", string(scoreTier)))
	} else {
		log.Debug("verdict aggregated")
	}
	return v, nil
}

// hashedVerdict is the part of a verdict covered by its content hash
type hashedVerdict struct {
	ClaimID       uuid.UUID            `json:"claim_id"`
	GroupID       uuid.UUID            `json:"group_id"`
	ClaimVersion  uint64               `json:"claim_version"`
	Score         float64              `json:"score"`
	Tier          fraud.Tier           `json:"tier"`
	ScoreTier     fraud.Tier           `json:"score_tier"`
	Override      *fraud.Override      `json:"override"`
	Probability   float64              `json:"probability"`
	Contributions []fraud.Contribution `json:"contributions"`
	Findings      []fraud.Finding      `json:"findings"`
	Anomaly       fraud.AnomalyScore   `json:"anomaly"`
	ModelVersion  string               `json:"model_version"`
	PolicyVersion string               `json:"policy_version"`
	Outcomes      []fraud.Outcome      `json:"outcomes"`

	ReferenceVersion string `json:"reference_version"`
}

// ContentHash is the SHA-256 of the verdict's canonical JSON, leaving out
// its ID, hash and as-of version.
func ContentHash(v *fraud.Verdict) (values.HashValue, error) {
	data, err := Canonicalize(hashedVerdict{
		ClaimID:       v.ClaimID,
		GroupID:       v.GroupID,
		ClaimVersion:  v.ClaimVersion,
		Score:         v.Score,
		Tier:          v.Tier,
		ScoreTier:     v.ScoreTier,
		Override:      v.Override,
		Probability:   v.Probability,
		Contributions: v.Contributions,
		Findings:      v.Findings,
		Anomaly:       v.Anomaly,
		ModelVersion:  v.ModelVersion,
		PolicyVersion: v.PolicyVersion,
		Outcomes:      v.Outcomes,

		ReferenceVersion: v.ReferenceVersion,
	})
	if err != nil {
		return values.HashValue{}, err
	}
	return values.ComputeHashValue(data)
}

func contribution(component, source string, value, weight float64) fraud.Contribution {
	return fraud.Contribution{
		Component: component,
		Source:    source,
		Value:     value,
		Weight:    weight,
		Weighted:  value * weight,
	}
}

func clamp(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	domainerrors "github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/service/aggregator"
	"github.com/davidleathers/claims-fraud-engine/internal/service/anomaly"
	"github.com/davidleathers/claims-fraud-engine/internal/service/cases"
	"github.com/davidleathers/claims-fraud-engine/internal/service/detector"
	"github.com/davidleathers/claims-fraud-engine/internal/service/history"
	"github.com/davidleathers/claims-fraud-engine/internal/service/model"
	"github.com/davidleathers/claims-fraud-engine/internal/service/normalizer"
	"github.com/davidleathers/claims-fraud-engine/internal/testutil/fixtures"
)

// constantArtifact always predicts p. A stump with equal leaves makes the
// raw score 0, so p = 1/(1+exp(B)).
func constantArtifact(t *testing.T, version string, p float64) *model.Artifact {
	t.Helper()
	b := math.Log((1 - p) / p)
	features := ""
	for i, f := range model.FeatureSchemaV1 {
		if i > 0 {
			features += ","
		}
		features += fmt.Sprintf("%q", f)
	}
	data := fmt.Sprintf(`{
		"version": %q,
		"features": [%s],
		"members": [{"kind": "stump", "weight": 1, "feature": "anomaly_z", "threshold": 0, "below": 0, "above": 0}],
		"calibration": {"a": 1, "b": %v}
	}`, version, features, b)
	a, err := model.ParseArtifact([]byte(data))
	require.NoError(t, err)
	return a
}

type failingSource struct{}

func (failingSource) Current(context.Context) (*reference.Snapshot, error) {
	return nil, errors.New("reference store unreachable")
}

// countingSource counts snapshot fetches
type countingSource struct {
	snap  *reference.Snapshot
	calls atomic.Int64
}

func (s *countingSource) Current(context.Context) (*reference.Snapshot, error) {
	s.calls.Add(1)
	return s.snap, nil
}

type failingScorer struct{}

func (failingScorer) Score(context.Context, *claim.Claim, *history.View, *reference.Snapshot) (anomaly.Score, error) {
	return anomaly.Score{}, errors.New("baseline query timed out")
}

type harness struct {
	engine *Engine
	index  *history.Index
	repo   *cases.MemoryRepository
	source *countingSource
	clock  *claim.FixedClock
}

type harnessOption func(*Dependencies)

func withAnomalyScorer(s AnomalyScorer) harnessOption {
	return func(d *Dependencies) { d.Anomaly = s }
}

func withModelVersion(v string) harnessOption {
	return func(d *Dependencies) { d.ModelVersion = v }
}

func newHarness(t *testing.T, snap *reference.Snapshot, p float64, opts ...harnessOption) *harness {
	t.Helper()
	cfg := config.Default()
	logger := zaptest.NewLogger(t)
	src := &countingSource{snap: snap}
	clock := claim.NewFixedClock(fixtures.ServiceDay.Add(12 * time.Hour))

	set, err := detector.NewDefaultSet(cfg, logger, nil)
	require.NoError(t, err)
	policy, err := aggregator.NewPolicy(cfg.Policy)
	require.NoError(t, err)

	registry := model.NewStaticRegistry(constantArtifact(t, "const-v1", p))
	artifacts := model.NewArtifactCache(registry, 0, nil, logger)

	repo := cases.NewMemoryRepository()
	emitter, err := cases.NewEmitter(repo, nil, cfg.Cases, nil, logger, cases.WithClock(clock))
	require.NoError(t, err)

	normCfg := cfg.Reference
	normCfg.MaxStaleness = 0
	ix := history.NewIndex(logger)

	deps := Dependencies{
		Normalizer:   normalizer.New(normCfg, clock, nil, logger),
		Index:        ix,
		Detectors:    set,
		Anomaly:      anomaly.NewScorer(cfg.Anomaly, logger),
		Evaluator:    model.NewEvaluator(artifacts, nil, logger),
		Aggregator:   aggregator.New(policy, logger),
		Reference:    src,
		Emitter:      emitter,
		ModelVersion: "const-v1",
		Logger:       logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	engine, err := NewEngine(deps)
	require.NoError(t, err)
	return &harness{engine: engine, index: ix, repo: repo, source: src, clock: clock}
}

func (h *harness) append(t *testing.T, claims ...*claim.Claim) []*claim.Claim {
	t.Helper()
	out := make([]*claim.Claim, 0, len(claims))
	for _, c := range claims {
		stored, err := h.index.Append(context.Background(), c)
		require.NoError(t, err)
		out = append(out, stored)
	}
	return out
}

func TestEngine_UnregisteredPatientHighTier(t *testing.T) {
	h := newHarness(t, fixtures.NewSnapshotBuilder(t).Build(), 0.4)
	c := h.append(t, fixtures.NewClaimBuilder(t).
		WithPatient("PAT-404").
		WithLine("CONS02", 1, 5000).
		Build())[0]

	v, err := h.engine.Score(context.Background(), c, h.index.Head())
	require.NoError(t, err)

	require.Len(t, v.Findings, 1)
	assert.Equal(t, fraud.DetectorPhantomPatient, v.Findings[0].Detector)
	assert.Equal(t, fraud.SeverityHigh, v.Findings[0].Severity)
	assert.InDelta(t, 0.4, v.Probability, 1e-9)
	assert.Equal(t, anomaly.BaselineProviderReference, v.Anomaly.Baseline)
	assert.GreaterOrEqual(t, v.Score, 0.6)
	assert.InDelta(t, 0.2+0.24+0.2*(1-math.Exp(-9.5/3)), v.Score, 1e-6)
	assert.Equal(t, fraud.TierHigh, v.Tier)
	assert.Nil(t, v.Override)
	assert.Equal(t, "const-v1", v.ModelVersion)
	assert.Equal(t, c.Version, v.AsOfVersion)
	assert.Empty(t, v.Degraded())
}

func TestEngine_DuplicateOfFinalizedForcesCritical(t *testing.T) {
	h := newHarness(t, fixtures.NewSnapshotBuilder(t).Build(), 0.05)
	stored := h.append(t,
		fixtures.NewClaimBuilder(t).WithNumber("CLM-A").WithStatus(claim.StatusFinalized).WithLine("CONS01", 1, 1500).Build(),
		fixtures.NewClaimBuilder(t).WithNumber("CLM-B").WithLine("CONS01", 1, 1500).Build(),
	)

	v, err := h.engine.Score(context.Background(), stored[1], h.index.Head())
	require.NoError(t, err)

	require.NotEmpty(t, v.Findings)
	top := v.Findings[0]
	assert.Equal(t, fraud.DetectorDuplicate, top.Detector)
	assert.Equal(t, detector.KindExactFinalized, top.Kind)
	assert.Equal(t, fraud.SeverityCritical, top.Severity)

	assert.Equal(t, fraud.TierCritical, v.Tier)
	require.NotNil(t, v.Override)
	assert.Equal(t, fraud.DetectorDuplicate, v.Override.Detector)
	assert.NotEqual(t, fraud.TierCritical, v.ScoreTier)
	assert.Less(t, v.Score, 0.85)
}

func TestEngine_Deterministic(t *testing.T) {
	h := newHarness(t, fixtures.NewSnapshotBuilder(t).Build(), 0.3)
	stored := h.append(t, fixtures.NumberedClaims(t, 6, "PAT-001", "PRV-001", fixtures.ServiceDay, 1400)...)
	view := h.index.Head()
	last := stored[len(stored)-1]

	first, err := h.engine.Score(context.Background(), last, view)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := h.engine.Score(context.Background(), last, view)
		require.NoError(t, err)
		assert.Equal(t, first.ContentHash, again.ContentHash)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, first.Score, again.Score)
	}
}

func TestEngine_ModelFailureFailsClaim(t *testing.T) {
	h := newHarness(t, fixtures.NewSnapshotBuilder(t).Build(), 0.4, withModelVersion("missing-v9"))
	c := h.append(t, fixtures.NewClaimBuilder(t).Build())[0]

	v, err := h.engine.Score(context.Background(), c, h.index.Head())
	require.Error(t, err)
	assert.Nil(t, v)
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeModelUnavailable))

	// rule-only scoring is an explicit choice and still works
	v, err = h.engine.ScoreRuleOnly(context.Background(), c, h.index.Head())
	require.NoError(t, err)
	assert.Equal(t, fraud.ModelVersionNone, v.ModelVersion)
}

func TestEngine_AnomalyFailureDegrades(t *testing.T) {
	h := newHarness(t, fixtures.NewSnapshotBuilder(t).Build(), 0.4, withAnomalyScorer(failingScorer{}))
	c := h.append(t, fixtures.NewClaimBuilder(t).Build())[0]

	v, err := h.engine.Score(context.Background(), c, h.index.Head())
	require.NoError(t, err)
	assert.Equal(t, []string{ComponentAnomaly}, v.Degraded())
	assert.Equal(t, anomaly.BaselineNone, v.Anomaly.Baseline)
	assert.Zero(t, v.Anomaly.Normalized)
}

func TestEngine_ReferenceFailureIsRetryable(t *testing.T) {
	h := newHarness(t, fixtures.NewSnapshotBuilder(t).Build(), 0.4)
	c := h.append(t, fixtures.NewClaimBuilder(t).Build())[0]
	h.engine.deps.Reference = failingSource{}

	_, err := h.engine.Score(context.Background(), c, h.index.Head())
	require.Error(t, err)
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeReferenceData))
	assert.True(t, domainerrors.IsRetryable(err))
}

func TestEngine_ReadsReferenceOncePerClaim(t *testing.T) {
	snap := fixtures.NewSnapshotBuilder(t).Build()
	h := newHarness(t, snap, 0.4)
	ctx := context.Background()
	c := h.append(t, fixtures.NewClaimBuilder(t).WithPatient("PAT-404").WithLine("CONS02", 1, 5000).Build())[0]

	v, err := h.engine.Score(ctx, c, h.index.Head())
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.source.calls.Load())
	assert.Equal(t, snap.Version(), v.ReferenceVersion)

	_, err = h.engine.ScoreRuleOnly(ctx, c, h.index.Head())
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.source.calls.Load())

	sub, err := h.engine.Submit(ctx, normalizer.RawClaim{
		ClaimNumber: "CLM-7001",
		PatientID:   "PAT-001",
		ProviderID:  "PRV-001",
		SubmittedAt: "2024-03-15T11:00:00Z",
		Lines: []normalizer.RawLine{
			{ProcedureCode: "CONS01", Quantity: 1, UnitAmount: "1500", ServiceDate: "2024-03-15"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), h.source.calls.Load())
	assert.Equal(t, snap.Version(), sub.Verdict.ReferenceVersion)
}

func TestEngine_RescoreAtHeadMatchesAcceptance(t *testing.T) {
	h := newHarness(t, fixtures.NewSnapshotBuilder(t).Build(), 0.3)
	ctx := context.Background()

	h.append(t, fixtures.NumberedClaims(t, 3, "PAT-001", "PRV-001", fixtures.ServiceDay.AddDate(0, 0, -20), 1500)...)
	c := h.append(t, fixtures.NewClaimBuilder(t).WithLine("CONS01", 1, 1500).Build())[0]
	accepted, err := h.index.ViewAt(c.Version)
	require.NoError(t, err)

	first, err := h.engine.Score(ctx, c, accepted)
	require.NoError(t, err)

	h.append(t, fixtures.NumberedClaims(t, 40, "PAT-001", "PRV-001", fixtures.ServiceDay.AddDate(0, 0, -25), 4800)...)
	rescored, err := h.engine.Score(ctx, c, h.index.Head())
	require.NoError(t, err)

	assert.Equal(t, c.Version, first.AsOfVersion)
	assert.Equal(t, c.Version+40, rescored.AsOfVersion)
	assert.Equal(t, first.Findings, rescored.Findings)
	assert.Equal(t, first.Anomaly, rescored.Anomaly)
	assert.Equal(t, first.ContentHash, rescored.ContentHash)
	assert.Equal(t, first.ID, rescored.ID)
}

func TestEngine_ScoreByID(t *testing.T) {
	h := newHarness(t, fixtures.NewSnapshotBuilder(t).Build(), 0.4)
	c := h.append(t, fixtures.NewClaimBuilder(t).Build())[0]

	v, err := h.engine.ScoreByID(context.Background(), c.ID, h.index.Head(), false)
	require.NoError(t, err)
	assert.Equal(t, c.ID, v.ClaimID)

	_, err = h.engine.ScoreByID(context.Background(), fixtures.NewClaimBuilder(t).Build().ID, h.index.Head(), false)
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeNotFound))
}

func TestEngine_Submit(t *testing.T) {
	h := newHarness(t, fixtures.NewSnapshotBuilder(t).Build(), 0.4)
	ctx := context.Background()
	raw := normalizer.RawClaim{
		ClaimNumber: "CLM-9001",
		PatientID:   "PAT-404",
		ProviderID:  "PRV-001",
		SubmittedAt: "2024-03-15T10:00:00Z",
		Lines: []normalizer.RawLine{
			{ProcedureCode: "CONS02", Quantity: 1, UnitAmount: "5000", ServiceDate: "2024-03-15"},
		},
	}

	sub, err := h.engine.Submit(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sub.Claim.Version)
	assert.Equal(t, fraud.TierHigh, sub.Verdict.Tier)
	assert.Equal(t, cases.DecisionOpened, sub.Decision)
	require.NotNil(t, sub.Case)

	again, err := h.engine.Submit(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, sub.Verdict.ContentHash, again.Verdict.ContentHash)
	assert.Equal(t, cases.DecisionDeduplicated, again.Decision)

	all, err := h.repo.ListByGroup(ctx, sub.Claim.GroupID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEngine_SubmitWithoutSubmissionTime(t *testing.T) {
	h := newHarness(t, fixtures.NewSnapshotBuilder(t).Build(), 0.4)
	ctx := context.Background()
	raw := normalizer.RawClaim{
		ClaimNumber: "CLM-9002",
		PatientID:   "PAT-404",
		ProviderID:  "PRV-001",
		Lines: []normalizer.RawLine{
			{ProcedureCode: "CONS02", Quantity: 1, UnitAmount: "5000", ServiceDate: "2024-03-15"},
		},
	}

	sub, err := h.engine.Submit(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now(), sub.Claim.SubmittedAt)

	h.clock.Advance(3 * time.Minute)
	again, err := h.engine.Submit(ctx, raw)
	require.NoError(t, err, "resubmitting the same payload is not a status transition")
	assert.Equal(t, sub.Claim.ID, again.Claim.ID)
	assert.Equal(t, sub.Claim.Version, again.Claim.Version)
	assert.Equal(t, sub.Claim.SubmittedAt, again.Claim.SubmittedAt)
	assert.Equal(t, sub.Verdict.ID, again.Verdict.ID)
	assert.Equal(t, cases.DecisionDeduplicated, again.Decision)
	assert.Equal(t, uint64(1), h.index.Head().Version())
}

func TestEngine_SubmitRejectsInvalid(t *testing.T) {
	h := newHarness(t, fixtures.NewSnapshotBuilder(t).Build(), 0.4)
	_, err := h.engine.Submit(context.Background(), normalizer.RawClaim{ClaimNumber: "CLM-1"})
	require.Error(t, err)
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeValidation))
	assert.Equal(t, uint64(0), h.index.Head().Version())
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(Dependencies{})
	assert.Error(t, err)
}

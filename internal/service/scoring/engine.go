package scoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/claims-fraud-engine/internal/metrics"
	"github.com/davidleathers/claims-fraud-engine/internal/service/aggregator"
	"github.com/davidleathers/claims-fraud-engine/internal/service/anomaly"
	"github.com/davidleathers/claims-fraud-engine/internal/service/cases"
	"github.com/davidleathers/claims-fraud-engine/internal/service/detector"
	"github.com/davidleathers/claims-fraud-engine/internal/service/history"
	"github.com/davidleathers/claims-fraud-engine/internal/service/model"
	"github.com/davidleathers/claims-fraud-engine/internal/service/normalizer"
)

// ComponentAnomaly is the outcome name of the anomaly scorer
const ComponentAnomaly = "anomaly_scorer"

// VerdictStore persists computed verdicts
type VerdictStore interface {
	SaveVerdict(ctx context.Context, v *fraud.Verdict) error
}

// AnomalyScorer measures a claim's amounts against comparable history
type AnomalyScorer interface {
	Score(ctx context.Context, c *claim.Claim, view *history.View, snap *reference.Snapshot) (anomaly.Score, error)
}

// Dependencies wires the engine. Emitter and Verdicts are optional.
type Dependencies struct {
	Normalizer   *normalizer.Normalizer
	Index        *history.Index
	Detectors    *detector.Set
	Anomaly      AnomalyScorer
	Evaluator    *model.Evaluator
	Aggregator   *aggregator.Aggregator
	Reference    reference.Source
	Emitter      *cases.Emitter
	Verdicts     VerdictStore
	ModelVersion string
	Metrics      *metrics.Registry
	Logger       *zap.Logger
}

// Engine runs the scoring pipeline for one claim at a time. It holds no
// per-claim state and is safe for concurrent use.
type Engine struct {
	deps   Dependencies
	logger *zap.Logger
}

// Submission is the result of submitting a raw claim
type Submission struct {
	Claim    *claim.Claim
	Verdict  *fraud.Verdict
	Decision cases.Decision
	Case     *fraud.Case
	Warnings []claim.DeprecatedCodeWarning
	Stale    bool
}

func NewEngine(deps Dependencies) (*Engine, error) {
	switch {
	case deps.Detectors == nil:
		return nil, fmt.Errorf("detector set is required")
	case deps.Anomaly == nil:
		return nil, fmt.Errorf("anomaly scorer is required")
	case deps.Aggregator == nil:
		return nil, fmt.Errorf("aggregator is required")
	case deps.Reference == nil:
		return nil, fmt.Errorf("reference source is required")
	case deps.Evaluator != nil && deps.ModelVersion == "":
		return nil, fmt.Errorf("model version is required with an evaluator")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{deps: deps, logger: deps.Logger}, nil
}

// Score computes the verdict for c as of view. A model failure fails the
// claim; detector and anomaly failures degrade their component only.
func (e *Engine) Score(ctx context.Context, c *claim.Claim, view *history.View) (*fraud.Verdict, error) {
	if e.deps.Evaluator == nil {
		return nil, errors.NewModelUnavailableError(e.deps.ModelVersion, "no model evaluator configured")
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return e.score(ctx, c, view, snap, false)
}

// ScoreRuleOnly computes the verdict without the model. Callers opt in
// explicitly; the verdict records model version "none".
func (e *Engine) ScoreRuleOnly(ctx context.Context, c *claim.Claim, view *history.View) (*fraud.Verdict, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return e.score(ctx, c, view, snap, true)
}

// snapshot resolves the reference data for one claim. Every stage of that
// claim reads this one snapshot.
func (e *Engine) snapshot(ctx context.Context) (*reference.Snapshot, error) {
	snap, err := e.deps.Reference.Current(ctx)
	if err == nil && snap == nil {
		err = fmt.Errorf("no snapshot loaded")
	}
	if err != nil {
		e.deps.Metrics.RecordScoringError(ctx, string(errors.ErrorTypeReferenceData))
		return nil, errors.NewReferenceDataError("REFERENCE_UNAVAILABLE", "reference snapshot unavailable").WithCause(err)
	}
	return snap, nil
}

// ScoreByID looks the claim up in view and scores it there
func (e *Engine) ScoreByID(ctx context.Context, claimID uuid.UUID, view *history.View, ruleOnly bool) (*fraud.Verdict, error) {
	if view == nil {
		return nil, errors.NewValidationError(errors.CodeInvalidClaim, "history view is required")
	}
	c, ok := view.ClaimByID(claimID)
	if !ok {
		return nil, errors.NewNotFoundError("claim " + claimID.String())
	}
	if ruleOnly {
		return e.ScoreRuleOnly(ctx, c, view)
	}
	return e.Score(ctx, c, view)
}

func (e *Engine) score(ctx context.Context, c *claim.Claim, view *history.View, snap *reference.Snapshot, ruleOnly bool) (*fraud.Verdict, error) {
	if c == nil {
		return nil, errors.NewValidationError(errors.CodeInvalidClaim, "claim is required")
	}
	if view == nil {
		return nil, errors.NewValidationError(errors.CodeInvalidClaim, "history view is required")
	}

	ctx, span := telemetry.StartSpan(ctx, "scoring.score",
		attribute.String("claim.id", c.ID.String()),
		attribute.Int64("history.version", int64(view.Version())),
		attribute.String("reference.version", snap.Version()),
		attribute.Bool("rule_only", ruleOnly))
	defer span.End()
	start := time.Now()
	logger := telemetry.WithTrace(ctx, e.logger).With(
		zap.String("claim_id", c.ID.String()),
		zap.Uint64("as_of_version", view.Version()))

	in, err := e.signals(ctx, c, view, snap)
	if err != nil {
		telemetry.RecordError(span, err)
		e.deps.Metrics.RecordScoringError(ctx, errorType(err))
		return nil, err
	}

	var v *fraud.Verdict
	if ruleOnly {
		v, err = e.deps.Aggregator.AggregateRuleOnly(ctx, in)
	} else {
		v, err = e.withModel(ctx, c, view, snap, in)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		e.deps.Metrics.RecordScoringError(ctx, errorType(err))
		logger.Error("scoring failed", zap.Error(err))
		return nil, err
	}

	if e.deps.Verdicts != nil {
		if err := e.deps.Verdicts.SaveVerdict(ctx, v); err != nil {
			telemetry.RecordError(span, err)
			e.deps.Metrics.RecordScoringError(ctx, "persistence")
			return nil, fmt.Errorf("saving verdict: %w", err)
		}
	}

	elapsed := time.Since(start)
	e.deps.Metrics.RecordVerdict(ctx, string(v.Tier), v.ModelVersion, elapsed)
	span.SetAttributes(
		attribute.String("verdict.tier", string(v.Tier)),
		attribute.Float64("verdict.score", v.Score))
	for _, component := range v.Degraded() {
		telemetry.AddEvent(span, "component.degraded", attribute.String("component", component))
	}
	logger.Info("claim scored",
		zap.String("verdict_id", v.ID.String()),
		zap.String("tier", string(v.Tier)),
		zap.Float64("score", v.Score),
		zap.Int("findings", len(v.Findings)),
		zap.Strings("degraded", v.Degraded()),
		zap.Duration("duration", elapsed))
	return v, nil
}

// signals runs the detector set and the anomaly scorer concurrently
func (e *Engine) signals(ctx context.Context, c *claim.Claim, view *history.View, snap *reference.Snapshot) (aggregator.Input, error) {
	var (
		wg         sync.WaitGroup
		rules      detector.Result
		score      anomaly.Score
		anomalyErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		start := time.Now()
		rules = e.deps.Detectors.Run(ctx, c, view, snap)
		e.deps.Metrics.RecordStage(ctx, "detectors", time.Since(start))
	}()
	go func() {
		defer wg.Done()
		start := time.Now()
		score, anomalyErr = e.scoreAnomaly(ctx, c, view, snap)
		e.deps.Metrics.RecordStage(ctx, "anomaly", time.Since(start))
	}()
	wg.Wait()

	outcomes := append([]fraud.Outcome(nil), rules.Outcomes...)
	out := fraud.Outcome{Component: ComponentAnomaly, Status: fraud.OutcomeSucceeded}
	if anomalyErr != nil {
		out.Status = fraud.OutcomeDegraded
		out.Error = anomalyErr.Error()
		score = anomaly.Score{Baseline: anomaly.BaselineNone}
		e.deps.Metrics.RecordDegraded(ctx, ComponentAnomaly)
		telemetry.WithTrace(ctx, e.logger).Warn("anomaly scorer degraded",
			zap.String("claim_id", c.ID.String()),
			zap.Error(anomalyErr))
	}
	outcomes = append(outcomes, out)

	return aggregator.Input{
		Claim:       c,
		AsOfVersion: view.Version(),
		Findings:    rules.Findings,
		Anomaly:     score,
		Outcomes:    outcomes,

		ReferenceVersion: snap.Version(),
	}, nil
}

func (e *Engine) scoreAnomaly(ctx context.Context, c *claim.Claim, view *history.View, snap *reference.Snapshot) (s anomaly.Score, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("anomaly scorer panicked: %v", r)
		}
	}()
	return e.deps.Anomaly.Score(ctx, c, view, snap)
}

func (e *Engine) withModel(ctx context.Context, c *claim.Claim, view *history.View, snap *reference.Snapshot, in aggregator.Input) (*fraud.Verdict, error) {
	start := time.Now()
	features := model.Assemble(c, view, snap, in.Findings, in.Anomaly)
	e.deps.Metrics.RecordStage(ctx, "features", time.Since(start))

	pred, err := e.deps.Evaluator.Evaluate(ctx, features, e.deps.ModelVersion)
	if err != nil {
		return nil, err
	}
	in.Probability = pred.Probability
	in.ModelVersion = pred.Version

	start = time.Now()
	defer func() { e.deps.Metrics.RecordStage(ctx, "aggregate", time.Since(start)) }()
	return e.deps.Aggregator.Aggregate(ctx, in)
}

// Submit normalizes raw, appends it to history and scores it at the version
// it was appended as. Verdicts at or above the emission tier reach the case
// emitter.
func (e *Engine) Submit(ctx context.Context, raw normalizer.RawClaim) (*Submission, error) {
	if e.deps.Normalizer == nil || e.deps.Index == nil {
		return nil, fmt.Errorf("submit requires a normalizer and a history index")
	}
	if e.deps.Evaluator == nil {
		return nil, errors.NewModelUnavailableError(e.deps.ModelVersion, "no model evaluator configured")
	}
	ctx, span := telemetry.StartSpan(ctx, "scoring.submit")
	defer span.End()

	snap, err := e.snapshot(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	start := time.Now()
	res, err := e.deps.Normalizer.Normalize(ctx, raw, snap)
	e.deps.Metrics.RecordStage(ctx, "normalize", time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		e.deps.Metrics.RecordScoringError(ctx, errorType(err))
		return nil, err
	}

	stored, err := e.deps.Index.Append(ctx, res.Claim)
	if err != nil {
		telemetry.RecordError(span, err)
		e.deps.Metrics.RecordScoringError(ctx, errorType(err))
		return nil, err
	}
	view, err := e.deps.Index.ViewAt(stored.Version)
	if err != nil {
		return nil, err
	}

	v, err := e.score(ctx, stored, view, snap, false)
	if err != nil {
		return nil, err
	}

	sub := &Submission{
		Claim:    stored,
		Verdict:  v,
		Warnings: res.Warnings,
		Stale:    res.Stale,
	}
	if e.deps.Emitter != nil {
		sub.Decision, sub.Case, err = e.deps.Emitter.Emit(ctx, v)
		if err != nil {
			telemetry.RecordError(span, err)
			return sub, fmt.Errorf("emitting case: %w", err)
		}
	}
	return sub, nil
}

// Emit forwards a verdict to the case emitter when one is configured
func (e *Engine) Emit(ctx context.Context, v *fraud.Verdict) (cases.Decision, error) {
	if e.deps.Emitter == nil {
		return "", nil
	}
	d, _, err := e.deps.Emitter.Emit(ctx, v)
	return d, err
}

// Head returns the latest history view, or nil without an index
func (e *Engine) Head() *history.View {
	if e.deps.Index == nil {
		return nil
	}
	return e.deps.Index.Head()
}

// ViewAt pins history at version; 0 means the current head
func (e *Engine) ViewAt(version uint64) (*history.View, error) {
	if e.deps.Index == nil {
		return nil, fmt.Errorf("no history index configured")
	}
	if version == 0 {
		return e.deps.Index.Head(), nil
	}
	return e.deps.Index.ViewAt(version)
}

func errorType(err error) string {
	for _, t := range []errors.ErrorType{
		errors.ErrorTypeValidation,
		errors.ErrorTypeReferenceData,
		errors.ErrorTypeModelUnavailable,
		errors.ErrorTypeConflict,
		errors.ErrorTypeNotFound,
	} {
		if errors.IsType(err, t) {
			return string(t)
		}
	}
	return "internal"
}

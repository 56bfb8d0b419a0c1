package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the scoring engine's OpenTelemetry instruments. A nil
// *Registry is valid and records nothing.
type Registry struct {
	meter metric.Meter

	// Scoring pipeline
	ScoringDuration   metric.Float64Histogram
	StageDuration     metric.Float64Histogram
	VerdictCounter    metric.Int64Counter
	ScoringErrors     metric.Int64Counter
	DetectorDegraded  metric.Int64Counter
	FindingCounter    metric.Int64Counter
	StaleReference    metric.Int64Counter
	DeprecatedCodes   metric.Int64Counter
	HistoryHead       metric.Int64ObservableGauge
	HistoryGroupCount metric.Int64ObservableGauge

	// Model artifacts
	ModelLoadDuration metric.Float64Histogram
	ModelLoadFailures metric.Int64Counter
	ModelCacheHits    metric.Int64Counter

	// Cases
	CaseDecisions metric.Int64Counter

	// Batch jobs
	BatchClaims metric.Int64Counter

	historyHead   atomic.Int64
	historyGroups atomic.Int64
}

// NewRegistry creates the engine instruments on the global meter provider
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{meter: otel.Meter(meterName)}

	if err := r.initScoringMetrics(); err != nil {
		return nil, err
	}
	if err := r.initModelMetrics(); err != nil {
		return nil, err
	}
	if err := r.initCaseMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initScoringMetrics() error {
	var err error

	r.ScoringDuration, err = r.meter.Float64Histogram(
		"cfe.scoring.duration",
		metric.WithDescription("End-to-end claim scoring duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000),
	)
	if err != nil {
		return err
	}

	r.StageDuration, err = r.meter.Float64Histogram(
		"cfe.scoring.stage_duration",
		metric.WithDescription("Duration of individual pipeline stages in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 25, 50, 100),
	)
	if err != nil {
		return err
	}

	r.VerdictCounter, err = r.meter.Int64Counter(
		"cfe.scoring.verdicts",
		metric.WithDescription("Verdicts produced, by tier"),
	)
	if err != nil {
		return err
	}

	r.ScoringErrors, err = r.meter.Int64Counter(
		"cfe.scoring.errors",
		metric.WithDescription("Claims that could not be scored, by error type"),
	)
	if err != nil {
		return err
	}

	r.DetectorDegraded, err = r.meter.Int64Counter(
		"cfe.detector.degraded",
		metric.WithDescription("Detector or scorer runs that failed and were degraded"),
	)
	if err != nil {
		return err
	}

	r.FindingCounter, err = r.meter.Int64Counter(
		"cfe.detector.findings",
		metric.WithDescription("Findings raised, by detector and severity"),
	)
	if err != nil {
		return err
	}

	r.StaleReference, err = r.meter.Int64Counter(
		"cfe.reference.stale_snapshots",
		metric.WithDescription("Claims normalized against a stale reference snapshot"),
	)
	if err != nil {
		return err
	}

	r.DeprecatedCodes, err = r.meter.Int64Counter(
		"cfe.reference.deprecated_codes",
		metric.WithDescription("Deprecated procedure codes seen during normalization"),
	)
	if err != nil {
		return err
	}

	r.BatchClaims, err = r.meter.Int64Counter(
		"cfe.batch.claims",
		metric.WithDescription("Claims processed by batch jobs, by result"),
	)
	if err != nil {
		return err
	}

	r.HistoryHead, err = r.meter.Int64ObservableGauge(
		"cfe.history.head_version",
		metric.WithDescription("Latest version appended to the history index"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.historyHead.Load())
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.HistoryGroupCount, err = r.meter.Int64ObservableGauge(
		"cfe.history.groups",
		metric.WithDescription("Claim groups held in the history index"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.historyGroups.Load())
			return nil
		}),
	)
	return err
}

func (r *Registry) initModelMetrics() error {
	var err error

	r.ModelLoadDuration, err = r.meter.Float64Histogram(
		"cfe.model.load_duration",
		metric.WithDescription("Model artifact cold-load duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	r.ModelLoadFailures, err = r.meter.Int64Counter(
		"cfe.model.load_failures",
		metric.WithDescription("Model artifact load or schema failures"),
	)
	if err != nil {
		return err
	}

	r.ModelCacheHits, err = r.meter.Int64Counter(
		"cfe.model.cache_hits",
		metric.WithDescription("Artifact cache lookups served without loading"),
	)
	return err
}

func (r *Registry) initCaseMetrics() error {
	var err error
	r.CaseDecisions, err = r.meter.Int64Counter(
		"cfe.cases.decisions",
		metric.WithDescription("Case emitter decisions"),
	)
	return err
}

// RecordVerdict records a completed scoring
func (r *Registry) RecordVerdict(ctx context.Context, tier string, modelVersion string, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("model_version", modelVersion),
	)
	r.ScoringDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
	r.VerdictCounter.Add(ctx, 1, attrs)
}

// RecordStage records one pipeline stage duration
func (r *Registry) RecordStage(ctx context.Context, stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.StageDuration.Record(ctx, float64(d.Microseconds())/1000,
		metric.WithAttributes(attribute.String("stage", stage)))
}

func (r *Registry) RecordScoringError(ctx context.Context, errorType string) {
	if r == nil {
		return
	}
	r.ScoringErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("error_type", errorType)))
}

func (r *Registry) RecordDegraded(ctx context.Context, component string) {
	if r == nil {
		return
	}
	r.DetectorDegraded.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

func (r *Registry) RecordFinding(ctx context.Context, detector, severity string) {
	if r == nil {
		return
	}
	r.FindingCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("detector", detector),
		attribute.String("severity", severity),
	))
}

func (r *Registry) RecordStaleReference(ctx context.Context) {
	if r == nil {
		return
	}
	r.StaleReference.Add(ctx, 1)
}

func (r *Registry) RecordDeprecatedCode(ctx context.Context, code string) {
	if r == nil {
		return
	}
	r.DeprecatedCodes.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (r *Registry) RecordModelLoad(ctx context.Context, version string, d time.Duration, err error) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model_version", version))
	if err != nil {
		r.ModelLoadFailures.Add(ctx, 1, attrs)
		return
	}
	r.ModelLoadDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

func (r *Registry) RecordModelCacheHit(ctx context.Context, version string) {
	if r == nil {
		return
	}
	r.ModelCacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("model_version", version)))
}

func (r *Registry) RecordCaseDecision(ctx context.Context, decision string) {
	if r == nil {
		return
	}
	r.CaseDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

func (r *Registry) RecordBatchClaim(ctx context.Context, result string) {
	if r == nil {
		return
	}
	r.BatchClaims.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// SetHistoryState updates the observable history gauges
func (r *Registry) SetHistoryState(head uint64, groups int) {
	if r == nil {
		return
	}
	r.historyHead.Store(int64(head))
	r.historyGroups.Store(int64(groups))
}

package model

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/claims-fraud-engine/internal/metrics"
)

// Prediction is the ensemble output for one claim
type Prediction struct {
	Probability float64
	Version     string
}

// Evaluator scores feature vectors with a named artifact version
type Evaluator struct {
	cache   *ArtifactCache
	metrics *metrics.Registry
	logger  *zap.Logger
}

func NewEvaluator(cache *ArtifactCache, reg *metrics.Registry, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{cache: cache, metrics: reg, logger: logger}
}

// Evaluate runs exactly the requested version. It never falls back to
// another version: a missing or mismatched artifact is a
// ModelUnavailableError.
func (e *Evaluator) Evaluate(ctx context.Context, f Features, version string) (Prediction, error) {
	ctx, span := telemetry.StartSpan(ctx, "model.evaluate")
	defer span.End()
	start := time.Now()
	defer func() { e.metrics.RecordStage(ctx, "model", time.Since(start)) }()

	a, err := e.cache.Load(ctx, version)
	if err != nil {
		telemetry.RecordError(span, err)
		return Prediction{}, err
	}

	p, err := a.Predict(f.Vector())
	if err != nil {
		telemetry.RecordError(span, err)
		return Prediction{}, errors.NewModelUnavailableError(version, err.Error()).WithCause(err)
	}

	telemetry.WithTrace(ctx, e.logger).Debug("model evaluated",
		zap.String("model_version", a.Version),
		zap.Float64("probability", p))
	return Prediction{Probability: p, Version: a.Version}, nil
}

package cases

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/cache"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/claims-fraud-engine/internal/metrics"
)

// Decision is what Emit did with a verdict
type Decision string

const (
	DecisionOpened         Decision = "opened"
	DecisionEscalated      Decision = "escalated"
	DecisionDeduplicated   Decision = "deduplicated"
	DecisionBelowThreshold Decision = "below_threshold"
	// DecisionUnchanged: an open case exists at the same or a higher tier
	DecisionUnchanged Decision = "unchanged"
)

// Emitter turns verdicts into case create and escalate requests
type Emitter struct {
	repo      Repository
	dedup     cache.Cache
	threshold fraud.Tier
	cfg       config.CasesConfig
	metrics   *metrics.Registry
	logger    *zap.Logger
	clock     claim.Clock

	groups sync.Map // uuid.UUID -> *sync.Mutex
}

// EmitterOption customizes an Emitter
type EmitterOption func(*Emitter)

// WithClock sets the clock that stamps case open, escalate and resolve times
func WithClock(c claim.Clock) EmitterOption {
	return func(e *Emitter) { e.clock = claim.OrSystem(c) }
}

// NewEmitter builds an emitter. dedup may be nil, in which case only the
// repository check for an identical open verdict applies.
func NewEmitter(repo Repository, dedup cache.Cache, cfg config.CasesConfig, reg *metrics.Registry, logger *zap.Logger, opts ...EmitterOption) (*Emitter, error) {
	if repo == nil {
		return nil, fmt.Errorf("case repository is required")
	}
	tier, err := fraud.ParseTier(cfg.EmissionTier)
	if err != nil {
		return nil, fmt.Errorf("emission tier: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Emitter{
		repo:      repo,
		dedup:     dedup,
		threshold: tier,
		cfg:       cfg,
		metrics:   reg,
		logger:    logger,
		clock:     claim.SystemClock,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Emit opens or escalates the case for the verdict's claim group
func (e *Emitter) Emit(ctx context.Context, v *fraud.Verdict) (Decision, *fraud.Case, error) {
	ctx, span := telemetry.StartSpan(ctx, "cases.emit")
	defer span.End()

	decision, c, err := e.emit(ctx, v)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", nil, err
	}
	e.metrics.RecordCaseDecision(ctx, string(decision))

	fields := []zap.Field{
		zap.String("decision", string(decision)),
		zap.String("group_id", v.GroupID.String()),
		zap.String("verdict_id", v.ID.String()),
		zap.String("tier", string(v.Tier)),
	}
	if c != nil {
		fields = append(fields, zap.String("case_id", c.ID.String()))
	}
	log := telemetry.WithTrace(ctx, e.logger)
	switch decision {
	case DecisionOpened, DecisionEscalated:
		log.Info("case emitted", fields...)
	default:
		log.Debug("case emission skipped", fields...)
	}
	return decision, c, nil
}

func (e *Emitter) emit(ctx context.Context, v *fraud.Verdict) (Decision, *fraud.Case, error) {
	if v == nil || v.GroupID == uuid.Nil {
		return "", nil, errors.NewValidationError("INVALID_VERDICT", "verdict with a claim group is required")
	}
	if !v.Tier.AtLeast(e.threshold) {
		return DecisionBelowThreshold, nil, nil
	}

	// SETNX reserves the key; it is released below unless the verdict
	// changed a case
	key := dedupKey(v)
	if e.dedup != nil {
		first, err := e.dedup.SetNX(ctx, key, v.ID.String(), e.cfg.DedupTTL)
		if err != nil {
			return "", nil, fmt.Errorf("case dedup: %w", err)
		}
		if !first {
			return DecisionDeduplicated, nil, nil
		}
	}

	unlock := e.lockGroup(v.GroupID)
	defer unlock()

	decision, c, err := e.apply(ctx, v)
	if e.dedup != nil && !keepsDedupKey(decision, err) {
		// only verdicts that opened or escalated a case hold the key
		if delErr := e.dedup.Delete(ctx, key); delErr != nil {
			e.logger.Warn("failed to release case dedup key", zap.String("key", key), zap.Error(delErr))
		}
	}
	return decision, c, err
}

func keepsDedupKey(d Decision, err error) bool {
	return err == nil && (d == DecisionOpened || d == DecisionEscalated)
}

func (e *Emitter) apply(ctx context.Context, v *fraud.Verdict) (Decision, *fraud.Case, error) {
	open, err := e.repo.FindOpen(ctx, v.GroupID)
	if err != nil {
		return "", nil, fmt.Errorf("finding open case: %w", err)
	}

	if open == nil {
		c, err := fraud.NewCase(v, e.clock.Now())
		if err != nil {
			return "", nil, err
		}
		err = e.repo.Create(ctx, c)
		if err == nil {
			return DecisionOpened, c, nil
		}
		if !errors.IsType(err, errors.ErrorTypeConflict) {
			return "", nil, fmt.Errorf("creating case: %w", err)
		}
		// another writer opened one first
		if open, err = e.repo.FindOpen(ctx, v.GroupID); err != nil || open == nil {
			return "", nil, fmt.Errorf("re-reading open case: %w", err)
		}
	}

	if open.ContentHash.Equal(v.ContentHash) {
		return DecisionDeduplicated, open, nil
	}
	if !v.Tier.HigherThan(open.Tier) {
		return DecisionUnchanged, open, nil
	}
	if err := open.Escalate(v, e.clock.Now()); err != nil {
		return "", nil, err
	}
	if err := e.repo.Update(ctx, open); err != nil {
		return "", nil, fmt.Errorf("escalating case: %w", err)
	}
	return DecisionEscalated, open, nil
}

// Resolve closes a case. It is called by the review workflow, never by the
// scoring path.
func (e *Emitter) Resolve(ctx context.Context, caseID uuid.UUID, outcome fraud.CaseStatus, note string) (*fraud.Case, error) {
	c, err := e.repo.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if err := c.Resolve(outcome, note, e.clock.Now()); err != nil {
		return nil, err
	}
	if err := e.repo.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("resolving case: %w", err)
	}
	e.metrics.RecordCaseDecision(ctx, string(outcome))
	telemetry.WithTrace(ctx, e.logger).Info("case resolved",
		zap.String("case_id", c.ID.String()),
		zap.String("outcome", string(outcome)))
	return c, nil
}

func (e *Emitter) lockGroup(groupID uuid.UUID) func() {
	m, _ := e.groups.LoadOrStore(groupID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func dedupKey(v *fraud.Verdict) string {
	return cache.PrefixCaseDedup + v.GroupID.String() + ":" + v.ContentHash.String()
}

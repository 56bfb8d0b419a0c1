package refdata

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	domainerrors "github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/cache"
)

const CodeReferenceUnavailable = "REFERENCE_UNAVAILABLE"

const snapshotKey = cache.PrefixReference + "snapshot"

// CachedSource is a reference.Source backed by a shared cache in front of
// a Loader. Replicas sharing a redis see the same snapshot until it expires.
// Within the local TTL the in-process copy is served without a round trip.
type CachedSource struct {
	cache    cache.Cache
	load     Loader
	ttl      time.Duration
	localTTL time.Duration
	clock    claim.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	current   *reference.Snapshot
	freshTill time.Time
}

// SourceOption customizes a CachedSource
type SourceOption func(*CachedSource)

// WithLocalTTL serves the in-process snapshot for d before consulting the
// shared cache again. Zero checks the shared cache on every call.
func WithLocalTTL(d time.Duration) SourceOption {
	return func(s *CachedSource) { s.localTTL = d }
}

// WithClock sets the clock that ages the in-process snapshot
func WithClock(c claim.Clock) SourceOption {
	return func(s *CachedSource) { s.clock = claim.OrSystem(c) }
}

// NewCachedSource builds a source. A nil cache loads whenever the local copy
// has expired. Staleness is judged by the normalizer, not here.
func NewCachedSource(c cache.Cache, load Loader, ttl time.Duration, logger *zap.Logger, opts ...SourceOption) (*CachedSource, error) {
	if load == nil {
		return nil, errors.New("reference loader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CachedSource{cache: c, load: load, ttl: ttl, clock: claim.SystemClock, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Current returns the in-process snapshot while it is fresh, then the shared
// one, reloading on a miss. Cache failures fall through to the loader;
// loader failures are retryable.
func (s *CachedSource) Current(ctx context.Context) (*reference.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.current != nil && now.Before(s.freshTill) {
		return s.current, nil
	}

	if data, ok := s.fromCache(ctx); ok {
		return s.publish(data, now), nil
	}

	data, err := s.load(ctx)
	if err != nil {
		s.logger.Error("reference data load failed", zap.Error(err))
		return nil, domainerrors.NewReferenceDataError(CodeReferenceUnavailable, "reference data unavailable").WithCause(err)
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, snapshotKey, data, s.ttl); err != nil {
			s.logger.Warn("caching reference snapshot failed", zap.Error(err))
		}
	}
	return s.publish(data, now), nil
}

// Invalidate drops the shared snapshot so the next call reloads
func (s *CachedSource) Invalidate(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.freshTill = time.Time{}
	s.mu.Unlock()
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, snapshotKey)
}

func (s *CachedSource) fromCache(ctx context.Context) (reference.SnapshotData, bool) {
	var data reference.SnapshotData
	if s.cache == nil {
		return data, false
	}
	err := s.cache.GetJSON(ctx, snapshotKey, &data)
	if err == nil {
		return data, true
	}
	var miss cache.ErrCacheKeyNotFound
	if !errors.As(err, &miss) {
		s.logger.Warn("reading cached reference snapshot failed", zap.Error(err))
	}
	return data, false
}

// publish reuses the in-process snapshot while the version is unchanged
func (s *CachedSource) publish(data reference.SnapshotData, now time.Time) *reference.Snapshot {
	s.freshTill = now.Add(s.localTTL)
	if s.current == nil || s.current.Version() != data.Version || !s.current.TakenAt().Equal(data.TakenAt) {
		s.current = reference.NewSnapshot(data)
		s.logger.Info("reference snapshot loaded",
			zap.String("version", data.Version),
			zap.Time("taken_at", data.TakenAt),
			zap.Int("patients", len(data.Patients)),
			zap.Int("providers", len(data.Providers)))
	}
	return s.current
}

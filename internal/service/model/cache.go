package model

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/metrics"
)

// ArtifactCache holds loaded artifacts process-wide. A version is loaded from
// the registry at most once at a time; pinned versions never expire.
type ArtifactCache struct {
	registry Registry
	schema   []string
	ttl      time.Duration
	store    *gocache.Cache
	loads    singleflight.Group
	metrics  *metrics.Registry
	logger   *zap.Logger

	mu     sync.RWMutex
	pinned map[string]bool
}

// NewArtifactCache creates a cache over registry. A zero ttl keeps entries
// until invalidated.
func NewArtifactCache(registry Registry, ttl time.Duration, reg *metrics.Registry, logger *zap.Logger) *ArtifactCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	expiry := gocache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		expiry = ttl
		cleanup = 2 * ttl
	}
	return &ArtifactCache{
		registry: registry,
		schema:   FeatureSchemaV1,
		ttl:      ttl,
		store:    gocache.New(expiry, cleanup),
		metrics:  reg,
		logger:   logger,
		pinned:   make(map[string]bool),
	}
}

// Load returns the artifact for version, fetching it on a miss. Failures
// are ModelUnavailableErrors and are never cached.
func (c *ArtifactCache) Load(ctx context.Context, version string) (*Artifact, error) {
	if a, ok := c.Get(version); ok {
		c.metrics.RecordModelCacheHit(ctx, version)
		return a, nil
	}

	v, err, shared := c.loads.Do(version, func() (interface{}, error) {
		return c.fetch(ctx, version)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("joined in-flight model load", zap.String("model_version", version))
	}
	return v.(*Artifact), nil
}

func (c *ArtifactCache) fetch(ctx context.Context, version string) (*Artifact, error) {
	start := time.Now()
	a, err := c.registry.Fetch(ctx, version)
	if err == nil && a.Version != version {
		err = errors.NewModelUnavailableError(version, "registry returned version "+a.Version)
	}
	if err == nil {
		if schemaErr := a.CheckSchema(c.schema); schemaErr != nil {
			appErr := errors.NewModelUnavailableError(version, schemaErr.Error())
			appErr.Code = errors.CodeModelSchema
			err = appErr
		}
	}
	c.metrics.RecordModelLoad(ctx, version, time.Since(start), err)

	if err != nil {
		c.logger.Error("model artifact unavailable",
			zap.String("model_version", version),
			zap.Error(err))
		if errors.IsType(err, errors.ErrorTypeModelUnavailable) {
			return nil, err
		}
		return nil, errors.NewModelUnavailableError(version, err.Error()).WithCause(err)
	}

	c.store.Set(version, a, c.expiryFor(version))
	c.logger.Info("model artifact loaded",
		zap.String("model_version", version),
		zap.Int("members", len(a.Members)),
		zap.Duration("duration", time.Since(start)))
	return a, nil
}

// Get returns a cached artifact without touching the registry
func (c *ArtifactCache) Get(version string) (*Artifact, bool) {
	v, ok := c.store.Get(version)
	if !ok {
		return nil, false
	}
	return v.(*Artifact), true
}

// Invalidate drops version and its pin
func (c *ArtifactCache) Invalidate(version string) {
	c.mu.Lock()
	delete(c.pinned, version)
	c.mu.Unlock()
	c.store.Delete(version)
	c.logger.Info("model artifact invalidated", zap.String("model_version", version))
}

// Pin keeps version resident regardless of the ttl, loading it if needed
func (c *ArtifactCache) Pin(ctx context.Context, version string) error {
	c.mu.Lock()
	c.pinned[version] = true
	c.mu.Unlock()

	a, err := c.Load(ctx, version)
	if err != nil {
		return err
	}
	c.store.Set(version, a, gocache.NoExpiration)
	return nil
}

// Pinned reports whether version is pinned
func (c *ArtifactCache) Pinned(version string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pinned[version]
}

func (c *ArtifactCache) expiryFor(version string) time.Duration {
	if c.Pinned(version) || c.ttl <= 0 {
		return gocache.NoExpiration
	}
	return c.ttl
}

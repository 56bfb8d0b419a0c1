package refdata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	domainerrors "github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/cache"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/testutil"
)

const seedYAML = `
version: ref-2024-03
taken_at: 2024-03-14T00:00:00Z
patients:
  - id: PAT-001
    enrollments:
      - start: 2023-01-01T00:00:00Z
  - id: PAT-002
    enrollments:
      - start: 2022-01-01T00:00:00Z
        end: 2023-12-31T00:00:00Z
    date_of_death: 2024-01-10T00:00:00Z
providers:
  - id: PRV-001
    name: Riverside Clinic
    specialty: general_practice
    claim_count: 200
    rejected_count: 10
    amounts:
      mean: 1200
      std_dev: 400
      count: 200
procedures:
  - code: CONS01
    tier: 1
  - code: CONS02
    tier: 2
diagnoses:
  - code: A09
`

func TestParseSeed(t *testing.T) {
	data, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)

	snap := reference.NewSnapshot(data)
	assert.Equal(t, "ref-2024-03", snap.Version())

	p, ok := snap.Patient("PAT-002")
	require.True(t, ok)
	require.NotNil(t, p.DateOfDeath)
	assert.True(t, p.DeceasedOn(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, reference.CoverageLapsed, p.CoverageOn(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))

	prv, ok := snap.Provider("PRV-001")
	require.True(t, ok)
	assert.InDelta(t, 0.05, prv.RejectionRate(), 1e-9)
	assert.Equal(t, 400.0, prv.Amounts.StdDev)

	_, ok = snap.Codes().Procedure("CONS02")
	assert.True(t, ok)
}

func TestParseSeed_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing version",
			yaml: "taken_at: 2024-03-14T00:00:00Z\n",
			want: "no version",
		},
		{
			name: "missing taken_at",
			yaml: "version: v1\n",
			want: "no taken_at",
		},
		{
			name: "duplicate patient",
			yaml: "version: v1\ntaken_at: 2024-03-14T00:00:00Z\npatients:\n  - id: P1\n  - id: P1\n",
			want: "duplicate patient P1",
		},
		{
			name: "empty procedure code",
			yaml: "version: v1\ntaken_at: 2024-03-14T00:00:00Z\nprocedures:\n  - tier: 1\n",
			want: "procedure with empty id",
		},
		{
			name: "enrollment ends before start",
			yaml: "version: v1\ntaken_at: 2024-03-14T00:00:00Z\npatients:\n  - id: P1\n    enrollments:\n      - start: 2024-01-01T00:00:00Z\n        end: 2023-01-01T00:00:00Z\n",
			want: "ends before it starts",
		},
		{
			name: "unknown field",
			yaml: "version: v1\ntaken_at: 2024-03-14T00:00:00Z\nclinics: []\n",
			want: "decoding reference seed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSeed([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reference.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	data, err := SeedFile(path)(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Len(t, data.Patients, 2)

	_, err = SeedFile(filepath.Join(t.TempDir(), "missing.yaml"))(testutil.TestContext(t))
	assert.Error(t, err)
}

func countingLoader(t *testing.T, calls *atomic.Int32) Loader {
	t.Helper()
	return func(context.Context) (reference.SnapshotData, error) {
		calls.Add(1)
		return ParseSeed([]byte(seedYAML))
	}
}

func TestCachedSource_SharesSnapshotThroughRedis(t *testing.T) {
	ctx := testutil.TestContext(t)
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t)

	newRedis := func() cache.Cache {
		c, err := cache.NewRedisCache(&config.RedisConfig{URL: mr.Addr()}, logger)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	var calls atomic.Int32
	first, err := NewCachedSource(newRedis(), countingLoader(t, &calls), time.Hour, logger)
	require.NoError(t, err)
	second, err := NewCachedSource(newRedis(), countingLoader(t, &calls), time.Hour, logger)
	require.NoError(t, err)

	a, err := first.Current(ctx)
	require.NoError(t, err)
	b, err := second.Current(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load(), "second replica must read the shared snapshot")
	assert.Equal(t, a.Version(), b.Version())
	assert.True(t, mr.Exists(snapshotKey))

	again, err := first.Current(ctx)
	require.NoError(t, err)
	assert.Same(t, a, again, "unchanged version reuses the in-process snapshot")

	mr.FastForward(2 * time.Hour)
	_, err = first.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "expired snapshot reloads")

	require.NoError(t, first.Invalidate(ctx))
	assert.False(t, mr.Exists(snapshotKey))
}

func TestCachedSource_ServesLocalCopyWithinLocalTTL(t *testing.T) {
	ctx := testutil.TestContext(t)
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t)

	c, err := cache.NewRedisCache(&config.RedisConfig{URL: mr.Addr()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	clock := claim.NewFixedClock(time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC))
	var calls atomic.Int32
	src, err := NewCachedSource(c, countingLoader(t, &calls), time.Hour, logger,
		WithLocalTTL(time.Minute), WithClock(clock))
	require.NoError(t, err)

	first, err := src.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// a broken redis goes unnoticed while the local copy is fresh
	mr.SetError("ERR server unavailable")
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		again, err := src.Current(ctx)
		require.NoError(t, err)
		assert.Same(t, first, again)
	}
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(15 * time.Second)
	_, err = src.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "expired local copy goes back to redis, then the loader")

	mr.SetError("")
	require.NoError(t, src.Invalidate(ctx))
	_, err = src.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load(), "invalidation drops the local copy")
}

func TestCachedSource_CacheFailureFallsBackToLoader(t *testing.T) {
	ctx := testutil.TestContext(t)
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t)

	c, err := cache.NewRedisCache(&config.RedisConfig{URL: mr.Addr()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	var calls atomic.Int32
	src, err := NewCachedSource(c, countingLoader(t, &calls), time.Hour, logger)
	require.NoError(t, err)

	mr.SetError("READONLY")
	snap, err := src.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ref-2024-03", snap.Version())
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachedSource_LoaderFailureIsRetryable(t *testing.T) {
	loader := func(context.Context) (reference.SnapshotData, error) {
		return reference.SnapshotData{}, errors.New("seed store offline")
	}
	src, err := NewCachedSource(cache.NewMemoryCache(time.Minute), loader, time.Hour, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = src.Current(testutil.TestContext(t))
	require.Error(t, err)
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeReferenceData))
	assert.True(t, domainerrors.IsRetryable(err))
	assert.True(t, domainerrors.HasCode(err, CodeReferenceUnavailable))
}

func TestNewCachedSource_RequiresLoader(t *testing.T) {
	_, err := NewCachedSource(nil, nil, time.Hour, nil)
	assert.Error(t, err)
}

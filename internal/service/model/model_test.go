package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
)

func newArtifact(t *testing.T, version string, members ...Member) *Artifact {
	t.Helper()
	if len(members) == 0 {
		members = []Member{{
			Kind:         MemberLogistic,
			Weight:       1,
			Intercept:    -2,
			Coefficients: map[string]float64{"finding_count_high": 1.5, "anomaly_normalized": 2},
		}}
	}
	a := &Artifact{
		Version:     version,
		Features:    append([]string(nil), FeatureSchemaV1...),
		Members:     members,
		Calibration: Calibration{A: -1, B: 0},
	}
	data, err := json.Marshal(a)
	require.NoError(t, err)
	parsed, err := ParseArtifact(data)
	require.NoError(t, err)
	return parsed
}

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

// countingRegistry records fetches and can be slowed down
type countingRegistry struct {
	inner Registry
	delay time.Duration
	calls atomic.Int32
}

func (r *countingRegistry) Fetch(ctx context.Context, version string) (*Artifact, error) {
	r.calls.Add(1)
	time.Sleep(r.delay)
	return r.inner.Fetch(ctx, version)
}

func TestParseArtifact_Rejects(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{name: "malformed", json: `{"version":`},
		{name: "no version", json: `{"features":["a"],"members":[{"kind":"stump","weight":1,"feature":"a"}],"calibration":{"a":-1}}`},
		{name: "no members", json: `{"version":"v","features":["a"],"calibration":{"a":-1}}`},
		{name: "flat calibration", json: `{"version":"v","features":["a"],"members":[{"kind":"stump","weight":1,"feature":"a"}]}`},
		{name: "zero weight", json: `{"version":"v","features":["a"],"members":[{"kind":"stump","weight":0,"feature":"a"}],"calibration":{"a":-1}}`},
		{name: "unknown kind", json: `{"version":"v","features":["a"],"members":[{"kind":"forest","weight":1}],"calibration":{"a":-1}}`},
		{name: "unknown stump feature", json: `{"version":"v","features":["a"],"members":[{"kind":"stump","weight":1,"feature":"b"}],"calibration":{"a":-1}}`},
		{name: "unknown coefficient", json: `{"version":"v","features":["a"],"members":[{"kind":"logistic","weight":1,"coefficients":{"b":1}}],"calibration":{"a":-1}}`},
		{name: "duplicate feature", json: `{"version":"v","features":["a","a"],"members":[{"kind":"stump","weight":1,"feature":"a"}],"calibration":{"a":-1}}`},
		{name: "zero std", json: `{"version":"v","features":["a"],"members":[{"kind":"logistic","weight":1,"coefficients":{"a":1},"scaling":{"a":{"mean":0,"std":0}}}],"calibration":{"a":-1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseArtifact([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestArtifact_Predict(t *testing.T) {
	a := newArtifact(t, "v1",
		Member{
			Kind:         MemberLogistic,
			Weight:       3,
			Intercept:    -1,
			Coefficients: map[string]float64{"total_claim_amount": 2},
			Scaling:      map[string]Scale{"total_claim_amount": {Mean: 1000, Std: 500}},
		},
		Member{Kind: MemberStump, Weight: 1, Feature: "finding_count_high", Threshold: 0, Below: 0.1, Above: 0.9},
	)

	f := Features{TotalClaimAmount: 2000, FindingsHigh: 1}
	p, err := a.Predict(f.Vector())
	require.NoError(t, err)

	raw := (3*sigmoid(-1+2*2) + 1*0.9) / 4
	assert.InDelta(t, sigmoid(raw), p, 1e-12)

	_, err = a.Predict([]float64{1, 2})
	assert.Error(t, err)
}

func TestManifest_Open(t *testing.T) {
	a := newArtifact(t, "ensemble-v1")
	data, err := json.Marshal(a)
	require.NoError(t, err)
	sum := sha256.Sum256(data)

	manifest := func(version, checksum string, features []string) *Manifest {
		return &Manifest{Version: version, Artifact: "ensemble.json", SHA256: checksum, Features: features}
	}

	t.Run("valid", func(t *testing.T) {
		opened, err := manifest("ensemble-v1", hex.EncodeToString(sum[:]), FeatureSchemaV1).Open(data)
		require.NoError(t, err)
		assert.Equal(t, "ensemble-v1", opened.Version)
	})
	t.Run("checksum mismatch", func(t *testing.T) {
		_, err := manifest("ensemble-v1", "00ff", FeatureSchemaV1).Open(data)
		assert.ErrorContains(t, err, "checksum")
	})
	t.Run("version mismatch", func(t *testing.T) {
		_, err := manifest("ensemble-v2", "", FeatureSchemaV1).Open(data)
		assert.Error(t, err)
	})
	t.Run("feature list differs", func(t *testing.T) {
		_, err := manifest("ensemble-v1", "", FeatureSchemaV1[:3]).Open(data)
		assert.Error(t, err)
	})
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte("version: ensemble-v1\nfeatures:\n  - finding_count_low\n"))
	require.NoError(t, err)
	assert.Equal(t, "ensemble-v1", m.Version)
	assert.Equal(t, "ensemble.json", m.Artifact)
	assert.Equal(t, []string{"finding_count_low"}, m.Features)

	_, err = ParseManifest([]byte("features: []\n"))
	assert.Error(t, err)
}

func TestArtifactCache_LoadsOncePerVersion(t *testing.T) {
	reg := &countingRegistry{inner: NewStaticRegistry(newArtifact(t, "v1")), delay: 20 * time.Millisecond}
	cache := NewArtifactCache(reg, 0, nil, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := cache.Load(context.Background(), "v1")
			assert.NoError(t, err)
			assert.Equal(t, "v1", a.Version)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), reg.calls.Load())

	_, err := cache.Load(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), reg.calls.Load())
}

func TestArtifactCache_Failures(t *testing.T) {
	mismatched := newArtifact(t, "v-old")
	mismatched.Features = mismatched.Features[:len(mismatched.Features)-1]
	reg := &countingRegistry{inner: NewStaticRegistry(mismatched)}
	cache := NewArtifactCache(reg, 0, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := cache.Load(ctx, "v-old")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeModelUnavailable))
	assert.True(t, errors.HasCode(err, errors.CodeModelSchema))

	_, err = cache.Load(ctx, "v-missing")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeModelUnavailable))
	assert.True(t, errors.HasCode(err, errors.CodeModelUnavailable))

	_, err = cache.Load(ctx, "v-missing")
	require.Error(t, err)
	assert.Equal(t, int32(3), reg.calls.Load(), "failures are not cached")
	_, ok := cache.Get("v-missing")
	assert.False(t, ok)
}

func TestArtifactCache_InvalidateAndPin(t *testing.T) {
	static := NewStaticRegistry(newArtifact(t, "v1"))
	reg := &countingRegistry{inner: static}
	cache := NewArtifactCache(reg, 10*time.Millisecond, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, cache.Pin(ctx, "v1"))
	assert.True(t, cache.Pinned("v1"))
	time.Sleep(30 * time.Millisecond)
	_, ok := cache.Get("v1")
	assert.True(t, ok, "pinned versions do not expire")

	cache.Invalidate("v1")
	assert.False(t, cache.Pinned("v1"))
	_, ok = cache.Get("v1")
	assert.False(t, ok)

	_, err := cache.Load(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), reg.calls.Load())

	time.Sleep(30 * time.Millisecond)
	_, ok = cache.Get("v1")
	assert.False(t, ok, "unpinned versions expire")
}

func TestEvaluator_FailsClosed(t *testing.T) {
	cache := NewArtifactCache(NewStaticRegistry(newArtifact(t, "ensemble-v1")), 0, nil, zaptest.NewLogger(t))
	e := NewEvaluator(cache, nil, zaptest.NewLogger(t))

	pred, err := e.Evaluate(context.Background(), Features{}, "ensemble-v2")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeModelUnavailable))
	assert.Zero(t, pred)
	_, ok := cache.Get("ensemble-v1")
	assert.False(t, ok, "no other version is loaded in its place")
}

func TestEvaluator_Deterministic(t *testing.T) {
	cache := NewArtifactCache(NewStaticRegistry(newArtifact(t, "ensemble-v1")), 0, nil, zaptest.NewLogger(t))
	e := NewEvaluator(cache, nil, zaptest.NewLogger(t))
	f := Features{FindingsHigh: 1, AnomalyNormalized: 0.958, TotalClaimAmount: 5000, LineCount: 1}

	first, err := e.Evaluate(context.Background(), f, "ensemble-v1")
	require.NoError(t, err)
	assert.Equal(t, "ensemble-v1", first.Version)
	assert.InDelta(t, sigmoid(sigmoid(-2+1.5+2*0.958)), first.Probability, 1e-12)

	for i := 0; i < 10; i++ {
		again, err := e.Evaluate(context.Background(), f, "ensemble-v1")
		require.NoError(t, err)
		assert.Equal(t, first, again, fmt.Sprintf("run %d", i))
	}
}

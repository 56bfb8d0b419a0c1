package cases

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/fraud"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/cache"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
)

func verdict(t *testing.T, group uuid.UUID, tier fraud.Tier, seed string) *fraud.Verdict {
	t.Helper()
	h, err := values.ComputeHashValue([]byte(group.String() + seed))
	require.NoError(t, err)
	return &fraud.Verdict{
		ID:          fraud.IDFromHash(h),
		ClaimID:     uuid.New(),
		GroupID:     group,
		Tier:        tier,
		ScoreTier:   tier,
		ContentHash: h,
	}
}

func newRedisDedup(t *testing.T) (cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache(&config.RedisConfig{URL: mr.Addr()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func newEmitter(t *testing.T, repo Repository, dedup cache.Cache, opts ...EmitterOption) *Emitter {
	t.Helper()
	e, err := NewEmitter(repo, dedup, config.CasesConfig{EmissionTier: "high", DedupTTL: time.Hour}, nil, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return e
}

func TestEmitter_Decisions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		sequence []fraud.Tier
		want     []Decision
		tier     fraud.Tier
		escal    int
	}{
		{
			name:     "below threshold never opens",
			sequence: []fraud.Tier{fraud.TierLow, fraud.TierMedium},
			want:     []Decision{DecisionBelowThreshold, DecisionBelowThreshold},
		},
		{
			name:     "open then escalate",
			sequence: []fraud.Tier{fraud.TierHigh, fraud.TierCritical},
			want:     []Decision{DecisionOpened, DecisionEscalated},
			tier:     fraud.TierCritical,
			escal:    1,
		},
		{
			name:     "lower tier leaves case alone",
			sequence: []fraud.Tier{fraud.TierCritical, fraud.TierHigh, fraud.TierMedium},
			want:     []Decision{DecisionOpened, DecisionUnchanged, DecisionBelowThreshold},
			tier:     fraud.TierCritical,
		},
		{
			name:     "same tier new content",
			sequence: []fraud.Tier{fraud.TierHigh, fraud.TierHigh},
			want:     []Decision{DecisionOpened, DecisionUnchanged},
			tier:     fraud.TierHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dedup, _ := newRedisDedup(t)
			repo := NewMemoryRepository()
			e := newEmitter(t, repo, dedup)
			group := uuid.New()

			for i, tier := range tt.sequence {
				got, _, err := e.Emit(ctx, verdict(t, group, tier, fmt.Sprint(i)))
				require.NoError(t, err)
				assert.Equal(t, tt.want[i], got, "step %d", i)
			}

			open, err := repo.FindOpen(ctx, group)
			require.NoError(t, err)
			if tt.tier == "" {
				assert.Nil(t, open)
				return
			}
			require.NotNil(t, open)
			assert.Equal(t, tt.tier, open.Tier)
			assert.Equal(t, tt.escal, open.Escalations)
		})
	}
}

func TestEmitter_Idempotent(t *testing.T) {
	ctx := context.Background()
	group := uuid.New()
	v := verdict(t, group, fraud.TierCritical, "same")

	t.Run("redis dedup", func(t *testing.T) {
		dedup, mr := newRedisDedup(t)
		repo := NewMemoryRepository()
		e := newEmitter(t, repo, dedup)

		d, first, err := e.Emit(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, DecisionOpened, d)

		d, c, err := e.Emit(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, DecisionDeduplicated, d)
		assert.Nil(t, c)
		assert.True(t, mr.Exists(cache.PrefixCaseDedup+group.String()+":"+v.ContentHash.String()))

		// after the key expires the repository still recognizes the verdict
		mr.FastForward(2 * time.Hour)
		d, c, err = e.Emit(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, DecisionDeduplicated, d)
		require.NotNil(t, c)
		assert.Equal(t, first.ID, c.ID)

		all, err := repo.ListByGroup(ctx, group)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("without dedup cache", func(t *testing.T) {
		e := newEmitter(t, NewMemoryRepository(), nil)
		d, _, err := e.Emit(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, DecisionOpened, d)
		d, _, err = e.Emit(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, DecisionDeduplicated, d)
	})
}

func TestEmitter_ConcurrentEmitsOpenOneCase(t *testing.T) {
	ctx := context.Background()
	dedup, _ := newRedisDedup(t)
	repo := NewMemoryRepository()
	e := newEmitter(t, repo, dedup)
	group := uuid.New()

	var wg sync.WaitGroup
	decisions := make([]Decision, 8)
	for i := range decisions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, _, err := e.Emit(ctx, verdict(t, group, fraud.TierHigh, fmt.Sprint(i)))
			assert.NoError(t, err)
			decisions[i] = d
		}(i)
	}
	wg.Wait()

	opened := 0
	for _, d := range decisions {
		if d == DecisionOpened {
			opened++
		}
	}
	assert.Equal(t, 1, opened)
	all, err := repo.ListByGroup(ctx, group)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEmitter_ResolveThenReopen(t *testing.T) {
	ctx := context.Background()
	dedup, _ := newRedisDedup(t)
	repo := NewMemoryRepository()
	e := newEmitter(t, repo, dedup)
	group := uuid.New()

	_, c, err := e.Emit(ctx, verdict(t, group, fraud.TierHigh, "a"))
	require.NoError(t, err)

	resolved, err := e.Resolve(ctx, c.ID, fraud.CaseDismissed, "billing error")
	require.NoError(t, err)
	assert.Equal(t, fraud.CaseDismissed, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = e.Resolve(ctx, c.ID, fraud.CaseConfirmedFraud, "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	d, reopened, err := e.Emit(ctx, verdict(t, group, fraud.TierCritical, "b"))
	require.NoError(t, err)
	assert.Equal(t, DecisionOpened, d)
	assert.NotEqual(t, c.ID, reopened.ID)

	old, err := repo.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, fraud.CaseDismissed, old.Status)
	assert.Equal(t, fraud.TierHigh, old.Tier)
}

type failingRepo struct {
	*MemoryRepository
	fail bool
}

func (r *failingRepo) Create(ctx context.Context, c *fraud.Case) error {
	if r.fail {
		return errors.NewInternalError("database unavailable")
	}
	return r.MemoryRepository.Create(ctx, c)
}

func TestEmitter_FailureReleasesDedupKey(t *testing.T) {
	ctx := context.Background()
	dedup, _ := newRedisDedup(t)
	repo := &failingRepo{MemoryRepository: NewMemoryRepository(), fail: true}
	e := newEmitter(t, repo, dedup)
	v := verdict(t, uuid.New(), fraud.TierHigh, "x")

	_, _, err := e.Emit(ctx, v)
	require.Error(t, err)

	repo.fail = false
	d, _, err := e.Emit(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, DecisionOpened, d)
}

func TestEmitter_DedupKeyHeldOnlyByCaseChanges(t *testing.T) {
	ctx := context.Background()
	dedup, mr := newRedisDedup(t)
	repo := NewMemoryRepository()
	e := newEmitter(t, repo, dedup)
	group := uuid.New()

	opening := verdict(t, group, fraud.TierCritical, "open")
	sameTier := verdict(t, group, fraud.TierHigh, "later")
	key := func(v *fraud.Verdict) string {
		return cache.PrefixCaseDedup + group.String() + ":" + v.ContentHash.String()
	}

	d, c, err := e.Emit(ctx, opening)
	require.NoError(t, err)
	require.Equal(t, DecisionOpened, d)
	assert.True(t, mr.Exists(key(opening)))

	d, _, err = e.Emit(ctx, sameTier)
	require.NoError(t, err)
	assert.Equal(t, DecisionUnchanged, d)
	assert.False(t, mr.Exists(key(sameTier)), "unchanged verdict must not keep a dedup key")

	// once the case is resolved the same verdict opens a new one
	_, err = e.Resolve(ctx, c.ID, fraud.CaseDismissed, "reviewed")
	require.NoError(t, err)
	d, reopened, err := e.Emit(ctx, sameTier)
	require.NoError(t, err)
	assert.Equal(t, DecisionOpened, d)
	assert.NotEqual(t, c.ID, reopened.ID)
	assert.True(t, mr.Exists(key(sameTier)))
}

func TestEmitter_StampsCaseTimesFromClock(t *testing.T) {
	ctx := context.Background()
	opened := time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)
	clock := claim.NewFixedClock(opened)
	e := newEmitter(t, NewMemoryRepository(), nil, WithClock(clock))
	group := uuid.New()

	_, c, err := e.Emit(ctx, verdict(t, group, fraud.TierHigh, "a"))
	require.NoError(t, err)
	assert.Equal(t, opened, c.OpenedAt)

	clock.Advance(2 * time.Hour)
	d, c, err := e.Emit(ctx, verdict(t, group, fraud.TierCritical, "b"))
	require.NoError(t, err)
	assert.Equal(t, DecisionEscalated, d)
	assert.Equal(t, opened, c.OpenedAt)
	assert.Equal(t, opened.Add(2*time.Hour), c.UpdatedAt)

	clock.Advance(24 * time.Hour)
	resolved, err := e.Resolve(ctx, c.ID, fraud.CaseConfirmedFraud, "records requested")
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, opened.Add(26*time.Hour), *resolved.ResolvedAt)
}

func TestNewEmitter_Validation(t *testing.T) {
	_, err := NewEmitter(nil, nil, config.CasesConfig{EmissionTier: "high"}, nil, nil)
	assert.Error(t, err)

	_, err = NewEmitter(NewMemoryRepository(), nil, config.CasesConfig{EmissionTier: "severe"}, nil, nil)
	assert.Error(t, err)
}

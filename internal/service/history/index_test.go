package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	domainerrors "github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/testutil/fixtures"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) AppendVersion(ctx context.Context, c *claim.Claim) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *mockStore) LoadVersions(ctx context.Context, fn func(*claim.Claim) error) error {
	args := m.Called(ctx, fn)
	return args.Error(0)
}

// sliceStore replays a fixed list of versions
type sliceStore struct {
	versions []*claim.Claim
}

func (s *sliceStore) AppendVersion(_ context.Context, c *claim.Claim) error {
	s.versions = append(s.versions, c)
	return nil
}

func (s *sliceStore) LoadVersions(_ context.Context, fn func(*claim.Claim) error) error {
	for _, c := range s.versions {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func newIndex(t *testing.T, opts ...Option) *Index {
	return NewIndex(zaptest.NewLogger(t), opts...)
}

func TestIndex_AppendAssignsVersions(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)

	first, err := ix.Append(ctx, fixtures.NewClaimBuilder(t).Build())
	require.NoError(t, err)
	second, err := ix.Append(ctx, fixtures.NewClaimBuilder(t).Build())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Version)
	assert.Equal(t, uint64(2), second.Version)
	assert.Equal(t, uint64(2), ix.Head().Version())
}

func TestIndex_AppendIsIdempotentForIdenticalClaims(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)
	c := fixtures.NewClaimBuilder(t).Build()

	a, err := ix.Append(ctx, c)
	require.NoError(t, err)
	b, err := ix.Append(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, a.Version, b.Version)
	assert.Equal(t, uint64(1), ix.Head().Version())

	redelivered := c.Clone()
	redelivered.SubmittedAt = c.SubmittedAt.Add(5 * time.Minute)
	r, err := ix.Append(ctx, redelivered)
	require.NoError(t, err)
	assert.Equal(t, a, r, "the stored version is returned unchanged")
	assert.Equal(t, uint64(1), ix.Head().Version())

	changed := c.Clone()
	changed.Lines[0].Quantity = 5
	_, err = ix.Append(ctx, changed)
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeConflict))
}

func TestIndex_StatusTransitions(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)

	orig, err := ix.Append(ctx, fixtures.NewClaimBuilder(t).Build())
	require.NoError(t, err)

	reversal := orig.Supersede(claim.StatusReversed, orig.SubmittedAt.Add(time.Hour))
	_, err = ix.Append(ctx, reversal)
	require.NoError(t, err)

	again := orig.Supersede(claim.StatusCorrected, orig.SubmittedAt.Add(time.Hour))
	_, err = ix.Append(ctx, again)
	require.Error(t, err)
	assert.True(t, domainerrors.HasCode(err, domainerrors.CodeInvalidTransition))

	corrected := fixtures.NewClaimBuilder(t).WithStatus(claim.StatusCorrected).Build()
	_, err = ix.Append(ctx, corrected)
	assert.True(t, domainerrors.HasCode(err, domainerrors.CodeInvalidTransition),
		"a group cannot start with a correction")
}

func TestIndex_RejectsInvalidClaim(t *testing.T) {
	ix := newIndex(t)
	c := fixtures.NewClaimBuilder(t).Build()
	c.PatientID = ""

	_, err := ix.Append(context.Background(), c)
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeValidation))
	assert.Equal(t, uint64(0), ix.Head().Version())
}

func TestView_IsPointInTime(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)

	orig, err := ix.Append(ctx, fixtures.NewClaimBuilder(t).Build())
	require.NoError(t, err)
	before := ix.Head()

	corr := orig.Supersede(claim.StatusCorrected, orig.SubmittedAt.Add(time.Hour))
	corr.Lines[0].Quantity = 2
	corr, err = ix.Append(ctx, corr)
	require.NoError(t, err)
	after := ix.Head()

	cur, ok := before.Current(orig.GroupID)
	require.True(t, ok)
	assert.Equal(t, orig.ID, cur.ID)
	assert.False(t, before.Contains(corr.ID))
	assert.True(t, before.IsCurrent(orig))

	cur, ok = after.Current(orig.GroupID)
	require.True(t, ok)
	assert.Equal(t, corr.ID, cur.ID)
	assert.True(t, after.Contains(orig.ID))
	assert.False(t, after.IsCurrent(orig))

	versions := after.Versions(orig.GroupID)
	require.Len(t, versions, 2)
	assert.Equal(t, claim.StatusSubmitted, versions[0].Status)
	assert.Equal(t, claim.StatusCorrected, versions[1].Status)

	at1, err := ix.ViewAt(1)
	require.NoError(t, err)
	assert.Equal(t, 1, at1.Len())

	_, err = ix.ViewAt(3)
	assert.Error(t, err)
}

func TestView_FindByPatientExcludesSuperseded(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)

	orig, err := ix.Append(ctx, fixtures.NewClaimBuilder(t).Build())
	require.NoError(t, err)
	corr := orig.Supersede(claim.StatusCorrected, orig.SubmittedAt.Add(time.Hour))
	_, err = ix.Append(ctx, corr)
	require.NoError(t, err)
	_, err = ix.Append(ctx, fixtures.NewClaimBuilder(t).WithPatient("PAT-002").Build())
	require.NoError(t, err)

	view := ix.Head()
	window := values.Around(fixtures.ServiceDay, 1)

	current := view.FindByPatient("PAT-001", window)
	require.Len(t, current, 1)
	assert.Equal(t, corr.ID, current[0].ID)

	all := view.FindByPatient("PAT-001", window, WithSuperseded())
	assert.Len(t, all, 2)

	outside := view.FindByPatient("PAT-001", values.Around(fixtures.ServiceDay.AddDate(0, 0, 30), 1))
	assert.Empty(t, outside)

	assert.Len(t, view.FindByProvider("PRV-001", window), 2)
}

func TestView_FindSimilar(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)
	cfg := config.Default().History
	strict, fuzzy := StrictPolicy(cfg.Strict), FuzzyPolicy(cfg.Fuzzy)

	sameDay, err := ix.Append(ctx, fixtures.NewClaimBuilder(t).WithLine("LAB01", 1, 800).Build())
	require.NoError(t, err)
	otherProvider, err := ix.Append(ctx, fixtures.NewClaimBuilder(t).WithProvider("PRV-002").
		WithServiceDay(fixtures.ServiceDay.AddDate(0, 0, 2)).WithLine("LAB01", 1, 800).Build())
	require.NoError(t, err)
	_, err = ix.Append(ctx, fixtures.NewClaimBuilder(t).
		WithServiceDay(fixtures.ServiceDay.AddDate(0, 0, 10)).WithLine("LAB01", 1, 800).Build())
	require.NoError(t, err)
	_, err = ix.Append(ctx, fixtures.NewClaimBuilder(t).WithPatient("PAT-009").WithLine("LAB01", 1, 800).Build())
	require.NoError(t, err)

	candidate, err := ix.Append(ctx, fixtures.NewClaimBuilder(t).WithLine("LAB01", 1, 800).Build())
	require.NoError(t, err)
	view := ix.Head()

	strictHits := view.FindSimilar(candidate, strict)
	require.Len(t, strictHits, 1)
	assert.Equal(t, sameDay.ID, strictHits[0].ID)

	fuzzyHits := view.FindSimilar(candidate, fuzzy)
	require.Len(t, fuzzyHits, 2)
	assert.Equal(t, sameDay.ID, fuzzyHits[0].ID)
	assert.Equal(t, otherProvider.ID, fuzzyHits[1].ID)

	older, err := ix.ViewAt(sameDay.Version)
	require.NoError(t, err)
	assert.Len(t, older.FindSimilar(candidate, fuzzy), 1, "later versions are invisible")
}

func TestMatchingLines(t *testing.T) {
	a := fixtures.NewClaimBuilder(t).WithLine("LAB01", 1, 800).WithLine("LAB01", 1, 800).WithLine("IMG10", 1, 3000).Build()
	b := fixtures.NewClaimBuilder(t).WithLine("LAB01", 1, 800).WithLine("IMG10", 1, 3000).Build()

	pairs := MatchingLines(a, b, 0)
	assert.Equal(t, []LinePair{{Line: 0, OtherLine: 0}, {Line: 2, OtherLine: 1}}, pairs)
}

func TestView_FindByPreauthAndProcedure(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)

	first, err := ix.Append(ctx, fixtures.NewClaimBuilder(t).WithPreauth("PA-77").Build())
	require.NoError(t, err)
	second, err := ix.Append(ctx, fixtures.NewClaimBuilder(t).WithPreauth("PA-77").WithProvider("PRV-002").Build())
	require.NoError(t, err)

	view := ix.Head()
	hits := view.FindByPreauth("PA-77", second.GroupID)
	require.Len(t, hits, 1)
	assert.Equal(t, first.ID, hits[0].ID)

	assert.Len(t, view.FindByProcedure("CONS01", values.Around(fixtures.ServiceDay, 0)), 2)
	assert.Empty(t, view.FindByProcedure("IMG10", values.Around(fixtures.ServiceDay, 30)))
}

func TestIndex_StoreFailureDoesNotPublish(t *testing.T) {
	store := &mockStore{}
	store.On("AppendVersion", mock.Anything, mock.Anything).Return(errors.New("db down"))
	ix := newIndex(t, WithStore(store))

	c := fixtures.NewClaimBuilder(t).Build()
	_, err := ix.Append(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.False(t, ix.Head().Contains(c.ID))
	store.AssertExpectations(t)
}

func TestIndex_Rehydrate(t *testing.T) {
	ctx := context.Background()
	store := &sliceStore{}
	source := newIndex(t, WithStore(store))

	orig, err := source.Append(ctx, fixtures.NewClaimBuilder(t).Build())
	require.NoError(t, err)
	_, err = source.Append(ctx, orig.Supersede(claim.StatusFinalized, orig.SubmittedAt.Add(time.Hour)))
	require.NoError(t, err)
	_, err = source.Append(ctx, fixtures.NewClaimBuilder(t).WithPatient("PAT-002").Build())
	require.NoError(t, err)

	rebuilt := newIndex(t)
	require.NoError(t, rebuilt.Rehydrate(ctx, store))

	view := rebuilt.Head()
	assert.Equal(t, uint64(3), view.Version())
	cur, ok := view.Current(orig.GroupID)
	require.True(t, ok)
	assert.Equal(t, claim.StatusFinalized, cur.Status)

	assert.Error(t, rebuilt.Rehydrate(ctx, store), "rehydrating twice must fail")

	gappy := &sliceStore{versions: []*claim.Claim{store.versions[0], store.versions[2]}}
	assert.Error(t, newIndex(t).Rehydrate(ctx, gappy))
}

func TestIndex_ConcurrentReadersAndWriter(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)
	const n = 200

	claims := fixtures.NumberedClaims(t, n, "PAT-001", "PRV-001", fixtures.ServiceDay, 1000)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, c := range claims {
			_, err := ix.Append(ctx, c)
			assert.NoError(t, err)
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				view := ix.Head()
				found := view.FindByPatient("PAT-001", values.Trailing(fixtures.ServiceDay.AddDate(0, 0, n), n+1))
				assert.Len(t, found, int(view.Version()))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(n), ix.Head().Version())
}

package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resumevault/backend/internal/ledger"
	"github.com/resumevault/backend/internal/models"
	"github.com/resumevault/backend/internal/repositories"
	"github.com/resumevault/backend/internal/tokens"
)

type fixture struct {
	guard  *Guard
	assets *repositories.MemoryAssetRepository
	ledger *ledger.MemoryLedger
	issuer *tokens.Issuer
}

func newFixture(t *testing.T, policy Policy, videoIDs ...string) fixture {
	t.Helper()

	assets := repositories.NewMemoryAssetRepository()
	for _, id := range videoIDs {
		require.NoError(t, assets.Create(context.Background(), models.VideoAsset{
			ID: id, OwnerID: "candidate-1", Location: "resumes/candidate-1/" + id,
		}))
	}

	issuer, err := tokens.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), "test")
	require.NoError(t, err)

	l := ledger.NewMemoryLedger()
	return fixture{
		guard:  New(assets, l, issuer, policy),
		assets: assets,
		ledger: l,
		issuer: issuer,
	}
}

func TestRequestAccessScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Policy{ViewCap: 2, TokenTTL: 5 * time.Minute}, "resume-42")
	key := models.ViewKey{VideoID: "resume-42", ApplicationID: "app-7", ViewerID: "employer-v"}

	first, err := f.guard.RequestAccess(ctx, key)
	require.NoError(t, err)
	assert.True(t, first.Granted)
	assert.Equal(t, 1, first.ViewsRemaining)
	assert.False(t, first.WasExhaustingView)

	claims, err := f.issuer.Validate(first.Token.Value)
	require.NoError(t, err)
	assert.Equal(t, "resume-42", claims.VideoID)
	assert.Equal(t, "app-7", claims.ApplicationID)
	assert.Equal(t, "employer-v", claims.ViewerID)

	second, err := f.guard.RequestAccess(ctx, key)
	require.NoError(t, err)
	assert.True(t, second.Granted)
	assert.Equal(t, 0, second.ViewsRemaining)
	assert.True(t, second.WasExhaustingView)

	asset, err := f.assets.Get(ctx, "resume-42")
	require.NoError(t, err)
	assert.Equal(t, models.AssetStateExhausted, asset.State)

	for i := 0; i < 3; i++ {
		third, err := f.guard.RequestAccess(ctx, key)
		require.NoError(t, err)
		assert.False(t, third.Granted)
		assert.Empty(t, third.Token.Value)
		assert.Equal(t, ReasonLimitExceeded, third.Reason)
		assert.ErrorIs(t, third.Err(), ErrLimitExceeded)
	}

	other, err := f.guard.RequestAccess(ctx, models.ViewKey{VideoID: "resume-42", ApplicationID: "app-7", ViewerID: "employer-w"})
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadyExhausted, other.Reason)

	count, err := f.ledger.Count(ctx, "resume-42", "employer-w")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRequestAccessDenialSurvivesSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Policy{ViewCap: 2}, "resume-42")
	key := models.ViewKey{VideoID: "resume-42", ApplicationID: "app-7", ViewerID: "employer-v"}

	for i := 0; i < 2; i++ {
		decision, err := f.guard.RequestAccess(ctx, key)
		require.NoError(t, err)
		require.True(t, decision.Granted)
	}

	before, err := f.guard.RequestAccess(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ReasonLimitExceeded, before.Reason)

	require.NoError(t, f.assets.MarkDeleted(ctx, "resume-42"))
	require.NoError(t, f.ledger.MarkReclaimed(ctx, "resume-42"))

	for i := 0; i < 3; i++ {
		after, err := f.guard.RequestAccess(ctx, key)
		require.NoError(t, err)
		assert.False(t, after.Granted)
		assert.Equal(t, ReasonLimitExceeded, after.Reason)
		assert.ErrorIs(t, after.Err(), ErrLimitExceeded)
	}

	other, err := f.guard.RequestAccess(ctx, models.ViewKey{VideoID: "resume-42", ApplicationID: "app-7", ViewerID: "employer-w"})
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadyExhausted, other.Reason)

	count, err := f.ledger.Count(ctx, "resume-42", "employer-v")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRequestAccessLimitExceededForOtherApplication(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Policy{ViewCap: 2}, "v1")

	// Drive the pair to the cap directly so the asset stays active.
	for i := 0; i < 2; i++ {
		_, err := f.ledger.IncrementIfBelowCap(ctx, models.ViewKey{VideoID: "v1", ViewerID: "e1", ApplicationID: "a1"}, 2)
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		decision, err := f.guard.RequestAccess(ctx, models.ViewKey{VideoID: "v1", ViewerID: "e1", ApplicationID: "a2"})
		require.NoError(t, err)
		assert.False(t, decision.Granted)
		assert.Equal(t, ReasonLimitExceeded, decision.Reason)
		assert.ErrorIs(t, decision.Err(), ErrLimitExceeded)
	}

	count, err := f.ledger.Count(ctx, "v1", "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "denials never mutate the ledger")
}

func TestRequestAccessConcurrentBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Policy{ViewCap: 2}, "v1")
	key := models.ViewKey{VideoID: "v1", ViewerID: "e1", ApplicationID: "a1"}

	first, err := f.guard.RequestAccess(ctx, key)
	require.NoError(t, err)
	require.True(t, first.Granted)

	const racers = 32
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		granted    int
		exhausting int
		denied     int
	)
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			decision, err := f.guard.RequestAccess(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				return
			}
			if decision.Granted {
				granted++
				if decision.WasExhaustingView {
					exhausting++
				}
				return
			}
			denied++
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, 1, exhausting)
	assert.Equal(t, racers-1, denied)

	count, err := f.ledger.Count(ctx, "v1", "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRequestAccessManyViewersNeverExceedCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Policy{ViewCap: 3}, "v1")

	const viewers = 8
	const attempts = 10
	var wg sync.WaitGroup
	wg.Add(viewers * attempts)
	for v := 0; v < viewers; v++ {
		viewerID := fmt.Sprintf("employer-%d", v)
		for i := 0; i < attempts; i++ {
			go func() {
				defer wg.Done()
				_, _ = f.guard.RequestAccess(ctx, models.ViewKey{VideoID: "v1", ViewerID: viewerID, ApplicationID: "a1"})
			}()
		}
	}
	wg.Wait()

	for v := 0; v < viewers; v++ {
		count, err := f.ledger.Count(ctx, "v1", fmt.Sprintf("employer-%d", v))
		require.NoError(t, err)
		assert.LessOrEqual(t, count, 3)
	}
}

func TestRequestAccessDeniesUnknownAndDeletedVideos(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Policy{}, "gone")
	require.NoError(t, f.assets.MarkDeleted(ctx, "gone"))

	decision, err := f.guard.RequestAccess(ctx, models.ViewKey{VideoID: "missing", ViewerID: "e", ApplicationID: "a"})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, decision.Reason)

	decision, err = f.guard.RequestAccess(ctx, models.ViewKey{VideoID: "gone", ViewerID: "e", ApplicationID: "a"})
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadyExhausted, decision.Reason)

	count, err := f.ledger.Count(ctx, "gone", "e")
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = f.guard.RequestAccess(ctx, models.ViewKey{VideoID: "gone", ViewerID: " ", ApplicationID: "a"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

type unavailableLedger struct {
	ledger.Ledger
}

func (unavailableLedger) IncrementIfBelowCap(context.Context, models.ViewKey, int) (ledger.Increment, error) {
	return ledger.Increment{}, fmt.Errorf("connection refused: %w", ledger.ErrTransient)
}

func (unavailableLedger) Count(context.Context, string, string) (int, error) {
	return 0, ledger.ErrTransient
}

func TestRequestAccessTransientIsNotLimitExceeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Policy{}, "v1")
	g := New(f.assets, unavailableLedger{}, f.issuer, Policy{})

	decision, err := g.RequestAccess(ctx, models.ViewKey{VideoID: "v1", ViewerID: "e", ApplicationID: "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.False(t, errors.Is(err, ErrLimitExceeded))
	assert.False(t, decision.Granted)

	_, err = g.CheckLimit(ctx, "v1", "e")
	assert.ErrorIs(t, err, ErrTransient)

	for _, mark := range []func(context.Context, string) error{f.assets.MarkExhausted, f.assets.MarkDeleted} {
		require.NoError(t, mark(ctx, "v1"))

		decision, err := g.RequestAccess(ctx, models.ViewKey{VideoID: "v1", ViewerID: "e", ApplicationID: "a"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransient)
		assert.False(t, errors.Is(err, ErrLimitExceeded))
		assert.False(t, errors.Is(err, ErrAlreadyExhausted))
		assert.Empty(t, decision.Reason)
	}
}

func TestRequestAccessReusesLiveGrant(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	f := newFixture(t, Policy{ViewCap: 2, TokenTTL: time.Minute, ReuseLiveGrant: true}, "v1")
	f.guard.WithNowFunc(func() time.Time { return now })
	f.issuer.WithNowFunc(func() time.Time { return now })
	key := models.ViewKey{VideoID: "v1", ViewerID: "e1", ApplicationID: "a1"}

	first, err := f.guard.RequestAccess(ctx, key)
	require.NoError(t, err)
	require.True(t, first.Granted)

	now = now.Add(30 * time.Second)
	again, err := f.guard.RequestAccess(ctx, key)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, first.Token.Value, again.Token.Value)
	assert.Equal(t, 1, again.ViewsRemaining)

	count, err := f.ledger.Count(ctx, "v1", "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	now = now.Add(time.Minute)
	fresh, err := f.guard.RequestAccess(ctx, key)
	require.NoError(t, err)
	assert.False(t, fresh.Reused)
	assert.True(t, fresh.WasExhaustingView)
	assert.NotEqual(t, first.Token.Value, fresh.Token.Value)
}

func TestCheckLimitAndStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Policy{ViewCap: 2}, "v1")

	limit, err := f.guard.CheckLimit(ctx, "v1", "e1")
	require.NoError(t, err)
	assert.Equal(t, Limit{CanView: true, ViewsLeft: 2, TotalViews: 0, MaxViews: 2}, limit)

	_, err = f.guard.RequestAccess(ctx, models.ViewKey{VideoID: "v1", ViewerID: "e1", ApplicationID: "a1"})
	require.NoError(t, err)

	limit, err = f.guard.CheckLimit(ctx, "v1", "e1")
	require.NoError(t, err)
	assert.Equal(t, Limit{CanView: true, ViewsLeft: 1, TotalViews: 1, MaxViews: 2}, limit)

	stats, err := f.guard.Stats(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.UniqueViewers)
	assert.Equal(t, 1, stats.TotalViews)

	_, err = f.guard.CheckLimit(ctx, "missing", "e1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.guard.Stats(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

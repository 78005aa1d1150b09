package quota

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/critique/internal/models"
	"github.com/joescharf/critique/internal/store"
)

func setupLedger(t *testing.T, limits Limits) (*Ledger, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return NewLedger(s, limits), s
}

func createUser(t *testing.T, s store.Store, githubID int64) *models.User {
	t.Helper()
	u := &models.User{GitHubID: githubID, Login: "user"}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestCheckAndReserve_ProvisionsFreeTier(t *testing.T) {
	l, s := setupLedger(t, Limits{models.TierFree: 2})
	ctx := context.Background()
	u := createUser(t, s, 1)

	sub, err := l.CheckAndReserve(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, sub.Tier)
	assert.Equal(t, 1, sub.ReviewsUsed)
	assert.Equal(t, 2, sub.ReviewsLimit)

	_, err = l.CheckAndReserve(ctx, u.ID)
	require.NoError(t, err)

	sub, err = l.CheckAndReserve(ctx, u.ID)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "2 of 2 free reviews used")
	require.NotNil(t, sub)
	assert.Equal(t, 2, sub.ReviewsUsed)
}

func TestCheckAndReserve_UnknownUser(t *testing.T) {
	l, _ := setupLedger(t, Limits{models.TierFree: 2})
	_, err := l.CheckAndReserve(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestCheckAndReserve_ConcurrentSameUser(t *testing.T) {
	const n, limit = 30, 7
	l, s := setupLedger(t, Limits{models.TierFree: limit})
	ctx := context.Background()
	u := createUser(t, s, 1)

	var (
		wg              sync.WaitGroup
		mu              sync.Mutex
		allowed, denied int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := l.CheckAndReserve(ctx, u.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				allowed++
			case assert.ErrorIs(t, err, ErrQuotaExceeded):
				denied++
			}
			if sub != nil {
				assert.LessOrEqual(t, sub.ReviewsUsed, sub.ReviewsLimit)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, allowed)
	assert.Equal(t, n-limit, denied)

	sub, err := l.Usage(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, limit, sub.ReviewsUsed)
}

func TestCheckAndReserve_UsersAreIndependent(t *testing.T) {
	l, s := setupLedger(t, Limits{models.TierFree: 1})
	ctx := context.Background()
	a := createUser(t, s, 1)
	b := createUser(t, s, 2)

	_, err := l.CheckAndReserve(ctx, a.ID)
	require.NoError(t, err)
	_, err = l.CheckAndReserve(ctx, b.ID)
	require.NoError(t, err)
	_, err = l.CheckAndReserve(ctx, a.ID)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestRelease(t *testing.T) {
	l, s := setupLedger(t, Limits{models.TierFree: 1})
	ctx := context.Background()
	u := createUser(t, s, 1)

	_, err := l.CheckAndReserve(ctx, u.ID)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, u.ID))

	sub, err := l.CheckAndReserve(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.ReviewsUsed)
}

func TestPeriodRollover(t *testing.T) {
	l, s := setupLedger(t, Limits{models.TierFree: 1})
	ctx := context.Background()
	u := createUser(t, s, 1)

	l.now = func() time.Time { return time.Date(2026, 10, 31, 23, 0, 0, 0, time.UTC) }
	_, err := l.CheckAndReserve(ctx, u.ID)
	require.NoError(t, err)
	_, err = l.CheckAndReserve(ctx, u.ID)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	l.now = func() time.Time { return time.Date(2026, 11, 1, 0, 5, 0, 0, time.UTC) }
	sub, err := l.CheckAndReserve(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.ReviewsUsed)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), sub.PeriodStart)
}

func TestSetTier(t *testing.T) {
	l, s := setupLedger(t, Limits{models.TierFree: 2, models.TierPro: 50})
	ctx := context.Background()
	u := createUser(t, s, 1)

	require.NoError(t, l.SetTier(ctx, u.ID, models.TierPro))
	sub, err := l.Usage(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, sub.Tier)
	assert.Equal(t, 50, sub.ReviewsLimit)

	assert.Error(t, l.SetTier(ctx, u.ID, models.Tier("platinum")))
}

func TestLimitsFor(t *testing.T) {
	limits := Limits{models.TierFree: 2, models.TierPro: 50}
	assert.Equal(t, 50, limits.For(models.TierPro))
	assert.Equal(t, 2, limits.For(models.TierTeam), "unknown tier falls back to free")

	d := DefaultLimits()
	assert.Equal(t, 2, d.For(models.TierFree))
	assert.Equal(t, 200, d.For(models.TierTeam))
}

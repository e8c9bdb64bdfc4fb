package sqlx_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storage "sipkit/adapters/sqlx"
	"sipkit/core"
)

func newSQLiteStore(t *testing.T) *storage.Store {
	t.Helper()
	cfg := storage.DefaultConfig(storage.DriverSQLite)
	cfg.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	s, err := storage.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	start := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveProfile(ctx, core.Profile{ID: "ana", WeightKg: 60, Gender: core.GenderFemale, Age: 30}))
	require.NoError(t, s.SaveProfile(ctx, core.Profile{ID: "ana", WeightKg: 62, Gender: core.GenderFemale, Age: 30}))
	p, err := s.FetchProfile(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, 62.0, p.WeightKg)

	require.NoError(t, s.SaveSession(ctx, core.Session{ID: "a", StartTime: start, EndTime: start.Add(4 * time.Hour)}))
	sess, err := s.FetchSession(ctx, "a")
	require.NoError(t, err)
	assert.True(t, sess.EndTime.Equal(start.Add(4*time.Hour)))

	for _, u := range []core.UserID{"ana", "ana", "bo"} {
		d, err := s.LogDrink(ctx, core.DrinkEntry{UserID: u, SessionID: "a", VolumeMl: 330, AlcoholPercentage: 5, ConsumedAt: start})
		require.NoError(t, err)
		assert.NotEmpty(t, d.ID)
	}
	drinks, err := s.FetchDrinks(ctx, "ana", "a")
	require.NoError(t, err)
	assert.Len(t, drinks, 2)

	n, err := s.CountInSession(ctx, core.MetricUniqueFriendsInSession, "ana", "a")
	require.NoError(t, err)
	assert.Equal(t, 1.0, n)

	users, err := s.SessionParticipants(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []core.UserID{"ana", "bo"}, users)

	ended, err := s.EndedSessions(ctx, start, start.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Len(t, ended, 1)

	require.NoError(t, s.SaveBadge(ctx, core.Badge{
		ID: "first_drink", Code: "first_drink", Category: core.CategoryMilestone, IsActive: true, IsAutomatic: true,
		Criteria: core.CriteriaDoc{Conditions: []core.Condition{{Metric: core.MetricTotalDrinks, Operator: core.OpGTE, Value: 1}}},
	}))
	badges, err := s.FetchActiveAutomaticBadges(ctx, []core.Category{core.CategoryMilestone})
	require.NoError(t, err)
	require.Len(t, badges, 1)
	assert.Len(t, badges[0].Criteria.Conditions, 1)

	require.NoError(t, s.UpsertProgress(ctx, core.BadgeProgress{UserID: "ana", BadgeID: "regular", CurrentValue: 1, LastUpdated: start}))
	require.NoError(t, s.UpsertProgress(ctx, core.BadgeProgress{UserID: "ana", BadgeID: "regular", CurrentValue: 2, LastUpdated: start}))
}

func TestSQLite_AwardScopes(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	at := time.Date(2026, 3, 14, 22, 0, 0, 0, time.UTC)

	first, err := s.AwardIfAbsent(ctx, core.AwardRequest{UserID: "ana", BadgeID: "first_drink", SessionID: "", EarnedAt: at})
	require.NoError(t, err)
	require.True(t, first.Created)
	again, err := s.AwardIfAbsent(ctx, core.AwardRequest{UserID: "ana", BadgeID: "first_drink", EarnedAt: at})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, first.UserBadgeID, again.UserBadgeID)

	for _, sess := range []core.SessionID{"a", "b"} {
		res, err := s.AwardIfAbsent(ctx, core.AwardRequest{UserID: "ana", BadgeID: "session_king", SessionID: sess, EarnedAt: at,
			Metadata: map[string]any{"trigger": "session_ended"}})
		require.NoError(t, err)
		assert.True(t, res.Created)
	}

	list, err := s.ListUserBadges(ctx, "ana")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, list[0].SessionID.IsZero())
	assert.Equal(t, "session_ended", list[1].Metadata["trigger"])
}

func TestSQLite_AwardRace(t *testing.T) {
	s := newSQLiteStore(t)
	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.AwardIfAbsent(context.Background(), core.AwardRequest{UserID: "ana", BadgeID: "regular", EarnedAt: time.Now()})
			if err == nil && res.Created {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())
}

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "sipkit/adapters/memory"
	"sipkit/core"
)

var _ Repository = (*mem.Store)(nil)

var t0 = time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) Clock { return func() time.Time { return t } }

func cond(m core.MetricName, op core.Operator, v float64) core.Condition {
	return core.Condition{Metric: m, Operator: op, Value: v}
}

func badge(id string, cat core.Category, conds ...core.Condition) core.Badge {
	return core.Badge{
		ID:          core.BadgeID(id),
		Code:        id,
		Category:    cat,
		Criteria:    core.CriteriaDoc{Conditions: conds},
		IsAutomatic: true,
		IsActive:    true,
		Points:      10,
	}
}

var (
	firstDrink  = badge("first_drink", core.CategoryMilestone, cond(core.MetricTotalDrinks, core.OpGTE, 1))
	sessionKing = badge("session_king", core.CategorySession, cond(core.MetricMaxBACInSession, core.OpGTE, 0.08))
)

type fixture struct {
	store *mem.Store
	bus   *EventBus
	svc   *BadgeService
}

func newFixture(t *testing.T, now time.Time, badges ...core.Badge) fixture {
	t.Helper()
	ctx := context.Background()
	store := mem.New()
	require.NoError(t, store.SaveProfile(ctx, core.Profile{ID: "ana", WeightKg: 60, Gender: core.GenderFemale, Age: 30}))
	require.NoError(t, store.SaveProfile(ctx, core.Profile{ID: "bo", WeightKg: 85, Gender: core.GenderMale, Age: 31}))
	require.NoError(t, store.SaveSession(ctx, core.Session{ID: "a", StartTime: t0, EndTime: t0.Add(4 * time.Hour)}))
	require.NoError(t, store.SaveSession(ctx, core.Session{ID: "b", StartTime: t0.Add(48 * time.Hour), EndTime: t0.Add(52 * time.Hour)}))
	for _, b := range badges {
		require.NoError(t, store.SaveBadge(ctx, b))
	}
	bus := NewEventBus(DispatchSync)
	svc := NewBadgeService(store, bus, WithClock(fixedClock(now)))
	return fixture{store: store, bus: bus, svc: svc}
}

func (f fixture) drink(t *testing.T, user core.UserID, session core.SessionID, at time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.store.LogDrink(context.Background(), core.DrinkEntry{
			UserID: user, SessionID: session, VolumeMl: 330, AlcoholPercentage: 5, ConsumedAt: at,
		})
		require.NoError(t, err)
	}
}

func TestFirstDrinkOncePerUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0.Add(72*time.Hour), firstDrink)
	var events []core.Event
	f.svc.Subscribe(core.EventBadgeAwarded, func(_ context.Context, e core.Event) { events = append(events, e) })

	f.drink(t, "ana", "a", t0, 1)
	res, err := f.svc.CheckAndAward(ctx, TriggerDrinkAdded, "ana", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Awarded)
	require.Len(t, res.Awards, 1)
	assert.True(t, res.Awards[0].SessionID.IsZero())
	assert.Equal(t, "a", res.Awards[0].Metadata["triggered_by_session"])

	f.drink(t, "ana", "b", t0.Add(49*time.Hour), 1)
	res, err = f.svc.CheckAndAward(ctx, TriggerDrinkAdded, "ana", "b")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Awarded)
	assert.Equal(t, 1, res.AlreadyHeld)

	held, err := f.store.ListUserBadges(ctx, "ana")
	require.NoError(t, err)
	assert.Len(t, held, 1)
	require.Len(t, events, 1)
	assert.Equal(t, core.BadgeID("first_drink"), events[0].Badge)
	assert.Equal(t, 10, events[0].Points)
}

func TestSessionKingPerSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0.Add(72*time.Hour), sessionKing)
	f.drink(t, "ana", "a", t0, 4)
	f.drink(t, "ana", "b", t0.Add(48*time.Hour), 5)

	for _, s := range []core.SessionID{"a", "b"} {
		res, err := f.svc.CheckAndAward(ctx, TriggerSessionEnded, "ana", s)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Awarded, "session %s", s)
		require.Len(t, res.Awards, 1)
		assert.Equal(t, s, res.Awards[0].SessionID)
	}
	res, err := f.svc.CheckAndAward(ctx, TriggerSessionEnded, "ana", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, res.AlreadyHeld)

	held, err := f.store.ListUserBadges(ctx, "ana")
	require.NoError(t, err)
	assert.Len(t, held, 2)
}

func TestTriggerSelectsCategories(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0.Add(72*time.Hour), firstDrink, sessionKing)
	f.drink(t, "ana", "a", t0, 4)

	res, err := f.svc.CheckAndAward(ctx, TriggerDrinkAdded, "ana", "a")
	require.NoError(t, err)
	require.Len(t, res.Awards, 1)
	assert.Equal(t, core.BadgeID("first_drink"), res.Awards[0].BadgeID)

	res, err = f.svc.CheckAndAward(ctx, TriggerSessionEnded, "ana", "a")
	require.NoError(t, err)
	require.Len(t, res.Awards, 1)
	assert.Equal(t, core.BadgeID("session_king"), res.Awards[0].BadgeID)
}

func TestNotEligibleRecordsProgress(t *testing.T) {
	ctx := context.Background()
	regular := badge("regular", core.CategoryMilestone, cond(core.MetricTotalDrinks, core.OpGTE, 10))
	f := newFixture(t, t0.Add(72*time.Hour), regular)
	f.drink(t, "ana", "a", t0, 3)

	res, err := f.svc.CheckAndAward(ctx, TriggerDrinkAdded, "ana", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, res.NotEligible)
	p, ok := f.store.Progress("ana", "regular")
	require.True(t, ok)
	assert.Equal(t, 3.0, p.CurrentValue)
}

func TestConcurrentChecksAwardOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0.Add(72*time.Hour), firstDrink)
	f.drink(t, "ana", "a", t0, 1)

	var awarded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.CheckAndAward(ctx, TriggerDrinkAdded, "ana", "a")
			if err == nil {
				awarded.Add(int32(res.Awarded))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), awarded.Load())
}

type flakyStore struct {
	*mem.Store
	failBadge core.BadgeID
}

func (s flakyStore) AwardIfAbsent(ctx context.Context, req core.AwardRequest) (core.AwardResult, error) {
	if req.BadgeID == s.failBadge {
		return core.AwardResult{}, errors.New("connection reset")
	}
	return s.Store.AwardIfAbsent(ctx, req)
}

func TestFailureIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0.Add(72*time.Hour),
		firstDrink,
		badge("broken", core.CategoryMilestone, cond(core.MetricTotalDrinks, core.OpGTE, 1)),
		badge("bad_criteria", core.CategoryGlobal),
	)
	f.drink(t, "ana", "a", t0, 1)
	svc := NewBadgeService(flakyStore{Store: f.store, failBadge: "broken"}, f.bus, WithClock(fixedClock(t0.Add(72*time.Hour))))

	res, err := svc.CheckAndAward(ctx, TriggerDrinkAdded, "ana", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Awarded)
	assert.Equal(t, 2, res.Failed)
}

func TestCheckAndAwardErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0.Add(72*time.Hour), firstDrink)

	res, err := f.svc.CheckAndAward(ctx, TriggerDrinkAdded, "ghost", "a")
	require.Error(t, err)
	assert.True(t, core.IsPersistence(err))
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, Result{}, res)

	_, err = f.svc.CheckAndAward(ctx, TriggerSessionEnded, "ana", "")
	assert.ErrorIs(t, err, core.ErrMissingSessionContext)

	_, err = f.svc.CheckAndAward(ctx, Trigger("badge_viewed"), "ana", "a")
	assert.ErrorIs(t, err, ErrUnknownTrigger)

	_, err = f.svc.CheckAndAward(ctx, TriggerDrinkAdded, "  ", "a")
	assert.Error(t, err)
}

func TestCheckAndAwardKeepsUserIDsAsStored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0.Add(72*time.Hour), firstDrink, sessionKing)
	require.NoError(t, f.store.SaveProfile(ctx, core.Profile{ID: "Carla", WeightKg: 58, Gender: core.GenderFemale, Age: 27}))
	f.drink(t, "Carla", "a", t0, 4)

	res, err := f.svc.CheckAndAward(ctx, TriggerDrinkAdded, "Carla", "a")
	require.NoError(t, err)
	require.Len(t, res.Awards, 1)
	assert.Equal(t, core.UserID("Carla"), res.Awards[0].UserID)

	res, err = f.svc.CheckAndAward(ctx, TriggerSessionEnded, "Carla", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Awarded)

	est, err := f.svc.EstimateBAC(ctx, "Carla", t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Greater(t, est.BAC, 0.0)

	held, err := f.store.ListUserBadges(ctx, "Carla")
	require.NoError(t, err)
	assert.Len(t, held, 2)

	_, err = f.svc.CheckAndAward(ctx, TriggerDrinkAdded, "carla", "a")
	assert.ErrorIs(t, err, core.ErrNotFound, "ids are not rewritten")
}

func TestSessionEndedRequiresClosedSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0.Add(time.Hour), sessionKing)
	f.drink(t, "ana", "a", t0, 4)

	res, err := f.svc.CheckAndAward(ctx, TriggerSessionEnded, "ana", "a")
	require.ErrorIs(t, err, core.ErrSessionNotEnded)
	assert.Equal(t, Result{}, res)

	held, err := f.store.ListUserBadges(ctx, "ana")
	require.NoError(t, err)
	assert.Empty(t, held)

	_, err = f.svc.CheckAndAward(ctx, TriggerSessionEnded, "ana", "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	closing := newFixture(t, t0.Add(4*time.Hour), sessionKing)
	closing.drink(t, "ana", "a", t0, 4)
	res, err = closing.svc.CheckAndAward(ctx, TriggerSessionEnded, "ana", "a")
	require.NoError(t, err, "the end instant closes the window")
	assert.Equal(t, 1, res.Awarded)
}

func TestEstimateBAC(t *testing.T) {
	f := newFixture(t, t0.Add(72*time.Hour))
	f.drink(t, "ana", "a", t0, 2)

	est, err := f.svc.EstimateBAC(context.Background(), "ana", t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Greater(t, est.BAC, 0.0)
	assert.NotNil(t, est.SoberAt)

	later, err := f.svc.EstimateBAC(context.Background(), "ana", t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0.0, later.BAC)
	assert.Nil(t, later.SoberAt)
}

func TestSessionBAC(t *testing.T) {
	f := newFixture(t, t0.Add(72*time.Hour))
	f.drink(t, "ana", "a", t0, 4)

	sum, err := f.svc.SessionBAC(context.Background(), "ana", "a")
	require.NoError(t, err)
	assert.Greater(t, sum.Peak, 0.08)
	assert.NotEmpty(t, sum.Samples)

	_, err = f.svc.SessionBAC(context.Background(), "ana", "")
	assert.ErrorIs(t, err, core.ErrMissingSessionContext)
}

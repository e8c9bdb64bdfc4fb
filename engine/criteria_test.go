package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipkit/core"
)

type call struct {
	metric  core.MetricName
	session core.SessionID
}

// stubResolver returns canned values and records what it was asked.
type stubResolver struct {
	mu     sync.Mutex
	values map[core.MetricName]float64
	calls  []call
}

func (s *stubResolver) Resolve(_ context.Context, m core.MetricName, _ core.UserID, session core.SessionID) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{metric: m, session: session})
	return s.values[m], nil
}

func TestEvaluateANDsAllConditions(t *testing.T) {
	r := &stubResolver{values: map[core.MetricName]float64{
		core.MetricTotalDrinks:     12,
		core.MetricDrinksInSession: 2,
	}}
	doc := core.CriteriaDoc{Conditions: []core.Condition{
		cond(core.MetricDrinksInSession, core.OpGTE, 5),
		cond(core.MetricTotalDrinks, core.OpGTE, 10),
	}}
	el, err := NewEvaluator(r).Evaluate(context.Background(), doc, "ana", "s1")
	require.NoError(t, err)
	assert.False(t, el.Eligible)
	assert.Equal(t, map[core.MetricName]float64{
		core.MetricDrinksInSession: 2,
		core.MetricTotalDrinks:     12,
	}, el.Values)
	assert.Equal(t, []call{
		{metric: core.MetricDrinksInSession, session: "s1"},
		{metric: core.MetricTotalDrinks, session: ""},
	}, r.calls)
}

func TestEvaluateEligible(t *testing.T) {
	r := &stubResolver{values: map[core.MetricName]float64{core.MetricMaxBACInSession: 0.12}}
	doc := core.CriteriaDoc{Conditions: []core.Condition{cond(core.MetricMaxBACInSession, core.OpGTE, 0.08)}}
	el, err := NewEvaluator(r).Evaluate(context.Background(), doc, "ana", "s1")
	require.NoError(t, err)
	assert.True(t, el.Eligible)
}

func TestEvaluateRejectsBadDocs(t *testing.T) {
	ev := NewEvaluator(&stubResolver{})
	_, err := ev.Evaluate(context.Background(), core.CriteriaDoc{}, "ana", "s1")
	assert.ErrorIs(t, err, core.ErrInvalidCriteria)

	_, err = ev.Evaluate(context.Background(), core.CriteriaDoc{Conditions: []core.Condition{
		cond("drinks_per_hour", core.OpGTE, 1),
	}}, "ana", "s1")
	assert.ErrorIs(t, err, core.ErrUnknownMetric)
}

func TestResolverErrors(t *testing.T) {
	f := newFixture(t, t0.Add(72*time.Hour))
	r := f.svc.Resolver()

	_, err := r.Resolve(context.Background(), "drinks_per_hour", "ana", "a")
	assert.ErrorIs(t, err, core.ErrUnknownMetric)

	for _, m := range []core.MetricName{
		core.MetricDrinksInSession,
		core.MetricUniqueFriendsInSession,
		core.MetricMaxBACInSession,
		core.MetricAvgBACInSession,
	} {
		_, err := r.Resolve(context.Background(), m, "ana", "")
		assert.ErrorIs(t, err, core.ErrMissingSessionContext, string(m))
	}

	_, err = r.Resolve(context.Background(), core.MetricMaxBACInSession, "ana", "missing")
	assert.True(t, core.IsPersistence(err))
}

func TestResolverValues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0.Add(72*time.Hour))
	f.drink(t, "ana", "a", t0, 3)
	f.drink(t, "bo", "a", t0, 1)
	f.drink(t, "ana", "b", t0.Add(48*time.Hour), 1)
	r := f.svc.Resolver()

	got := func(m core.MetricName, s core.SessionID) float64 {
		v, err := r.Resolve(ctx, m, "ana", s)
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, 4.0, got(core.MetricTotalDrinks, ""))
	assert.Equal(t, 2.0, got(core.MetricSessionCount, ""))
	assert.Equal(t, 3.0, got(core.MetricDrinksInSession, "a"))
	assert.Equal(t, 1.0, got(core.MetricUniqueFriendsInSession, "a"))

	peak := got(core.MetricMaxBACInSession, "a")
	avg := got(core.MetricAvgBACInSession, "a")
	assert.InDelta(t, 0.1183, peak, 1e-3)
	assert.Less(t, avg, peak)
	assert.Greater(t, avg, 0.0)
}

func TestMemoResolverCaches(t *testing.T) {
	inner := &stubResolver{values: map[core.MetricName]float64{core.MetricTotalDrinks: 3}}
	m := newMemoResolver(inner)
	for i := 0; i < 3; i++ {
		v, err := m.Resolve(context.Background(), core.MetricTotalDrinks, "ana", "")
		require.NoError(t, err)
		assert.Equal(t, 3.0, v)
	}
	_, err := m.Resolve(context.Background(), core.MetricTotalDrinks, "bo", "")
	require.NoError(t, err)
	assert.Len(t, inner.calls, 2)
}

package engine

import (
	"context"
	"fmt"
	"sync"

	"sipkit/bac"
	"sipkit/core"
)

type metricSource int

const (
	sourceStoreCount metricSource = iota
	sourceBACPeak
	sourceBACAverage
)

var metricSources = map[core.MetricName]metricSource{
	core.MetricTotalDrinks:            sourceStoreCount,
	core.MetricSessionCount:           sourceStoreCount,
	core.MetricDrinksInSession:        sourceStoreCount,
	core.MetricUniqueFriendsInSession: sourceStoreCount,
	core.MetricMaxBACInSession:        sourceBACPeak,
	core.MetricAvgBACInSession:        sourceBACAverage,
}

// Resolver produces the value of a named metric for a user.
type Resolver interface {
	Resolve(ctx context.Context, metric core.MetricName, user core.UserID, session core.SessionID) (float64, error)
}

// MetricResolver resolves the fixed metric catalog. Counts are delegated to
// the store; BAC metrics sample the session window with the BAC engine.
type MetricResolver struct {
	store Store
	bac   *bac.Engine
	now   Clock
}

func NewMetricResolver(store Store, engine *bac.Engine, now Clock) *MetricResolver {
	if engine == nil {
		engine = bac.Default()
	}
	if now == nil {
		now = systemClock
	}
	return &MetricResolver{store: store, bac: engine, now: now}
}

// Resolve returns the metric value. session is ignored for all_time metrics
// and required for session metrics.
func (r *MetricResolver) Resolve(ctx context.Context, metric core.MetricName, user core.UserID, session core.SessionID) (float64, error) {
	tf, ok := core.DeclaredTimeframe(metric)
	if !ok {
		return 0, fmt.Errorf("%w: %q", core.ErrUnknownMetric, metric)
	}
	if tf == core.TimeframeSession && session.IsZero() {
		return 0, fmt.Errorf("%w: metric %q", core.ErrMissingSessionContext, metric)
	}

	switch metricSources[metric] {
	case sourceBACPeak, sourceBACAverage:
		summary, err := r.sessionBAC(ctx, user, session)
		if err != nil {
			return 0, err
		}
		if metricSources[metric] == sourceBACPeak {
			return summary.Peak, nil
		}
		return summary.Average, nil
	}

	if tf == core.TimeframeAllTime {
		v, err := r.store.CountAllTime(ctx, metric, user)
		return v, core.Persistence("count all time", err)
	}
	v, err := r.store.CountInSession(ctx, metric, user, session)
	return v, core.Persistence("count in session", err)
}

func (r *MetricResolver) sessionBAC(ctx context.Context, user core.UserID, session core.SessionID) (bac.Summary, error) {
	s, err := r.store.FetchSession(ctx, session)
	if err != nil {
		return bac.Summary{}, core.Persistence("fetch session", err)
	}
	profile, err := r.store.FetchProfile(ctx, user)
	if err != nil {
		return bac.Summary{}, core.Persistence("fetch profile", err)
	}
	drinks, err := r.store.FetchDrinks(ctx, user, session)
	if err != nil {
		return bac.Summary{}, core.Persistence("fetch drinks", err)
	}
	from, to := s.Window(r.now())
	return r.bac.Summarize(drinks, profile, from, to, false)
}

// memoResolver caches resolved values for the lifetime of one award check so
// badges sharing a metric do not hit the store twice. Safe for concurrent use.
type memoResolver struct {
	inner Resolver
	mu    sync.Mutex
	cache map[memoKey]float64
}

type memoKey struct {
	metric  core.MetricName
	user    core.UserID
	session core.SessionID
}

func newMemoResolver(inner Resolver) *memoResolver {
	return &memoResolver{inner: inner, cache: make(map[memoKey]float64)}
}

func (m *memoResolver) Resolve(ctx context.Context, metric core.MetricName, user core.UserID, session core.SessionID) (float64, error) {
	k := memoKey{metric: metric, user: user, session: session}
	m.mu.Lock()
	v, ok := m.cache[k]
	m.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := m.inner.Resolve(ctx, metric, user, session)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.cache[k] = v
	m.mu.Unlock()
	return v, nil
}

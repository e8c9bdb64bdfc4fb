package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sipkit/core"
)

// Hook receives domain events for KPI aggregation. The signature matches an
// engine.EventBus handler so a hook can be subscribed directly.
type Hook interface {
	OnEvent(ctx context.Context, e core.Event)
}

const dayLayout = "2006-01-02"

func dayKey(t time.Time) string { return t.UTC().Format(dayLayout) }

func weekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

type userSet map[core.UserID]struct{}

func (s userSet) add(u core.UserID) { s[u] = struct{}{} }

// Metrics counts drinking and award activity per day, week and month.
// Any event marks its user active.
type Metrics struct {
	mu sync.RWMutex

	dailyActive   map[string]userSet
	weeklyActive  map[string]userSet
	monthlyActive map[string]userSet

	drinksByDay   map[string]int64
	sessionsByDay map[string]int64

	awardsByDay      map[string]int64
	awardsByBadge    map[core.BadgeID]int64
	awardsByCategory map[core.Category]int64
	pointsByDay      map[string]int64
	holders          map[core.BadgeID]userSet
}

func NewMetrics() *Metrics {
	return &Metrics{
		dailyActive:      map[string]userSet{},
		weeklyActive:     map[string]userSet{},
		monthlyActive:    map[string]userSet{},
		drinksByDay:      map[string]int64{},
		sessionsByDay:    map[string]int64{},
		awardsByDay:      map[string]int64{},
		awardsByBadge:    map[core.BadgeID]int64{},
		awardsByCategory: map[core.Category]int64{},
		pointsByDay:      map[string]int64{},
		holders:          map[core.BadgeID]userSet{},
	}
}

func (m *Metrics) OnEvent(_ context.Context, e core.Event) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	day := dayKey(at)

	m.mu.Lock()
	defer m.mu.Unlock()

	if e.UserID != "" {
		active(m.dailyActive, day).add(e.UserID)
		active(m.weeklyActive, weekKey(at)).add(e.UserID)
		active(m.monthlyActive, monthKey(at)).add(e.UserID)
	}

	switch e.Type {
	case core.EventDrinkLogged:
		m.drinksByDay[day]++
	case core.EventSessionEnded:
		m.sessionsByDay[day]++
	case core.EventBadgeAwarded:
		m.awardsByDay[day]++
		m.awardsByBadge[e.Badge]++
		if e.Category != "" {
			m.awardsByCategory[e.Category]++
		}
		m.pointsByDay[day] += int64(e.Points)
		active(m.holders, string(e.Badge)).add(e.UserID)
	}
}

func active[K ~string](m map[K]userSet, k string) userSet {
	s, ok := m[K(k)]
	if !ok {
		s = userSet{}
		m[K(k)] = s
	}
	return s
}

func (m *Metrics) DailyActiveUsers(day string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dailyActive[day])
}

func (m *Metrics) WeeklyActiveUsers(week string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.weeklyActive[week])
}

func (m *Metrics) MonthlyActiveUsers(month string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.monthlyActive[month])
}

func (m *Metrics) DrinksByDay(day string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drinksByDay[day]
}

func (m *Metrics) SessionsEndedByDay(day string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionsByDay[day]
}

func (m *Metrics) AwardsByDay(day string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.awardsByDay[day]
}

func (m *Metrics) PointsByDay(day string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pointsByDay[day]
}

// UniqueHolders counts distinct users holding at least one award of badge.
// Per-session badges held in several sessions count once.
func (m *Metrics) UniqueHolders(badge core.BadgeID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.holders[badge])
}

// Totals is a point-in-time copy of the award breakdowns.
type Totals struct {
	AwardsByBadge    map[core.BadgeID]int64  `json:"awards_by_badge"`
	AwardsByCategory map[core.Category]int64 `json:"awards_by_category"`
	UniqueHolders    map[core.BadgeID]int    `json:"unique_holders"`
}

func (m *Metrics) Totals() Totals {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := Totals{
		AwardsByBadge:    make(map[core.BadgeID]int64, len(m.awardsByBadge)),
		AwardsByCategory: make(map[core.Category]int64, len(m.awardsByCategory)),
		UniqueHolders:    make(map[core.BadgeID]int, len(m.holders)),
	}
	for k, v := range m.awardsByBadge {
		t.AwardsByBadge[k] = v
	}
	for k, v := range m.awardsByCategory {
		t.AwardsByCategory[k] = v
	}
	for k, v := range m.holders {
		t.UniqueHolders[k] = len(v)
	}
	return t
}

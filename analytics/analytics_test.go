package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipkit/core"
)

// Friday 2026-06-12.
var t0 = time.Date(2026, 6, 12, 21, 0, 0, 0, time.UTC)

func feed(m *Metrics) {
	ctx := context.Background()
	d := core.DrinkEntry{UserID: "ana", SessionID: "s1", VolumeMl: 330, AlcoholPercentage: 5, ConsumedAt: t0}
	ev := core.NewDrinkLogged(d)
	ev.Time = t0
	m.OnEvent(ctx, ev)
	m.OnEvent(ctx, ev)

	ended := core.NewSessionEnded("bo", "s1")
	ended.Time = t0.Add(time.Hour)
	m.OnEvent(ctx, ended)

	award := func(user core.UserID, badge core.BadgeID, cat core.Category, session core.SessionID, pts int) {
		m.OnEvent(ctx, core.NewBadgeAwarded(
			core.UserBadge{UserID: user, BadgeID: badge, SessionID: session, EarnedAt: t0.Add(2 * time.Hour)},
			core.Badge{ID: badge, Category: cat, Points: pts},
		))
	}
	award("ana", "first_drink", core.CategoryMilestone, "", 10)
	award("ana", "session_king", core.CategorySession, "s1", 50)
	award("ana", "session_king", core.CategorySession, "s2", 50)
	award("bo", "session_king", core.CategorySession, "s1", 50)
}

func TestMetricsCountsByDay(t *testing.T) {
	m := NewMetrics()
	feed(m)

	day := "2026-06-12"
	assert.Equal(t, int64(2), m.DrinksByDay(day))
	assert.Equal(t, int64(1), m.SessionsEndedByDay(day))
	assert.Equal(t, int64(4), m.AwardsByDay(day))
	assert.Equal(t, int64(160), m.PointsByDay(day))
	assert.Equal(t, 2, m.DailyActiveUsers(day))
	assert.Equal(t, 2, m.WeeklyActiveUsers("2026-W24"))
	assert.Equal(t, 2, m.MonthlyActiveUsers("2026-06"))
	assert.Zero(t, m.DrinksByDay("2026-06-13"))
}

func TestMetricsTotals(t *testing.T) {
	m := NewMetrics()
	feed(m)

	tot := m.Totals()
	assert.Equal(t, int64(3), tot.AwardsByBadge["session_king"])
	assert.Equal(t, int64(1), tot.AwardsByBadge["first_drink"])
	assert.Equal(t, int64(3), tot.AwardsByCategory[core.CategorySession])
	assert.Equal(t, 2, tot.UniqueHolders["session_king"])
	assert.Equal(t, 2, m.UniqueHolders("session_king"))

	// Totals is a copy.
	tot.AwardsByBadge["session_king"] = 99
	assert.Equal(t, int64(3), m.Totals().AwardsByBadge["session_king"])
}

func TestBridgeFansOut(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	br := NewBridge(a, b)
	ev := core.NewSessionEnded("ana", "s1")
	ev.Time = t0
	br.OnEvent(context.Background(), ev)
	assert.Equal(t, int64(1), a.SessionsEndedByDay("2026-06-12"))
	assert.Equal(t, int64(1), b.SessionsEndedByDay("2026-06-12"))
}

func TestAggregatorRollups(t *testing.T) {
	m := NewMetrics()
	feed(m)
	agg := NewAggregator(m, time.Hour, WithAggregatorClock(func() time.Time { return t0.Add(3 * time.Hour) }))

	require.NoError(t, agg.AggregateNow(context.Background()))

	day, ok := agg.Rollup(PeriodDaily, "2026-06-13")
	require.True(t, ok, "three hours after 21:00 is the next day")
	assert.Zero(t, day.DrinksLogged)

	week, ok := agg.Rollup(PeriodWeekly, "2026-W24")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 6, 8, 0, 0, 0, 0, time.UTC), week.StartTime)
	assert.Equal(t, int64(2), week.DrinksLogged)
	assert.Equal(t, int64(4), week.BadgesAwarded)
	assert.Equal(t, int64(160), week.PointsAwarded)
	assert.Equal(t, 2, week.ActiveUsers)

	month, ok := agg.Rollup(PeriodMonthly, "2026-06")
	require.True(t, ok)
	assert.Equal(t, int64(1), month.SessionsEnded)
	assert.Len(t, agg.Rollups(PeriodMonthly), 1)

	_, ok = agg.Rollup(Period("yearly"), "2026")
	assert.False(t, ok)
}

func TestAggregatorExportsToWriter(t *testing.T) {
	m := NewMetrics()
	feed(m)
	var buf bytes.Buffer
	agg := NewAggregator(m, time.Hour,
		WithExporter(NewWriterExporter(&buf)),
		WithAggregatorClock(func() time.Time { return t0 }))

	require.NoError(t, agg.AggregateNow(context.Background()))

	dec := json.NewDecoder(&buf)
	var periods []Period
	for {
		var r Rollup
		if err := dec.Decode(&r); err == io.EOF {
			break
		} else {
			require.NoError(t, err)
		}
		periods = append(periods, r.Period)
	}
	assert.Equal(t, []Period{PeriodDaily, PeriodWeekly, PeriodMonthly}, periods)
}

func TestExportToFile(t *testing.T) {
	m := NewMetrics()
	feed(m)
	agg := NewAggregator(m, time.Hour, WithAggregatorClock(func() time.Time { return t0 }))
	require.NoError(t, agg.AggregateNow(context.Background()))

	path := filepath.Join(t.TempDir(), "daily.json")
	require.NoError(t, agg.ExportToFile(PeriodDaily, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got []Rollup
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "2026-06-12", got[0].Key)
	assert.Equal(t, int64(2), got[0].DrinksLogged)
}

func TestHTTPExporterBatches(t *testing.T) {
	var (
		posts atomic.Int32
		mu    sync.Mutex
		last  []Rollup
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		mu.Lock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&last))
		mu.Unlock()
		posts.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ex := NewHTTPExporter(srv.URL, "k", 2)
	ctx := context.Background()
	require.NoError(t, ex.Export(ctx, &Rollup{Key: "a"}))
	assert.Equal(t, int32(0), posts.Load())
	require.NoError(t, ex.Export(ctx, &Rollup{Key: "b"}))
	assert.Equal(t, int32(1), posts.Load())
	mu.Lock()
	assert.Len(t, last, 2)
	mu.Unlock()

	require.NoError(t, ex.Export(ctx, &Rollup{Key: "c"}))
	require.NoError(t, ex.Close())
	assert.Equal(t, int32(2), posts.Load())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, last, 1)
	assert.Equal(t, "c", last[0].Key)
}

func TestHTTPExporterKeepsBatchOnFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ex := NewHTTPExporter(srv.URL, "", 1)
	err := ex.Export(context.Background(), &Rollup{Key: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	fail.Store(false)
	require.NoError(t, ex.Flush(context.Background()))
	ex.mu.Lock()
	defer ex.mu.Unlock()
	assert.Empty(t, ex.buffer)
}

func TestMultiExporterJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	multi := NewMultiExporter(NewWriterExporter(&buf), NewHTTPExporter(srv.URL, "", 1))
	err := multi.Export(context.Background(), &Rollup{Key: "x"})
	require.Error(t, err)
	assert.NotZero(t, buf.Len(), "writer exporter still ran")
}

package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Period is a rollup granularity.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Rollup is the aggregated activity of one period.
type Rollup struct {
	Period    Period    `json:"period"`
	Key       string    `json:"key"` // 2026-06-12, 2026-W24 or 2026-06
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	ActiveUsers   int   `json:"active_users"`
	DrinksLogged  int64 `json:"drinks_logged"`
	SessionsEnded int64 `json:"sessions_ended"`
	BadgesAwarded int64 `json:"badges_awarded"`
	PointsAwarded int64 `json:"points_awarded"`

	CreatedAt time.Time `json:"created_at"`
}

// Aggregator periodically rolls Metrics up into daily, weekly and monthly
// records and optionally hands each fresh record to an Exporter.
type Aggregator struct {
	mu sync.RWMutex

	metrics  *Metrics
	exporter Exporter
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	rollups map[Period]map[string]*Rollup
}

type AggregatorOption func(*Aggregator)

func WithExporter(e Exporter) AggregatorOption {
	return func(a *Aggregator) { a.exporter = e }
}

func WithAggregatorLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAggregator(metrics *Metrics, interval time.Duration, opts ...AggregatorOption) *Aggregator {
	if interval <= 0 {
		interval = time.Hour
	}
	a := &Aggregator{
		metrics:  metrics,
		interval: interval,
		logger:   slog.Default(),
		now:      time.Now,
		rollups: map[Period]map[string]*Rollup{
			PeriodDaily:   {},
			PeriodWeekly:  {},
			PeriodMonthly: {},
		},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AggregateNow recomputes the current day, week and month.
func (a *Aggregator) AggregateNow(ctx context.Context) error {
	now := a.now().UTC()
	day := a.daily(now)
	week := a.weekly(now)
	month := a.monthly(now)

	a.mu.Lock()
	a.rollups[PeriodDaily][day.Key] = day
	a.rollups[PeriodWeekly][week.Key] = week
	a.rollups[PeriodMonthly][month.Key] = month
	a.mu.Unlock()

	if a.exporter == nil {
		return nil
	}
	for _, r := range []*Rollup{day, week, month} {
		if err := a.exporter.Export(ctx, r); err != nil {
			return fmt.Errorf("export %s rollup %s: %w", r.Period, r.Key, err)
		}
	}
	return nil
}

func (a *Aggregator) daily(now time.Time) *Rollup {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	key := dayKey(start)
	r := &Rollup{
		Period:      PeriodDaily,
		Key:         key,
		StartTime:   start,
		EndTime:     start.AddDate(0, 0, 1),
		ActiveUsers: a.metrics.DailyActiveUsers(key),
		CreatedAt:   now,
	}
	a.sumDays(r)
	return r
}

func (a *Aggregator) weekly(now time.Time) *Rollup {
	offset := (int(now.Weekday()) + 6) % 7 // days since Monday
	start := time.Date(now.Year(), now.Month(), now.Day()-offset, 0, 0, 0, 0, time.UTC)
	key := weekKey(start)
	r := &Rollup{
		Period:      PeriodWeekly,
		Key:         key,
		StartTime:   start,
		EndTime:     start.AddDate(0, 0, 7),
		ActiveUsers: a.metrics.WeeklyActiveUsers(key),
		CreatedAt:   now,
	}
	a.sumDays(r)
	return r
}

func (a *Aggregator) monthly(now time.Time) *Rollup {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	key := monthKey(start)
	r := &Rollup{
		Period:      PeriodMonthly,
		Key:         key,
		StartTime:   start,
		EndTime:     start.AddDate(0, 1, 0),
		ActiveUsers: a.metrics.MonthlyActiveUsers(key),
		CreatedAt:   now,
	}
	a.sumDays(r)
	return r
}

func (a *Aggregator) sumDays(r *Rollup) {
	for d := r.StartTime; d.Before(r.EndTime); d = d.AddDate(0, 0, 1) {
		k := dayKey(d)
		r.DrinksLogged += a.metrics.DrinksByDay(k)
		r.SessionsEnded += a.metrics.SessionsEndedByDay(k)
		r.BadgesAwarded += a.metrics.AwardsByDay(k)
		r.PointsAwarded += a.metrics.PointsByDay(k)
	}
}

// Rollup returns a stored rollup by period and key.
func (a *Aggregator) Rollup(period Period, key string) (Rollup, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.rollups[period][key]
	if !ok {
		return Rollup{}, false
	}
	return *r, true
}

// Rollups lists every stored rollup of a period ordered by start time.
func (a *Aggregator) Rollups(period Period) []Rollup {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Rollup, 0, len(a.rollups[period]))
	for _, r := range a.rollups[period] {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Run aggregates immediately and then on every tick until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	if err := a.AggregateNow(ctx); err != nil {
		a.logger.Warn("initial aggregation failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			if a.exporter != nil {
				if err := a.exporter.Flush(context.WithoutCancel(ctx)); err != nil {
					a.logger.Warn("final analytics flush failed", "error", err)
				}
			}
			return
		case <-ticker.C:
			if err := a.AggregateNow(ctx); err != nil {
				a.logger.Warn("periodic aggregation failed", "error", err)
			}
		}
	}
}

// ExportJSON renders every rollup of a period as indented JSON.
func (a *Aggregator) ExportJSON(period Period) ([]byte, error) {
	return json.MarshalIndent(a.Rollups(period), "", "  ")
}

// ExportToFile writes ExportJSON to path through a temporary file and rename.
func (a *Aggregator) ExportToFile(period Period, path string) error {
	data, err := a.ExportJSON(period)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rollup-*")
	if err != nil {
		return fmt.Errorf("export %s rollups: %w", period, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("export %s rollups: %w", period, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("export %s rollups: %w", period, err)
	}
	return os.Rename(tmp.Name(), path)
}

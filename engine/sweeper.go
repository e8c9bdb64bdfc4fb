package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sipkit/core"
)

// SessionSweeper finds sessions whose end time has passed and runs the
// session_ended award check for each participant. Awards are idempotent, so
// re-sweeping a window is harmless.
type SessionSweeper struct {
	source   SessionSource
	svc      *BadgeService
	interval time.Duration
	now      Clock
	logger   *slog.Logger

	mu   sync.Mutex
	last time.Time
}

// SweeperOption configures a SessionSweeper.
type SweeperOption func(*SessionSweeper)

// WithSweepSince sets the lower bound of the first sweep.
func WithSweepSince(t time.Time) SweeperOption {
	return func(s *SessionSweeper) { s.last = t }
}

func WithSweepClock(c Clock) SweeperOption {
	return func(s *SessionSweeper) {
		if c != nil {
			s.now = c
		}
	}
}

func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *SessionSweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSessionSweeper builds a sweeper. By default the first sweep looks back
// 24 hours.
func NewSessionSweeper(source SessionSource, svc *BadgeService, interval time.Duration, opts ...SweeperOption) *SessionSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &SessionSweeper{
		source:   source,
		svc:      svc,
		interval: interval,
		now:      systemClock,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.last.IsZero() {
		s.last = s.now().Add(-24 * time.Hour)
	}
	return s
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Sessions int    `json:"sessions"`
	Checks   int    `json:"checks"`
	Errors   int    `json:"errors"`
	Result   Result `json:"result"`
}

// Run sweeps on every tick until ctx is done.
func (s *SessionSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rep, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Warn("session sweep failed", "error", err)
				continue
			}
			if rep.Sessions > 0 {
				s.logger.Info("session sweep",
					"sessions", rep.Sessions,
					"checks", rep.Checks,
					"awarded", rep.Result.Awarded,
					"failed", rep.Result.Failed,
					"errors", rep.Errors)
			}
		}
	}
}

// Sweep checks every session that ended since the previous sweep. The window
// only advances when listing the sessions succeeds.
func (s *SessionSweeper) Sweep(ctx context.Context) (SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until := s.now()
	sessions, err := s.source.EndedSessions(ctx, s.last, until)
	if err != nil {
		return SweepReport{}, core.Persistence("ended sessions", err)
	}
	var rep SweepReport
	for _, sess := range sessions {
		users, err := s.source.SessionParticipants(ctx, sess.ID)
		if err != nil {
			rep.Errors++
			s.logger.Warn("list participants failed", "session_id", sess.ID, "error", err)
			continue
		}
		rep.Sessions++
		for _, u := range users {
			res, err := s.svc.CheckAndAward(ctx, TriggerSessionEnded, u, sess.ID)
			rep.Checks++
			if err != nil {
				rep.Errors++
				s.logger.Warn("session award check failed", "session_id", sess.ID, "user_id", u, "error", err)
				continue
			}
			rep.Result.Add(res)
		}
	}
	s.last = until
	return rep, nil
}

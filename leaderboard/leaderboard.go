package leaderboard

import (
	"context"

	"sipkit/core"
)

// Entry is one user's badge point total.
type Entry struct {
	User  core.UserID `json:"user_id"`
	Score int64       `json:"score"`
	Rank  int         `json:"rank,omitempty"`
}

// Board abstracts leaderboard operations.
type Board interface {
	Update(user core.UserID, score int64)
	Add(user core.UserID, delta int64) int64
	Remove(user core.UserID)
	TopN(n int) []Entry
	Page(offset, limit int) []Entry
	Get(user core.UserID) (Entry, bool)
	Len() int
}

// Tracker keeps a board in step with badge_awarded events: every new award
// adds its badge points to the holder's score.
type Tracker struct {
	board Board
}

func NewTracker(b Board) *Tracker {
	if b == nil {
		b = NewSkipList()
	}
	return &Tracker{board: b}
}

func (t *Tracker) Board() Board { return t.board }

// OnEvent has the event bus handler signature.
func (t *Tracker) OnEvent(_ context.Context, e core.Event) {
	if e.Type != core.EventBadgeAwarded || e.Points == 0 {
		return
	}
	t.board.Add(e.UserID, int64(e.Points))
}

// Seed rebuilds scores from stored awards, for use at startup.
func (t *Tracker) Seed(awards []core.UserBadge, points map[core.BadgeID]int) {
	totals := map[core.UserID]int64{}
	for _, a := range awards {
		totals[a.UserID] += int64(points[a.BadgeID])
	}
	for u, s := range totals {
		t.board.Update(u, s)
	}
}

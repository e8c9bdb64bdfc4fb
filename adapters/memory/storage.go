package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sipkit/core"
)

// Store is a concurrent in-memory store. Awards live in a sync.Map keyed by
// scope so award-if-absent is a single LoadOrStore.
type Store struct {
	mu       sync.RWMutex
	profiles map[core.UserID]core.Profile
	sessions map[core.SessionID]core.Session
	drinks   []core.DrinkEntry
	badges   map[core.BadgeID]core.Badge
	progress map[progressKey]core.BadgeProgress

	awards sync.Map // scope key -> core.UserBadge
}

type progressKey struct {
	user  core.UserID
	badge core.BadgeID
}

func New() *Store {
	return &Store{
		profiles: map[core.UserID]core.Profile{},
		sessions: map[core.SessionID]core.Session{},
		badges:   map[core.BadgeID]core.Badge{},
		progress: map[progressKey]core.BadgeProgress{},
	}
}

func (s *Store) SaveProfile(_ context.Context, p core.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return nil
}

func (s *Store) FetchProfile(_ context.Context, user core.UserID) (core.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[user]
	if !ok {
		return core.Profile{}, fmt.Errorf("profile %q: %w", user, core.ErrNotFound)
	}
	return p, nil
}

func (s *Store) SaveSession(_ context.Context, sess core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) FetchSession(_ context.Context, id core.SessionID) (core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return core.Session{}, fmt.Errorf("session %q: %w", id, core.ErrNotFound)
	}
	return sess, nil
}

func (s *Store) LogDrink(_ context.Context, d core.DrinkEntry) (core.DrinkEntry, error) {
	if d.ID == "" {
		d.ID = core.DrinkID(uuid.NewString())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drinks = append(s.drinks, d)
	return d, nil
}

func (s *Store) FetchDrinks(_ context.Context, user core.UserID, session core.SessionID) ([]core.DrinkEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.DrinkEntry
	for _, d := range s.drinks {
		if d.UserID != user {
			continue
		}
		if !session.IsZero() && d.SessionID != session {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) CountAllTime(_ context.Context, metric core.MetricName, user core.UserID) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch metric {
	case core.MetricTotalDrinks:
		n := 0
		for _, d := range s.drinks {
			if d.UserID == user {
				n++
			}
		}
		return float64(n), nil
	case core.MetricSessionCount:
		seen := map[core.SessionID]struct{}{}
		for _, d := range s.drinks {
			if d.UserID == user {
				seen[d.SessionID] = struct{}{}
			}
		}
		return float64(len(seen)), nil
	}
	return 0, fmt.Errorf("%w: %q is not an all-time count", core.ErrUnknownMetric, metric)
}

func (s *Store) CountInSession(_ context.Context, metric core.MetricName, user core.UserID, session core.SessionID) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch metric {
	case core.MetricDrinksInSession:
		n := 0
		for _, d := range s.drinks {
			if d.UserID == user && d.SessionID == session {
				n++
			}
		}
		return float64(n), nil
	case core.MetricUniqueFriendsInSession:
		friends := map[core.UserID]struct{}{}
		for _, d := range s.drinks {
			if d.SessionID == session && d.UserID != user {
				friends[d.UserID] = struct{}{}
			}
		}
		return float64(len(friends)), nil
	}
	return 0, fmt.Errorf("%w: %q is not a session count", core.ErrUnknownMetric, metric)
}

func (s *Store) SaveBadge(_ context.Context, b core.Badge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badges[b.ID] = b
	return nil
}

func (s *Store) FetchActiveAutomaticBadges(_ context.Context, categories []core.Category) ([]core.Badge, error) {
	allowed := make(map[core.Category]struct{}, len(categories))
	for _, c := range categories {
		allowed[c] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Badge
	for _, b := range s.badges {
		if _, ok := allowed[b.Category]; ok && b.IsActive && b.IsAutomatic {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AwardIfAbsent is atomic per scope key: concurrent callers racing on the
// same key see exactly one Created=true.
func (s *Store) AwardIfAbsent(_ context.Context, req core.AwardRequest) (core.AwardResult, error) {
	ub := core.UserBadge{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		BadgeID:   req.BadgeID,
		SessionID: req.SessionID,
		EarnedAt:  req.EarnedAt,
		Metadata:  req.Metadata,
	}
	if ub.EarnedAt.IsZero() {
		ub.EarnedAt = time.Now().UTC()
	}
	actual, loaded := s.awards.LoadOrStore(req.ScopeKey(), ub)
	return core.AwardResult{Created: !loaded, UserBadgeID: actual.(core.UserBadge).ID}, nil
}

// RevokeAward removes the award stored for req if it is still the one with
// id. Wrapping stores use it to undo an award they failed to persist.
func (s *Store) RevokeAward(req core.AwardRequest, id string) {
	key := req.ScopeKey()
	if v, ok := s.awards.Load(key); ok && v.(core.UserBadge).ID == id {
		s.awards.Delete(key)
	}
}

func (s *Store) ListUserBadges(_ context.Context, user core.UserID) ([]core.UserBadge, error) {
	var out []core.UserBadge
	s.awards.Range(func(_, v any) bool {
		if ub := v.(core.UserBadge); ub.UserID == user {
			out = append(out, ub)
		}
		return true
	})
	sortAwards(out)
	return out, nil
}

func (s *Store) UpsertProgress(_ context.Context, p core.BadgeProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[progressKey{user: p.UserID, badge: p.BadgeID}] = p
	return nil
}

// Progress returns the cached progress for a user and badge.
func (s *Store) Progress(user core.UserID, badge core.BadgeID) (core.BadgeProgress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[progressKey{user: user, badge: badge}]
	return p, ok
}

func (s *Store) EndedSessions(_ context.Context, since, until time.Time) ([]core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Session
	for _, sess := range s.sessions {
		if sess.EndTime.After(since) && !sess.EndTime.After(until) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

func (s *Store) SessionParticipants(_ context.Context, session core.SessionID) ([]core.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[core.UserID]struct{}{}
	var out []core.UserID
	for _, d := range s.drinks {
		if d.SessionID != session {
			continue
		}
		if _, ok := seen[d.UserID]; ok {
			continue
		}
		seen[d.UserID] = struct{}{}
		out = append(out, d.UserID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Snapshot is a point-in-time copy of the whole store.
type Snapshot struct {
	Profiles []core.Profile       `json:"profiles"`
	Sessions []core.Session       `json:"sessions"`
	Drinks   []core.DrinkEntry    `json:"drinks"`
	Badges   []core.Badge         `json:"badges"`
	Awards   []core.UserBadge     `json:"awards"`
	Progress []core.BadgeProgress `json:"progress"`
}

// Snapshot copies the store contents in a stable order.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	var snap Snapshot
	for _, p := range s.profiles {
		snap.Profiles = append(snap.Profiles, p)
	}
	for _, sess := range s.sessions {
		snap.Sessions = append(snap.Sessions, sess)
	}
	snap.Drinks = append(snap.Drinks, s.drinks...)
	for _, b := range s.badges {
		snap.Badges = append(snap.Badges, b)
	}
	for _, p := range s.progress {
		snap.Progress = append(snap.Progress, p)
	}
	s.mu.RUnlock()

	s.awards.Range(func(_, v any) bool {
		snap.Awards = append(snap.Awards, v.(core.UserBadge))
		return true
	})
	sort.Slice(snap.Profiles, func(i, j int) bool { return snap.Profiles[i].ID < snap.Profiles[j].ID })
	sort.Slice(snap.Sessions, func(i, j int) bool { return snap.Sessions[i].ID < snap.Sessions[j].ID })
	sort.Slice(snap.Badges, func(i, j int) bool { return snap.Badges[i].ID < snap.Badges[j].ID })
	sort.Slice(snap.Progress, func(i, j int) bool {
		if snap.Progress[i].UserID != snap.Progress[j].UserID {
			return snap.Progress[i].UserID < snap.Progress[j].UserID
		}
		return snap.Progress[i].BadgeID < snap.Progress[j].BadgeID
	})
	sortAwards(snap.Awards)
	return snap
}

// Restore replaces the store contents with snap.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = make(map[core.UserID]core.Profile, len(snap.Profiles))
	for _, p := range snap.Profiles {
		s.profiles[p.ID] = p
	}
	s.sessions = make(map[core.SessionID]core.Session, len(snap.Sessions))
	for _, sess := range snap.Sessions {
		s.sessions[sess.ID] = sess
	}
	s.drinks = append([]core.DrinkEntry(nil), snap.Drinks...)
	s.badges = make(map[core.BadgeID]core.Badge, len(snap.Badges))
	for _, b := range snap.Badges {
		s.badges[b.ID] = b
	}
	s.progress = make(map[progressKey]core.BadgeProgress, len(snap.Progress))
	for _, p := range snap.Progress {
		s.progress[progressKey{user: p.UserID, badge: p.BadgeID}] = p
	}
	s.awards.Clear()
	for _, ub := range snap.Awards {
		key := core.AwardRequest{UserID: ub.UserID, BadgeID: ub.BadgeID, SessionID: ub.SessionID}.ScopeKey()
		s.awards.Store(key, ub)
	}
}

func sortAwards(a []core.UserBadge) {
	sort.Slice(a, func(i, j int) bool {
		if !a[i].EarnedAt.Equal(a[j].EarnedAt) {
			return a[i].EarnedAt.Before(a[j].EarnedAt)
		}
		if a[i].BadgeID != a[j].BadgeID {
			return a[i].BadgeID < a[j].BadgeID
		}
		return a[i].SessionID < a[j].SessionID
	})
}

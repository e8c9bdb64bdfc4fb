package core

import (
	"errors"
	"strings"
	"time"
)

// UserID uniquely identifies a participant.
type UserID string

// SessionID identifies a drinking session. The zero value means "no session".
type SessionID string

// IsZero reports whether no session is set.
func (s SessionID) IsZero() bool { return s == "" }

// BadgeID identifies a badge definition.
type BadgeID string

// DrinkID identifies a logged drink.
type DrinkID string

// Gender selects the Widmark distribution ratio.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Profile holds the biometric facts needed by the BAC model.
type Profile struct {
	ID       UserID  `json:"id" db:"id" yaml:"id" validate:"required"`
	WeightKg float64 `json:"weight_kg" db:"weight_kg" yaml:"weight_kg" validate:"gt=0"`
	Gender   Gender  `json:"gender" db:"gender" yaml:"gender" validate:"oneof=male female"`
	Age      int     `json:"age" db:"age" yaml:"age" validate:"gte=0,lte=150"`
}

// DrinkEntry is a single logged drink. Entries are never mutated after creation.
type DrinkEntry struct {
	ID                DrinkID   `json:"id" db:"id"`
	UserID            UserID    `json:"user_id" db:"user_id" validate:"required"`
	SessionID         SessionID `json:"session_id" db:"session_id" validate:"required"`
	VolumeMl          float64   `json:"volume_ml" db:"volume_ml" validate:"gt=0"`
	AlcoholPercentage float64   `json:"alcohol_percentage" db:"alcohol_percentage" validate:"gte=0,lte=100"`
	ConsumedAt        time.Time `json:"consumed_at" db:"consumed_at" validate:"required"`
}

// Session is a bounded drinking session shared by its participants.
type Session struct {
	ID        SessionID `json:"id" db:"id" validate:"required"`
	StartTime time.Time `json:"start_time" db:"start_time" validate:"required"`
	EndTime   time.Time `json:"end_time" db:"end_time" validate:"required,gtfield=StartTime"`
}

// Ended reports whether wall-clock time has passed the session end.
func (s Session) Ended(now time.Time) bool { return now.After(s.EndTime) }

// Closed reports whether the session window is complete at now, end instant
// included. Session-end award checks require it.
func (s Session) Closed(now time.Time) bool { return !now.Before(s.EndTime) }

// Window returns the observable interval [start, min(now, end)].
func (s Session) Window(now time.Time) (time.Time, time.Time) {
	to := s.EndTime
	if now.Before(to) {
		to = now
	}
	return s.StartTime, to
}

// Category classifies a badge and fixes its award scope and trigger.
type Category string

const (
	CategoryMilestone Category = "milestone"
	CategoryGlobal    Category = "global"
	CategorySession   Category = "session"
	CategorySocial    Category = "social"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryMilestone, CategoryGlobal, CategorySession, CategorySocial:
		return true
	}
	return false
}

// Badge is an admin-authored badge definition.
type Badge struct {
	ID          BadgeID     `json:"id" db:"id" yaml:"id" validate:"required"`
	Code        string      `json:"code" db:"code" yaml:"code" validate:"required"`
	Name        string      `json:"name,omitempty" db:"name" yaml:"name"`
	Description string      `json:"description,omitempty" db:"description" yaml:"description"`
	Category    Category    `json:"category" db:"category" yaml:"category" validate:"oneof=milestone global session social"`
	Criteria    CriteriaDoc `json:"criteria" db:"-" yaml:"criteria"`
	IsAutomatic bool        `json:"is_automatic" db:"is_automatic" yaml:"is_automatic"`
	IsActive    bool        `json:"is_active" db:"is_active" yaml:"is_active"`
	Points      int         `json:"points" db:"points" yaml:"points" validate:"gte=0"`
}

// UserBadge is an award record. SessionID is empty for milestone and global badges.
type UserBadge struct {
	ID        string         `json:"id" db:"id"`
	UserID    UserID         `json:"user_id" db:"user_id"`
	BadgeID   BadgeID        `json:"badge_id" db:"badge_id"`
	SessionID SessionID      `json:"session_id,omitempty" db:"session_id"`
	EarnedAt  time.Time      `json:"earned_at" db:"earned_at"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"-"`
}

// BadgeProgress is an advisory snapshot of how close a user is to a badge.
// It is never consulted when deciding an award.
type BadgeProgress struct {
	UserID       UserID    `json:"user_id" db:"user_id"`
	BadgeID      BadgeID   `json:"badge_id" db:"badge_id"`
	CurrentValue float64   `json:"current_value" db:"current_value"`
	LastUpdated  time.Time `json:"last_updated" db:"last_updated"`
}

// AwardRequest asks the store to create an award unless one already exists
// for the scope key (UserID, BadgeID, SessionID). An empty SessionID is the
// global scope.
type AwardRequest struct {
	UserID    UserID
	BadgeID   BadgeID
	SessionID SessionID
	EarnedAt  time.Time
	Metadata  map[string]any
}

// ScopeKey renders the uniqueness key of the request.
func (r AwardRequest) ScopeKey() string {
	return string(r.UserID) + "|" + string(r.BadgeID) + "|" + string(r.SessionID)
}

// AwardResult reports the outcome of an award-if-absent call.
type AwardResult struct {
	Created     bool   `json:"created"`
	UserBadgeID string `json:"user_badge_id"`
}

// NormalizeUserID trims and lowercases user identifiers. The HTTP API, the
// WebSocket filter and kit apply it to ids they receive; the engine and the
// stores treat ids as opaque keys.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", ErrEmptyUserID
	}
	return UserID(strings.ToLower(s)), nil
}

// RequireUserID rejects blank ids without rewriting the rest.
func RequireUserID(id UserID) error {
	if strings.TrimSpace(string(id)) == "" {
		return ErrEmptyUserID
	}
	return nil
}

// ValidateBadgeCode ensures a non-empty code limited to alnum, dash and underscore.
func ValidateBadgeCode(code string) error {
	s := strings.TrimSpace(code)
	if s == "" {
		return errors.New("empty badge code")
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			continue
		}
		return errors.New("invalid badge code")
	}
	return nil
}

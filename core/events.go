package core

import "time"

// EventType enumerates domain events.
type EventType string

const (
	EventDrinkLogged  EventType = "drink_logged"
	EventSessionEnded EventType = "session_ended"
	EventBadgeAwarded EventType = "badge_awarded"
)

// Event represents an immutable domain event.
type Event struct {
	Type      EventType      `json:"type"`
	Time      time.Time      `json:"time"`
	UserID    UserID         `json:"user_id"`
	SessionID SessionID      `json:"session_id,omitempty"`
	Badge     BadgeID        `json:"badge,omitempty"`
	Category  Category       `json:"category,omitempty"`
	Points    int            `json:"points,omitempty"`
	Drink     *DrinkEntry    `json:"drink,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewDrinkLogged(d DrinkEntry) Event {
	return Event{Type: EventDrinkLogged, Time: time.Now().UTC(), UserID: d.UserID, SessionID: d.SessionID, Drink: &d}
}

func NewSessionEnded(user UserID, session SessionID) Event {
	return Event{Type: EventSessionEnded, Time: time.Now().UTC(), UserID: user, SessionID: session}
}

// NewBadgeAwarded describes a newly created award. SessionID is the award
// scope, so it is empty for milestone and global badges.
func NewBadgeAwarded(award UserBadge, badge Badge) Event {
	return Event{
		Type:      EventBadgeAwarded,
		Time:      award.EarnedAt,
		UserID:    award.UserID,
		SessionID: award.SessionID,
		Badge:     badge.ID,
		Category:  badge.Category,
		Points:    badge.Points,
		Metadata:  award.Metadata,
	}
}

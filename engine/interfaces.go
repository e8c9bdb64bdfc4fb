package engine

import (
	"context"
	"time"

	"sipkit/core"
)

// Store is the persistence collaborator the award engine reads from and
// awards through. AwardIfAbsent must be atomic per scope key.
type Store interface {
	FetchProfile(ctx context.Context, user core.UserID) (core.Profile, error)
	FetchSession(ctx context.Context, session core.SessionID) (core.Session, error)
	// FetchDrinks returns the user's drinks, limited to one session when
	// session is set.
	FetchDrinks(ctx context.Context, user core.UserID, session core.SessionID) ([]core.DrinkEntry, error)
	CountAllTime(ctx context.Context, metric core.MetricName, user core.UserID) (float64, error)
	CountInSession(ctx context.Context, metric core.MetricName, user core.UserID, session core.SessionID) (float64, error)
	FetchActiveAutomaticBadges(ctx context.Context, categories []core.Category) ([]core.Badge, error)
	// AwardIfAbsent creates the award unless one exists for the request's
	// scope key, in which case it returns the existing id with Created=false.
	AwardIfAbsent(ctx context.Context, req core.AwardRequest) (core.AwardResult, error)
}

// ProgressStore is implemented by stores that cache badge progress.
type ProgressStore interface {
	UpsertProgress(ctx context.Context, p core.BadgeProgress) error
}

// SessionSource lists sessions whose end time has passed, and who drank in them.
type SessionSource interface {
	// EndedSessions returns sessions with since < end_time <= until.
	EndedSessions(ctx context.Context, since, until time.Time) ([]core.Session, error)
	SessionParticipants(ctx context.Context, session core.SessionID) ([]core.UserID, error)
}

// Repository is the full read/write surface adapters provide to the server.
type Repository interface {
	Store
	ProgressStore
	SessionSource
	SaveProfile(ctx context.Context, p core.Profile) error
	SaveSession(ctx context.Context, s core.Session) error
	// LogDrink persists a drink, assigning an id when empty.
	LogDrink(ctx context.Context, d core.DrinkEntry) (core.DrinkEntry, error)
	SaveBadge(ctx context.Context, b core.Badge) error
	ListUserBadges(ctx context.Context, user core.UserID) ([]core.UserBadge, error)
}

// Clock returns the current time.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

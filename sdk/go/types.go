package sdk

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"sipkit/core"
)

// ProfileInput is the body of PUT /users/{id}/profile.
type ProfileInput struct {
	WeightKg float64     `json:"weight_kg"`
	Gender   core.Gender `json:"gender"`
	Age      int         `json:"age"`
}

// SessionInput is the body of POST /sessions.
type SessionInput struct {
	ID        string    `json:"id,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// SessionState describes a stored session and whether it has ended.
type SessionState struct {
	Session core.Session `json:"session"`
	Ended   bool         `json:"ended"`
}

// DrinkInput is the body of POST /users/{id}/drinks. ConsumedAt defaults
// to the server's clock.
type DrinkInput struct {
	SessionID         string     `json:"session_id"`
	VolumeMl          float64    `json:"volume_ml"`
	AlcoholPercentage float64    `json:"alcohol_percentage"`
	ConsumedAt        *time.Time `json:"consumed_at,omitempty"`
}

// AwardResult mirrors the outcome of one award check.
type AwardResult struct {
	Awarded     int              `json:"awarded"`
	AlreadyHeld int              `json:"already_held"`
	Failed      int              `json:"failed"`
	NotEligible int              `json:"not_eligible"`
	Awards      []core.UserBadge `json:"awards,omitempty"`
}

// DrinkResult is the stored drink plus the award check it triggered.
// AwardError is set when the drink was kept but the check failed.
type DrinkResult struct {
	Drink      core.DrinkEntry `json:"drink"`
	Result     AwardResult     `json:"result"`
	AwardError string          `json:"award_error,omitempty"`
}

// Estimate is a point-in-time BAC estimate.
type Estimate struct {
	UserID  string     `json:"user_id"`
	At      time.Time  `json:"at"`
	BAC     float64    `json:"bac"`
	Trend   string     `json:"trend"`
	SoberAt *time.Time `json:"sober_at,omitempty"`
}

// Sample is one point of a BAC curve.
type Sample struct {
	At  time.Time `json:"at"`
	BAC float64   `json:"bac"`
}

// SessionBAC is the sampled BAC curve over a session window.
type SessionBAC struct {
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	Peak      float64  `json:"peak"`
	Average   float64  `json:"average"`
	Samples   []Sample `json:"samples"`
}

// LeaderboardEntry is one ranked user.
type LeaderboardEntry struct {
	UserID string `json:"user_id"`
	Score  int64  `json:"score"`
	Rank   int    `json:"rank"`
}

type LeaderboardPage struct {
	Total   int                `json:"total"`
	Entries []LeaderboardEntry `json:"entries"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string         `json:"status"`
	Checks map[string]any `json:"checks"`
}

// APIError is returned for any response with status >= 400.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ErrEmptyUserID is returned when user id is empty.
var ErrEmptyUserID = errors.New("user id is required")

package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"sipkit/core"
	"sipkit/engine"
)

const healthProbeUser core.UserID = "healthcheck_probe"

// health probes storage with a profile lookup that is expected to miss.
func (a *api) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "healthy", "checks": map[string]any{"storage": "ok"}}
	code := http.StatusOK
	if _, err := a.kit.Repo.FetchProfile(r.Context(), healthProbeUser); err != nil && !errors.Is(err, core.ErrNotFound) {
		code = http.StatusServiceUnavailable
		status["status"] = "unhealthy"
		status["checks"] = map[string]any{"storage": "failed"}
	}
	writeJSON(w, code, status)
}

type profileRequest struct {
	WeightKg float64     `json:"weight_kg"`
	Gender   core.Gender `json:"gender"`
	Age      int         `json:"age"`
}

func (a *api) putProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if !decode(w, r, &req) {
		return
	}
	saved, err := a.kit.SaveProfile(r.Context(), core.Profile{ID: user, WeightKg: req.WeightKg, Gender: req.Gender, Age: req.Age})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *api) getProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	p, err := a.kit.Repo.FetchProfile(r.Context(), user)
	if err != nil {
		writeDomainError(w, core.Persistence("fetch profile", err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type sessionRequest struct {
	ID        core.SessionID `json:"id"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
}

func (a *api) createSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decode(w, r, &req) {
		return
	}
	s := core.Session{ID: req.ID, StartTime: req.StartTime.UTC(), EndTime: req.EndTime.UTC()}
	if s.ID.IsZero() {
		s.ID = core.SessionID(uuid.NewString())
	}
	if err := core.ValidateSession(s); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_session", err.Error(), nil)
		return
	}
	if err := a.kit.Repo.SaveSession(r.Context(), s); err != nil {
		writeDomainError(w, core.Persistence("save session", err))
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.kit.Repo.FetchSession(r.Context(), core.SessionID(chi.URLParam(r, "sid")))
	if err != nil {
		writeDomainError(w, core.Persistence("fetch session", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": s, "ended": s.Ended(a.now())})
}

type drinkRequest struct {
	SessionID         core.SessionID `json:"session_id"`
	VolumeMl          float64        `json:"volume_ml"`
	AlcoholPercentage float64        `json:"alcohol_percentage"`
	ConsumedAt        *time.Time     `json:"consumed_at,omitempty"`
}

type drinkResponse struct {
	Drink      core.DrinkEntry `json:"drink"`
	Result     engine.Result   `json:"result"`
	AwardError string          `json:"award_error,omitempty"`
}

// logDrink stores the drink and reports the award check. A failed check does
// not undo the drink; it is reported in award_error.
func (a *api) logDrink(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	var req drinkRequest
	if !decode(w, r, &req) {
		return
	}
	d := core.DrinkEntry{
		UserID:            user,
		SessionID:         req.SessionID,
		VolumeMl:          req.VolumeMl,
		AlcoholPercentage: req.AlcoholPercentage,
		ConsumedAt:        a.now(),
	}
	if req.ConsumedAt != nil {
		d.ConsumedAt = req.ConsumedAt.UTC()
	}
	if err := core.ValidateDrink(d); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_drink", err.Error(), nil)
		return
	}
	saved, res, err := a.kit.LogDrink(r.Context(), d)
	if err != nil && saved.ID == "" {
		writeDomainError(w, err)
		return
	}
	resp := drinkResponse{Drink: saved, Result: res}
	if err != nil {
		resp.AwardError = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *api) estimate(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	at := a.now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", "at must be RFC3339", nil)
			return
		}
		at = t.UTC()
	}
	est, err := a.kit.Service.EstimateBAC(r.Context(), user, at)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (a *api) sessionBAC(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	session := core.SessionID(chi.URLParam(r, "sid"))
	sum, err := a.kit.Service.SessionBAC(r.Context(), user, session)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    user,
		"session_id": session,
		"peak":       sum.Peak,
		"average":    sum.Average,
		"samples":    sum.Samples,
	})
}

func (a *api) endSession(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	res, err := a.kit.EndSession(r.Context(), user, core.SessionID(chi.URLParam(r, "sid")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) badges(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	held, err := a.kit.Repo.ListUserBadges(r.Context(), user)
	if err != nil {
		writeDomainError(w, core.Persistence("list badges", err))
		return
	}
	if held == nil {
		held = []core.UserBadge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "badges": held})
}

func (a *api) leaderboard(w http.ResponseWriter, r *http.Request) {
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_offset", err.Error(), nil)
		return
	}
	limit, err := intQuery(r, "limit", 10)
	if err != nil || limit <= 0 || limit > 100 {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 100", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   a.board.Len(),
		"entries": a.board.Page(offset, limit),
	})
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

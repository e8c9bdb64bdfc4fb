package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	wsadapter "sipkit/adapters/websocket"
	"sipkit/core"
	"sipkit/kit"
	"sipkit/leaderboard"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// RateLimitCleanup is how often idle buckets are dropped.
	RateLimitCleanup time.Duration
	// Leaderboard, if set, is served at {prefix}/leaderboard.
	Leaderboard leaderboard.Board
	// Now overrides the clock used for default timestamps.
	Now func() time.Time
}

type api struct {
	kit   *kit.Kit
	board leaderboard.Board
	now   func() time.Time
}

// NewMux builds the REST API and WebSocket stream over a Kit.
// Routes:
//   - GET  {prefix}/healthz
//   - PUT  {prefix}/users/{id}/profile, GET {prefix}/users/{id}/profile
//   - POST {prefix}/sessions, GET {prefix}/sessions/{sid}
//   - POST {prefix}/users/{id}/drinks
//   - GET  {prefix}/users/{id}/bac?at=RFC3339
//   - GET  {prefix}/users/{id}/sessions/{sid}/bac
//   - POST {prefix}/users/{id}/sessions/{sid}/end
//   - GET  {prefix}/users/{id}/badges
//   - GET  {prefix}/leaderboard?offset=0&limit=10
//   - WS   {prefix}/ws
func NewMux(k *kit.Kit, opts Options) http.Handler {
	a := &api{kit: k, board: opts.Leaderboard, now: opts.Now}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	prefix := strings.TrimRight(opts.PathPrefix, "/")

	r := chi.NewRouter()
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		r.Use(throttle(opts.RateLimitRPM, opts.RateLimitBurst, opts.RateLimitCleanup))
	}
	if opts.AllowCORSOrigin != "" {
		r.Use(corsMiddleware(opts.AllowCORSOrigin))
	}
	if len(opts.APIKeys) > 0 {
		r.Use(requireAPIKey(opts.APIKeys, prefix+"/healthz"))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	routes := func(r chi.Router) {
		r.Get("/healthz", a.health)
		r.Post("/sessions", a.createSession)
		r.Get("/sessions/{sid}", a.getSession)
		r.Route("/users/{id}", func(r chi.Router) {
			r.Put("/profile", a.putProfile)
			r.Get("/profile", a.getProfile)
			r.Post("/drinks", a.logDrink)
			r.Get("/bac", a.estimate)
			r.Get("/sessions/{sid}/bac", a.sessionBAC)
			r.Post("/sessions/{sid}/end", a.endSession)
			r.Get("/badges", a.badges)
		})
		if a.board != nil {
			r.Get("/leaderboard", a.leaderboard)
		}
		if k.Hub != nil {
			r.Handle("/ws", wsadapter.Handler(k.Hub))
		}
	}
	if prefix == "" {
		routes(r)
	} else {
		r.Route(prefix, routes)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, apiError{Code: code, Message: msg, Details: details})
}

// writeDomainError maps library errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, core.ErrInvalidProfile):
		writeError(w, http.StatusUnprocessableEntity, "invalid_profile", err.Error(), nil)
	case errors.Is(err, core.ErrMissingSessionContext):
		writeError(w, http.StatusBadRequest, "missing_session", err.Error(), nil)
	case errors.Is(err, core.ErrSessionNotEnded):
		writeError(w, http.StatusConflict, "session_not_ended", err.Error(), nil)
	case core.IsPersistence(err):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), nil)
		return false
	}
	return true
}

func userParam(w http.ResponseWriter, r *http.Request) (core.UserID, bool) {
	user, err := core.NormalizeUserID(core.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
		return "", false
	}
	return user, true
}

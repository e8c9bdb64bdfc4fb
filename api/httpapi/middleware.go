package httpapi

import (
	"crypto/subtle"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	corsMethods = "GET,POST,PUT,OPTIONS"
	corsHeaders = "Content-Type,Authorization,X-API-Key"
)

// corsMiddleware answers preflights itself and stamps the allowed origin on
// everything else.
func corsMiddleware(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

// requireAPIKey rejects requests without one of keys. Paths in public skip
// the check.
func requireAPIKey(keys []string, public ...string) func(http.Handler) http.Handler {
	var valid [][]byte
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			valid = append(valid, []byte(k))
		}
	}
	known := func(presented string) bool {
		return slices.ContainsFunc(valid, func(k []byte) bool {
			return subtle.ConstantTimeCompare(k, []byte(presented)) == 1
		})
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(public, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			switch presented := apiKeyOf(r); {
			case presented == "":
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key", nil)
			case !known(presented):
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key", nil)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// throttle spends one token per request from the caller's bucket.
func throttle(rpm, burst int, idle time.Duration) func(http.Handler) http.Handler {
	limiter := newRateLimiter(rpm, burst, idle)
	retryAfter := strconv.Itoa(max(1, 60/rpm))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.allow(callerOf(r)) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", retryAfter)
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
		})
	}
}

// apiKeyOf checks the bearer token, then X-API-Key, then the api_key query
// parameter, which browsers need for WebSocket upgrades.
func apiKeyOf(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if token = strings.TrimSpace(token); token != "" {
			return token
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// callerOf buckets by API key when there is one, else by remote host.
func callerOf(r *http.Request) string {
	if key := apiKeyOf(r); key != "" {
		return "key:" + key
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return "ip:" + host
	}
	return "ip:" + r.RemoteAddr
}

type rateLimiter struct {
	perSecond float64
	burst     float64
	cleanup   time.Duration
	now       func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(rpm, burst int, cleanup time.Duration) *rateLimiter {
	if cleanup <= 0 {
		cleanup = 5 * time.Minute
	}
	return &rateLimiter{
		perSecond: float64(rpm) / 60,
		burst:     float64(burst),
		cleanup:   cleanup,
		now:       time.Now,
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
	}
}

func (l *rateLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.cleanup {
		l.sweepLocked(now)
	}
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	b.tokens = min(l.burst, b.tokens+now.Sub(b.last).Seconds()*l.perSecond)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweepLocked drops buckets idle long enough to have refilled completely.
func (l *rateLimiter) sweepLocked(now time.Time) {
	full := time.Duration(l.burst / l.perSecond * float64(time.Second))
	for k, b := range l.buckets {
		if now.Sub(b.last) >= full {
			delete(l.buckets, k)
		}
	}
	l.lastSweep = now
}

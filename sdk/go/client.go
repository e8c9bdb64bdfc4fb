package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"sipkit/core"
)

// Client talks to a sipkit server over HTTP, plus one WebSocket per
// event subscription.
type Client struct {
	api    string
	events string
	http   *http.Client
	header http.Header
}

type Option func(*Client)

// NewClient takes the API root, for example http://localhost:8080/api.
func NewClient(apiRoot string, opts ...Option) (*Client, error) {
	root := strings.TrimRight(strings.TrimSpace(apiRoot), "/")
	if root == "" {
		return nil, errors.New("sdk: api root is required")
	}
	c := &Client{
		api:    root,
		events: deriveWSURL(root),
		http:   http.DefaultClient,
		header: http.Header{},
	}
	for _, apply := range opts {
		apply(c)
	}
	return c, nil
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithAuthToken sends the key as a bearer token. The server accepts API
// keys in either header.
func WithAuthToken(token string) Option {
	return withHeaderIf("Authorization", "Bearer ", token)
}

func WithAPIKey(key string) Option {
	return withHeaderIf("X-API-Key", "", key)
}

// WithHeader adds a header to every request and to the WebSocket handshake.
func WithHeader(name, value string) Option {
	return func(c *Client) {
		if name != "" {
			c.header.Set(name, value)
		}
	}
}

func withHeaderIf(name, prefix, value string) Option {
	return func(c *Client) {
		if v := strings.TrimSpace(value); v != "" {
			c.header.Set(name, prefix+v)
		}
	}
}

// PutProfile creates or replaces a user's profile.
func (c *Client) PutProfile(ctx context.Context, userID string, in ProfileInput) (core.Profile, error) {
	path, err := forUser(userID)
	if err != nil {
		return core.Profile{}, err
	}
	var p core.Profile
	err = c.do(ctx, http.MethodPut, path("profile"), nil, in, &p)
	return p, err
}

func (c *Client) GetProfile(ctx context.Context, userID string) (core.Profile, error) {
	path, err := forUser(userID)
	if err != nil {
		return core.Profile{}, err
	}
	var p core.Profile
	err = c.do(ctx, http.MethodGet, path("profile"), nil, nil, &p)
	return p, err
}

// CreateSession registers a session window. The server assigns an ID when
// in.ID is empty.
func (c *Client) CreateSession(ctx context.Context, in SessionInput) (core.Session, error) {
	var s core.Session
	err := c.do(ctx, http.MethodPost, "/sessions", nil, in, &s)
	return s, err
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (SessionState, error) {
	var st SessionState
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, nil, &st)
	return st, err
}

// LogDrink records a drink and returns it with the award check outcome.
func (c *Client) LogDrink(ctx context.Context, userID string, in DrinkInput) (DrinkResult, error) {
	path, err := forUser(userID)
	if err != nil {
		return DrinkResult{}, err
	}
	var res DrinkResult
	err = c.do(ctx, http.MethodPost, path("drinks"), nil, in, &res)
	return res, err
}

// EstimateBAC returns the user's estimate at at, or at the server's current
// time when at is zero.
func (c *Client) EstimateBAC(ctx context.Context, userID string, at time.Time) (Estimate, error) {
	path, err := forUser(userID)
	if err != nil {
		return Estimate{}, err
	}
	q := url.Values{}
	if !at.IsZero() {
		q.Set("at", at.UTC().Format(time.RFC3339))
	}
	var est Estimate
	err = c.do(ctx, http.MethodGet, path("bac"), q, nil, &est)
	return est, err
}

func (c *Client) SessionBAC(ctx context.Context, userID, sessionID string) (SessionBAC, error) {
	path, err := forUser(userID)
	if err != nil {
		return SessionBAC{}, err
	}
	var out SessionBAC
	err = c.do(ctx, http.MethodGet, path("sessions", sessionID, "bac"), nil, nil, &out)
	return out, err
}

// EndSession runs the session-end award check for a user.
func (c *Client) EndSession(ctx context.Context, userID, sessionID string) (AwardResult, error) {
	path, err := forUser(userID)
	if err != nil {
		return AwardResult{}, err
	}
	var res AwardResult
	err = c.do(ctx, http.MethodPost, path("sessions", sessionID, "end"), nil, nil, &res)
	return res, err
}

func (c *Client) Badges(ctx context.Context, userID string) ([]core.UserBadge, error) {
	path, err := forUser(userID)
	if err != nil {
		return nil, err
	}
	var body struct {
		Badges []core.UserBadge `json:"badges"`
	}
	if err = c.do(ctx, http.MethodGet, path("badges"), nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Badges, nil
}

// Leaderboard fetches one page of the badge points leaderboard.
func (c *Client) Leaderboard(ctx context.Context, offset, limit int) (LeaderboardPage, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page LeaderboardPage
	err := c.do(ctx, http.MethodGet, "/leaderboard", q, nil, &page)
	return page, err
}

// Health probes /healthz and returns status + storage check. An unhealthy
// server answers 503 and still yields a decoded status.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &hs)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return HealthStatus{Status: "unhealthy"}, nil
	}
	return hs, err
}

// SubscribeEvents streams events from the server, optionally narrowed to
// one user and a set of types. The channel closes when ctx ends or the
// connection drops. Events are dropped while the reader is not keeping up.
func (c *Client) SubscribeEvents(ctx context.Context, userID string, types ...core.EventType) (<-chan core.Event, error) {
	conn, err := c.dialEvents(ctx, userID, types)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	events := make(chan core.Event, 32)
	go func() {
		defer close(events)
		defer stop()
		defer conn.Close()
		for {
			var ev core.Event
			if conn.ReadJSON(&ev) != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return events, nil
}

func (c *Client) dialEvents(ctx context.Context, userID string, types []core.EventType) (*websocket.Conn, error) {
	if c.events == "" {
		return nil, errors.New("sdk: event stream needs an http or https api root")
	}
	q := url.Values{}
	if userID != "" {
		q.Set("user", userID)
	}
	if len(types) > 0 {
		names := make([]string, 0, len(types))
		for _, t := range types {
			names = append(names, string(t))
		}
		q.Set("types", strings.Join(names, ","))
	}
	target := c.events
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, c.header)
	if err != nil {
		return nil, fmt.Errorf("sdk: dial %s: %w", target, err)
	}
	return conn, nil
}

// do sends in as JSON (when non-nil) and decodes the answer into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := c.api + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("sdk: encode %s %s: %w", method, path, err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return err
	}
	maps.Copy(req.Header, c.header.Clone())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

// forUser checks the id and returns a builder for paths under /users/{id}.
func forUser(userID string) (func(parts ...string) string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}
	prefix := "/users/" + url.PathEscape(userID)
	return func(parts ...string) string {
		var b strings.Builder
		b.WriteString(prefix)
		for _, p := range parts {
			b.WriteByte('/')
			b.WriteString(url.PathEscape(p))
		}
		return b.String()
	}, nil
}

// deriveWSURL maps http(s)://host/api to ws(s)://host/api/ws, or "" for
// other schemes.
func deriveWSURL(apiRoot string) string {
	u, err := url.Parse(apiRoot)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return ""
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed: status %d", e.Status)
	}
	return fmt.Sprintf("request failed: status %d: %s: %s", e.Status, e.Code, e.Message)
}

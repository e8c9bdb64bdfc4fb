package sdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mem "sipkit/adapters/memory"
	"sipkit/api/httpapi"
	"sipkit/catalog"
	"sipkit/core"
	"sipkit/engine"
	"sipkit/kit"
	"sipkit/leaderboard"
	"sipkit/realtime"
)

var t0 = time.Date(2026, 6, 12, 21, 0, 0, 0, time.UTC)

// newTestServer serves the real API over an in-memory kit whose clock sits
// five hours after t0.
func newTestServer(t *testing.T, opts httpapi.Options) (*httptest.Server, *realtime.Hub) {
	t.Helper()
	now := func() time.Time { return t0.Add(5 * time.Hour) }
	hub := realtime.NewHub()
	tracker := leaderboard.NewTracker(nil)
	k, err := kit.New(context.Background(),
		kit.WithRepository(mem.New()),
		kit.WithDispatchMode(engine.DispatchSync),
		kit.WithCatalog(catalog.Default()),
		kit.WithClock(now),
		kit.WithRealtime(hub),
		kit.WithSink(tracker, core.EventBadgeAwarded),
	)
	if err != nil {
		t.Fatalf("kit: %v", err)
	}
	t.Cleanup(k.Close)
	opts.PathPrefix = "/api"
	opts.Now = now
	opts.Leaderboard = tracker.Board()
	srv := httptest.NewServer(httpapi.NewMux(k, opts))
	t.Cleanup(srv.Close)
	return srv, hub
}

func seed(t *testing.T, ctx context.Context, c *Client) {
	t.Helper()
	if _, err := c.PutProfile(ctx, "ana", ProfileInput{WeightKg: 60, Gender: core.GenderFemale, Age: 30}); err != nil {
		t.Fatalf("put profile: %v", err)
	}
	if _, err := c.CreateSession(ctx, SessionInput{ID: "s1", StartTime: t0, EndTime: t0.Add(4 * time.Hour)}); err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func TestClient_ProfileSessionsAndDrinks(t *testing.T) {
	srv, _ := newTestServer(t, httpapi.Options{APIKeys: []string{"k1"}})
	client, err := NewClient(srv.URL+"/api", WithAPIKey("k1"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	seed(t, ctx, client)

	p, err := client.GetProfile(ctx, "ana")
	if err != nil || p.WeightKg != 60 || p.Gender != core.GenderFemale {
		t.Fatalf("get profile: %+v err=%v", p, err)
	}
	st, err := client.GetSession(ctx, "s1")
	if err != nil || !st.Ended || st.Session.ID != "s1" {
		t.Fatalf("get session: %+v err=%v", st, err)
	}

	for i := 0; i < 4; i++ {
		at := t0.Add(time.Duration(i) * time.Minute)
		res, err := client.LogDrink(ctx, "ana", DrinkInput{SessionID: "s1", VolumeMl: 330, AlcoholPercentage: 5, ConsumedAt: &at})
		if err != nil {
			t.Fatalf("log drink %d: %v", i, err)
		}
		if res.Drink.ID == "" || res.AwardError != "" {
			t.Fatalf("unexpected drink result: %+v", res)
		}
		if i == 0 && res.Result.Awarded != 1 {
			t.Fatalf("expected first_drink on the first drink, got %+v", res.Result)
		}
	}

	est, err := client.EstimateBAC(ctx, "ana", t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if est.BAC < 0.15 || est.BAC > 0.16 || est.SoberAt == nil {
		t.Fatalf("unexpected estimate: %+v", est)
	}

	curve, err := client.SessionBAC(ctx, "ana", "s1")
	if err != nil {
		t.Fatalf("session bac: %v", err)
	}
	if len(curve.Samples) != 25 || curve.Peak < est.BAC {
		t.Fatalf("unexpected curve: peak=%v samples=%d", curve.Peak, len(curve.Samples))
	}

	res, err := client.EndSession(ctx, "ana", "s1")
	if err != nil || res.Awarded != 1 || res.Awards[0].BadgeID != "session_king" {
		t.Fatalf("end session: %+v err=%v", res, err)
	}

	held, err := client.Badges(ctx, "ana")
	if err != nil || len(held) != 2 {
		t.Fatalf("badges: %+v err=%v", held, err)
	}
	page, err := client.Leaderboard(ctx, 0, 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if page.Total != 1 || page.Entries[0].UserID != "ana" || page.Entries[0].Score != 35 {
		t.Fatalf("unexpected leaderboard: %+v", page)
	}

	health, err := client.Health(ctx)
	if err != nil || health.Status != "healthy" {
		t.Fatalf("health: %+v err=%v", health, err)
	}
}

func TestClient_Errors(t *testing.T) {
	srv, _ := newTestServer(t, httpapi.Options{APIKeys: []string{"k1"}})
	ctx := context.Background()

	anon, err := NewClient(srv.URL + "/api")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = anon.GetProfile(ctx, "ana")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}

	client, _ := NewClient(srv.URL+"/api/", WithAuthToken("k1"))
	_, err = client.GetProfile(ctx, "nobody")
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
	_, err = client.PutProfile(ctx, "ana", ProfileInput{WeightKg: 0, Gender: core.GenderMale})
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %v", err)
	}
	if _, err := client.Badges(ctx, " "); !errors.Is(err, ErrEmptyUserID) {
		t.Fatalf("expected ErrEmptyUserID, got %v", err)
	}
	if _, err := NewClient(""); err == nil {
		t.Fatal("expected error for empty base url")
	}
}

func TestClient_SubscribeEvents(t *testing.T) {
	srv, hub := newTestServer(t, httpapi.Options{})
	client, err := NewClient(srv.URL + "/api")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	seed(t, ctx, client)

	events, err := client.SubscribeEvents(ctx, "ana", core.EventBadgeAwarded)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for hub.Subscribers() < 1 {
		select {
		case <-ctx.Done():
			t.Fatal("timed out waiting for subscriber")
		case <-time.After(5 * time.Millisecond):
		}
	}

	at := t0
	if _, err := client.LogDrink(ctx, "ana", DrinkInput{SessionID: "s1", VolumeMl: 330, AlcoholPercentage: 5, ConsumedAt: &at}); err != nil {
		t.Fatalf("log drink: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Type != core.EventBadgeAwarded || evt.Badge != "first_drink" || evt.UserID != "ana" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestDeriveWSURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080/api": "ws://localhost:8080/api/ws",
		"https://example.com/api":   "wss://example.com/api/ws",
		"ftp://example.com/api":     "",
	}
	for in, want := range cases {
		if got := deriveWSURL(in); got != want {
			t.Fatalf("deriveWSURL(%q) = %q, want %q", in, got, want)
		}
	}
}

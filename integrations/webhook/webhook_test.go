package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"sipkit/core"
)

func awardEvent() core.Event {
	return core.NewBadgeAwarded(
		core.UserBadge{UserID: "u1", BadgeID: "first_drink", EarnedAt: time.Now().UTC()},
		core.Badge{ID: "first_drink", Category: core.CategoryMilestone, Points: 5},
	)
}

// statusServer answers each request with the next status in seq, repeating
// the last one.
func statusServer(t *testing.T, seq ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		w.WriteHeader(seq[min(n, len(seq)-1)])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestSinkPostsEventJSON(t *testing.T) {
	var got core.Event
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Sipkit-Event")
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	sink := New([]string{srv.URL})
	sink.OnEvent(context.Background(), awardEvent())

	if header != string(core.EventBadgeAwarded) {
		t.Fatalf("event header = %q", header)
	}
	if got.Badge != "first_drink" || got.Points != 5 {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if sink.Failures() != 0 {
		t.Fatalf("unexpected failures: %d", sink.Failures())
	}
}

func TestSinkSkipsUnlistedTypes(t *testing.T) {
	srv, calls := statusServer(t, http.StatusOK)
	sink := New([]string{srv.URL}, WithEventTypes(core.EventBadgeAwarded))

	sink.OnEvent(context.Background(), core.NewSessionEnded("u1", "s1"))
	if calls.Load() != 0 {
		t.Fatal("filtered event was delivered")
	}
}

func TestSinkRetriesServerErrors(t *testing.T) {
	srv, calls := statusServer(t, http.StatusServiceUnavailable, http.StatusOK)
	sink := New([]string{srv.URL})

	sink.OnEvent(context.Background(), awardEvent())
	if calls.Load() != 2 || sink.Failures() != 0 {
		t.Fatalf("calls=%d failures=%d", calls.Load(), sink.Failures())
	}
}

func TestSinkCountsFailures(t *testing.T) {
	t.Run("client error is not retried", func(t *testing.T) {
		srv, calls := statusServer(t, http.StatusBadRequest)
		sink := New([]string{srv.URL})
		sink.OnEvent(context.Background(), awardEvent())
		if calls.Load() != 1 || sink.Failures() != 1 {
			t.Fatalf("calls=%d failures=%d", calls.Load(), sink.Failures())
		}
	})
	t.Run("server error gives up after retries", func(t *testing.T) {
		srv, calls := statusServer(t, http.StatusBadGateway)
		sink := New([]string{srv.URL}, WithRetries(1))
		sink.OnEvent(context.Background(), awardEvent())
		if calls.Load() != 2 || sink.Failures() != 1 {
			t.Fatalf("calls=%d failures=%d", calls.Load(), sink.Failures())
		}
	})
}

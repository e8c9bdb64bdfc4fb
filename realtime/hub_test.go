package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"sipkit/core"
)

func awardEvent(user core.UserID, badge core.BadgeID) core.Event {
	return core.NewBadgeAwarded(
		core.UserBadge{UserID: user, BadgeID: badge, EarnedAt: time.Now().UTC()},
		core.Badge{ID: badge, Category: core.CategoryMilestone, Points: 10},
	)
}

func TestHubSubscribeBroadcastUnsubscribe(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe(1, nil)

	h.Broadcast(context.Background(), awardEvent("bob", "first_drink"))

	received := <-ch
	if received.UserID != "bob" || received.Type != core.EventBadgeAwarded {
		t.Fatalf("unexpected event: %+v", received)
	}

	h.Unsubscribe(id)
	_, ok := <-ch
	if ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", h.Subscribers())
	}
}

func TestHubFilters(t *testing.T) {
	h := NewHub()
	_, bobs := h.Subscribe(4, All(ForUser("bob"), OfTypes(core.EventBadgeAwarded)))

	h.Broadcast(context.Background(), awardEvent("alice", "first_drink"))
	h.Broadcast(context.Background(), core.NewSessionEnded("bob", "s1"))
	h.Broadcast(context.Background(), awardEvent("bob", "regular"))

	select {
	case ev := <-bobs:
		if ev.Badge != "regular" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected bob's award")
	}
	select {
	case ev := <-bobs:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	_, _ = h.Subscribe(1, nil)
	h.Broadcast(context.Background(), awardEvent("bob", "a"))
	h.Broadcast(context.Background(), awardEvent("bob", "b"))
	if h.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", h.Dropped())
	}
}

func TestMarshalJSON(t *testing.T) {
	b := MarshalJSON(awardEvent("alice", "session_king"))
	var out core.Event
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Badge != "session_king" || out.Points != 10 {
		t.Fatalf("unexpected event: %+v", out)
	}
}

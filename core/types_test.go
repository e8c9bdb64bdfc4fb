package core

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeUserID(t *testing.T) {
	id, err := NormalizeUserID(" Alice ")
	if err != nil || id != "alice" {
		t.Fatalf("got %v %v", id, err)
	}
	if _, err := NormalizeUserID("   "); err == nil {
		t.Fatalf("expected empty error")
	}
}

func TestValidateBadgeCode(t *testing.T) {
	if err := ValidateBadgeCode("session_king"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := ValidateBadgeCode("bad badge"); err == nil {
		t.Fatalf("expected invalid badge err")
	}
}

func TestSessionWindow(t *testing.T) {
	start := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	s := Session{ID: "s1", StartTime: start, EndTime: start.Add(4 * time.Hour)}

	from, to := s.Window(start.Add(time.Hour))
	if !from.Equal(start) || !to.Equal(start.Add(time.Hour)) {
		t.Fatalf("open session window = %v..%v", from, to)
	}
	_, to = s.Window(start.Add(10 * time.Hour))
	if !to.Equal(s.EndTime) {
		t.Fatalf("ended session window should clamp to end, got %v", to)
	}
	if s.Ended(start.Add(4 * time.Hour)) {
		t.Fatal("session is not ended exactly at end_time")
	}
	if !s.Ended(start.Add(4*time.Hour + time.Second)) {
		t.Fatal("session should be ended after end_time")
	}
}

func TestValidateProfile(t *testing.T) {
	if err := ValidateProfile(Profile{ID: "u", WeightKg: 75, Gender: GenderMale, Age: 30}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	err := ValidateProfile(Profile{ID: "u", WeightKg: 0, Gender: GenderMale})
	if !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile, got %v", err)
	}
	err = ValidateProfile(Profile{ID: "u", WeightKg: 60, Gender: "other"})
	if !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile for gender, got %v", err)
	}
}

func TestValidateSessionOrdering(t *testing.T) {
	now := time.Now()
	if err := ValidateSession(Session{ID: "s", StartTime: now, EndTime: now.Add(time.Hour)}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := ValidateSession(Session{ID: "s", StartTime: now, EndTime: now.Add(-time.Hour)}); err == nil {
		t.Fatal("expected error for end before start")
	}
}

func TestValidateDrink(t *testing.T) {
	d := DrinkEntry{UserID: "u", SessionID: "s", VolumeMl: 330, AlcoholPercentage: 4.7, ConsumedAt: time.Now()}
	if err := ValidateDrink(d); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	d.AlcoholPercentage = 120
	if err := ValidateDrink(d); err == nil {
		t.Fatal("expected error for percentage > 100")
	}
	d.AlcoholPercentage = 5
	d.SessionID = ""
	if err := ValidateDrink(d); err == nil {
		t.Fatal("expected error for missing session")
	}
}

func TestPersistenceWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := Persistence("award", cause)
	if !IsPersistence(err) || !errors.Is(err, cause) {
		t.Fatalf("wrapping lost information: %v", err)
	}
	if again := Persistence("other", err); again != err {
		t.Fatal("persistence errors should not be double wrapped")
	}
	if Persistence("noop", nil) != nil {
		t.Fatal("nil should stay nil")
	}
}

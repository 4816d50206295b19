package auth

import (
	"testing"
	"time"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewSessionStore(time.Hour)

	token, err := s.Create("alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	username, ok := s.Validate(token)
	if !ok || username != "alice" {
		t.Fatalf("Validate = %q %v, want alice true", username, ok)
	}

	if !s.Destroy(token) {
		t.Fatal("Destroy returned false for live session")
	}
	if _, ok := s.Validate(token); ok {
		t.Fatal("destroyed session still validates")
	}
}

func TestValidateUnknownToken(t *testing.T) {
	s := NewSessionStore(time.Hour)
	if _, ok := s.Validate("no-such-token"); ok {
		t.Fatal("unknown token validated")
	}
	if _, ok := s.Validate(""); ok {
		t.Fatal("empty token validated")
	}
}

func TestSlidingExpiry(t *testing.T) {
	s := NewSessionStore(time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	token, err := s.Create("alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Each validation inside the window pushes expiry another hour out.
	for i := 0; i < 5; i++ {
		now = now.Add(50 * time.Minute)
		if _, ok := s.Validate(token); !ok {
			t.Fatalf("session expired after %d accesses within the window", i+1)
		}
	}

	// Silence past the timeout ends the session.
	now = now.Add(61 * time.Minute)
	if _, ok := s.Validate(token); ok {
		t.Fatal("session validated past its expiry")
	}
	if s.Len() != 0 {
		t.Fatalf("expired session not deleted, Len = %d", s.Len())
	}
}

func TestCreateSweepsExpired(t *testing.T) {
	s := NewSessionStore(time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	if _, err := s.Create("stale"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := s.Create("fresh"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after sweep", s.Len())
	}
}

package sessions

import (
	"testing"
	"time"
)

func TestStore_RoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Get("claude"); ok {
		t.Error("Get on empty store should miss")
	}

	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	if err := s.Set("claude", "s-1", now); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get("claude")
	if !ok || got != "s-1" {
		t.Errorf("Get = (%q, %v), want (s-1, true)", got, ok)
	}

	// Last write wins.
	if err := s.Set("claude", "s-2", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get("claude"); got != "s-2" {
		t.Errorf("Get = %q, want s-2", got)
	}

	if err := s.Delete("claude"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("claude"); ok {
		t.Error("Get after Delete should miss")
	}
	// Deleting again is fine.
	if err := s.Delete("claude"); err != nil {
		t.Errorf("second Delete = %v", err)
	}
}

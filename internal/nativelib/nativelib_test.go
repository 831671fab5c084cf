package nativelib

import "testing"

func TestAcquireIsIdempotent(t *testing.T) {
	s := &Session{}
	if err := s.Acquire("localhost", 5053); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := s.Acquire("localhost", 5053); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if !s.IsAcquired() {
		t.Fatal("expected session to report acquired")
	}
}

func TestResetRequiresAcquire(t *testing.T) {
	s := &Session{}
	if err := s.Reset(); err == nil {
		t.Fatal("expected Reset on an unacquired session to error")
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	s := &Session{}
	s.Acquire("localhost", 5053)
	if err := s.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if s.IsAcquired() {
		t.Fatal("expected session to report released")
	}
	if err := s.Acquire("localhost", 5053); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
}

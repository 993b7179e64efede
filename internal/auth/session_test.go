package auth

import (
	"testing"
	"time"
)

func TestSessionHappyPath(t *testing.T) {
	s := NewSession()
	if s.State() != StateConnected {
		t.Fatalf("initial state: %v", s.State())
	}
	if err := s.Begin(time.Second); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if s.State() != StateAwaitingAuth {
		t.Fatalf("after begin: %v", s.State())
	}
	if s.Deadline().IsZero() {
		t.Fatal("deadline not armed")
	}
	if err := s.Succeed(); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	if !s.Authenticated() {
		t.Fatal("should be authenticated")
	}
	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("after close: %v", s.State())
	}
}

func TestSessionInvalidTransitions(t *testing.T) {
	s := NewSession()
	if err := s.Succeed(); err != ErrBadTransition {
		t.Fatalf("succeed before begin: %v", err)
	}
	if err := s.Begin(time.Second); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Begin(time.Second); err != ErrBadTransition {
		t.Fatalf("double begin: %v", err)
	}
	s.Close()
	if err := s.Succeed(); err != ErrBadTransition {
		t.Fatalf("succeed after close: %v", err)
	}
	// Closing twice is a no-op.
	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("state after double close: %v", s.State())
	}
}

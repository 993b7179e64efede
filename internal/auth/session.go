package auth

import (
	"errors"
	"sync"
	"time"
)

// State of one connection's authentication lifecycle.
type State int

const (
	StateConnected State = iota
	StateAwaitingAuth
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

var ErrBadTransition = errors.New("invalid auth state transition")

// DefaultTimeout is the window a connection has to present credentials
// after establishment.
const DefaultTimeout = 30 * time.Second

// Session tracks one connection through
// Connected -> AwaitingAuth -> Authenticated | Closed. Authenticated and
// Closed are terminal; the deadline is fixed at Begin and is not a retry
// window.
type Session struct {
	mu       sync.Mutex
	state    State
	deadline time.Time
}

func NewSession() *Session {
	return &Session{state: StateConnected}
}

// Begin enters AwaitingAuth and arms the deadline.
func (s *Session) Begin(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return ErrBadTransition
	}
	s.state = StateAwaitingAuth
	s.deadline = time.Now().Add(timeout)
	return nil
}

// Deadline returns the auth deadline; zero until Begin.
func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// Succeed marks the session authenticated.
func (s *Session) Succeed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingAuth {
		return ErrBadTransition
	}
	s.state = StateAuthenticated
	return nil
}

// Close moves to the terminal Closed state. Closing twice is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authenticated reports whether the session reached the authenticated state
// before closing.
func (s *Session) Authenticated() bool {
	return s.State() == StateAuthenticated
}

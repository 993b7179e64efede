// Package gate decides whether a new transport connection from a source
// address may proceed to authentication.
package gate

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	defaultMaxAttempts = 20
	defaultWindow      = 15 * time.Minute
	defaultMaxConns    = 10
)

// ErrAdmissionRejected is the parent of both rejection reasons; callers that
// do not care which limit tripped match on it with errors.Is.
var ErrAdmissionRejected = errors.New("admission rejected")

var (
	ErrRateLimited        = fmt.Errorf("%w: too many connection attempts from source", ErrAdmissionRejected)
	ErrTooManyConnections = fmt.Errorf("%w: too many open connections from source", ErrAdmissionRejected)
)

type Options struct {
	// MaxAttempts caps admission attempts per source within Window.
	MaxAttempts int
	Window      time.Duration
	// MaxConns caps concurrently open connections per source.
	MaxConns int
}

type Gate struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	open     map[string]int
	opts     Options
	now      func() time.Time
}

func New(opts Options) *Gate {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = defaultMaxConns
	}
	return &Gate{
		attempts: make(map[string][]time.Time),
		open:     make(map[string]int),
		opts:     opts,
		now:      time.Now,
	}
}

// Admit records an admission attempt for source and returns nil if the
// connection may proceed. Rejected attempts still count toward the window, so
// a retry storm cannot reset it. On success the source holds one open slot
// until Release.
func (g *Gate) Admit(source string) error {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	recent := prune(g.attempts[source], now.Add(-g.opts.Window))
	full := len(recent) >= g.opts.MaxAttempts
	g.attempts[source] = append(recent, now)
	if full {
		return ErrRateLimited
	}
	if g.open[source] >= g.opts.MaxConns {
		return ErrTooManyConnections
	}
	g.open[source]++
	return nil
}

// Release returns an open slot for source. Call exactly once per admitted
// connection when it closes.
func (g *Gate) Release(source string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open[source] <= 1 {
		delete(g.open, source)
		return
	}
	g.open[source]--
}

// OpenConns reports the open connection count for source.
func (g *Gate) OpenConns(source string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open[source]
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

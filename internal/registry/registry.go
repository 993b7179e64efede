// Package registry maps node identities to their single live connection.
// It is the source of truth for "is this node reachable right now"; other
// components must consult it instead of caching connection handles.
package registry

import (
	"errors"
	"sync"
	"time"

	"gridstore/internal/wire"
)

// ErrSendBufferFull is returned by a Link whose outbound queue is full. The
// connection is still live; the node is backlogged, not gone.
var ErrSendBufferFull = errors.New("send buffer full")

// Liveness states for a registered connection.
type Liveness int

const (
	Alive Liveness = iota
	Suspected
	Dead
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Suspected:
		return "suspected"
	default:
		return "dead"
	}
}

// Link is the write side of a live node connection, owned by the hub.
type Link interface {
	// SendControl queues a JSON control message for delivery.
	SendControl(data []byte) error
	// SendBinary queues a framed binary message for delivery.
	SendBinary(data []byte) error
	// Shut closes the underlying transport with a close code and reason.
	Shut(code int, reason string)
}

type entry struct {
	link        Link
	connectedAt time.Time
	lastLive    time.Time
	liveness    Liveness
}

type Registry struct {
	mu    sync.Mutex
	conns map[string]*entry
	now   func() time.Time
}

func New() *Registry {
	return &Registry{conns: make(map[string]*entry), now: time.Now}
}

// Register installs link as the connection for nodeID. An existing
// connection for the same identity is closed with a superseded close code;
// a node process only ever runs one agent, so last writer wins with no
// grace period. The superseded link, if any, is returned.
//
// The new link is installed before Shut runs, and Shut runs outside the
// registry lock: Link.Shut may block on transport writes or call back into
// the registry without stalling Lookup/Touch on other connections.
func (r *Registry) Register(nodeID string, link Link) Link {
	now := r.now()
	r.mu.Lock()
	var superseded Link
	if old, ok := r.conns[nodeID]; ok {
		superseded = old.link
	}
	r.conns[nodeID] = &entry{link: link, connectedAt: now, lastLive: now, liveness: Alive}
	r.mu.Unlock()
	if superseded != nil {
		superseded.Shut(wire.CloseSuperseded, "superseded by new connection")
	}
	return superseded
}

// Lookup returns the live connection for nodeID, if any.
func (r *Registry) Lookup(nodeID string) (Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[nodeID]
	if !ok {
		return nil, false
	}
	return e.link, true
}

// Unregister removes nodeID if link is still the registered connection.
// The link guard keeps a superseded connection's teardown from evicting its
// replacement. Unregistering an absent identity is a no-op. Reports whether
// an entry was removed.
func (r *Registry) Unregister(nodeID string, link Link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[nodeID]
	if !ok || e.link != link {
		return false
	}
	delete(r.conns, nodeID)
	return true
}

// Has reports whether nodeID currently has a live connection.
func (r *Registry) Has(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[nodeID]
	return ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Touch records a liveness confirmation for nodeID and resets it to Alive.
func (r *Registry) Touch(nodeID string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[nodeID]; ok {
		e.lastLive = now
		e.liveness = Alive
	}
}

// Suspect marks nodeID as missing heartbeat confirmations.
func (r *Registry) Suspect(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[nodeID]; ok && e.liveness == Alive {
		e.liveness = Suspected
	}
}

// LivenessOf returns the liveness state for nodeID; Dead if not registered.
func (r *Registry) LivenessOf(nodeID string) Liveness {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[nodeID]; ok {
		return e.liveness
	}
	return Dead
}

// LastLive returns the most recent liveness confirmation for nodeID.
func (r *Registry) LastLive(nodeID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[nodeID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastLive, true
}

// ConnectedSince returns when the current connection for nodeID was
// registered.
func (r *Registry) ConnectedSince(nodeID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[nodeID]
	if !ok {
		return time.Time{}, false
	}
	return e.connectedAt, true
}

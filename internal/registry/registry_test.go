package registry

import (
	"sync"
	"testing"

	"gridstore/internal/wire"
)

type fakeLink struct {
	mu     sync.Mutex
	code   int
	reason string
	shut   bool
}

func (f *fakeLink) SendControl([]byte) error { return nil }
func (f *fakeLink) SendBinary([]byte) error  { return nil }
func (f *fakeLink) Shut(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shut = true
	f.code = code
	f.reason = reason
}

func (f *fakeLink) closed() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shut, f.code, f.reason
}

func TestRegisterLookup(t *testing.T) {
	r := New()
	l := &fakeLink{}
	if got := r.Register("n1", l); got != nil {
		t.Fatalf("unexpected superseded link on first register")
	}
	got, ok := r.Lookup("n1")
	if !ok || got != Link(l) {
		t.Fatalf("lookup failed after register")
	}
	if !r.Has("n1") || r.Count() != 1 {
		t.Fatalf("Has/Count inconsistent")
	}
}

func TestSupersession(t *testing.T) {
	r := New()
	first := &fakeLink{}
	second := &fakeLink{}
	r.Register("n1", first)
	old := r.Register("n1", second)
	if old != Link(first) {
		t.Fatalf("expected first link returned as superseded")
	}
	shut, code, reason := first.closed()
	if !shut {
		t.Fatal("superseded link was not closed")
	}
	if code != wire.CloseSuperseded {
		t.Fatalf("close code: got %d want %d", code, wire.CloseSuperseded)
	}
	if reason != "superseded by new connection" {
		t.Fatalf("close reason: got %q", reason)
	}
	got, ok := r.Lookup("n1")
	if !ok || got != Link(second) {
		t.Fatal("lookup should return the new link")
	}
}

// reentrantLink reads the registry from inside Shut, the way a transport
// hook might. Register must not hold the lock across Shut.
type reentrantLink struct {
	reg            *Registry
	shutCalled     bool
	sawReplacement Link
}

func (l *reentrantLink) SendControl([]byte) error { return nil }
func (l *reentrantLink) SendBinary([]byte) error  { return nil }
func (l *reentrantLink) Shut(int, string) {
	l.shutCalled = true
	l.sawReplacement, _ = l.reg.Lookup("n1")
}

func TestSupersededShutRunsOutsideLock(t *testing.T) {
	r := New()
	first := &reentrantLink{reg: r}
	second := &fakeLink{}
	r.Register("n1", first)
	r.Register("n1", second)
	if !first.shutCalled {
		t.Fatal("superseded link was not shut")
	}
	if first.sawReplacement != Link(second) {
		t.Fatal("replacement should be installed before the old link is shut")
	}
}

func TestUnregisterGuard(t *testing.T) {
	r := New()
	first := &fakeLink{}
	second := &fakeLink{}
	r.Register("n1", first)
	r.Register("n1", second)
	// The superseded connection's teardown must not evict its replacement.
	if r.Unregister("n1", first) {
		t.Fatal("unregister with stale link should be a no-op")
	}
	if !r.Has("n1") {
		t.Fatal("new link was evicted by stale unregister")
	}
	if !r.Unregister("n1", second) {
		t.Fatal("unregister with current link should succeed")
	}
	if r.Has("n1") {
		t.Fatal("entry should be gone")
	}
	// Unregistering an absent identity is a no-op.
	if r.Unregister("n1", second) {
		t.Fatal("second unregister should be a no-op")
	}
}

func TestLiveness(t *testing.T) {
	r := New()
	l := &fakeLink{}
	if r.LivenessOf("n1") != Dead {
		t.Fatal("unregistered node should be Dead")
	}
	r.Register("n1", l)
	if r.LivenessOf("n1") != Alive {
		t.Fatal("fresh registration should be Alive")
	}
	r.Suspect("n1")
	if r.LivenessOf("n1") != Suspected {
		t.Fatal("expected Suspected")
	}
	r.Touch("n1")
	if r.LivenessOf("n1") != Alive {
		t.Fatal("touch should restore Alive")
	}
	last, ok := r.LastLive("n1")
	if !ok || last.IsZero() {
		t.Fatal("LastLive should be set")
	}
	if _, ok := r.ConnectedSince("n1"); !ok {
		t.Fatal("ConnectedSince should be set")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := &fakeLink{}
			for j := 0; j < 200; j++ {
				r.Register("n1", l)
				r.Lookup("n1")
				r.Touch("n1")
				r.Unregister("n1", l)
			}
		}()
	}
	wg.Wait()
}

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gridstore/internal/metrics"
	"gridstore/internal/registry"
	"gridstore/internal/wire"
)

type fakeLink struct {
	mu      sync.Mutex
	control [][]byte
	binary  [][]byte
	sendErr error
}

func (f *fakeLink) SendControl(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.control = append(f.control, data)
	return nil
}

func (f *fakeLink) SendBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.binary = append(f.binary, data)
	return nil
}

func (f *fakeLink) Shut(int, string) {}

func (f *fakeLink) lastControl() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.control) == 0 {
		return nil, false
	}
	return f.control[len(f.control)-1], true
}

func newTestBroker(t *testing.T) (*Broker, *fakeLink) {
	t.Helper()
	reg := registry.New()
	link := &fakeLink{}
	reg.Register("n1", link)
	return New(reg, metrics.New(), zerolog.Nop()), link
}

// waitCommandID polls for the last command written to link and returns its
// correlation id. Safe to call off the test goroutine.
func waitCommandID(link *fakeLink) (string, bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, ok := link.lastControl(); ok {
			var cmd wire.Command
			if json.Unmarshal(data, &cmd) == nil && cmd.CommandID != "" {
				return cmd.CommandID, true
			}
		}
		time.Sleep(time.Millisecond)
	}
	return "", false
}

func sentCommandID(t *testing.T, link *fakeLink) string {
	t.Helper()
	id, ok := waitCommandID(link)
	if !ok {
		t.Fatal("no command sent")
	}
	return id
}

func TestCommandIDsPairwiseDistinct(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := newCommandID()
		if len(id) < 16 {
			t.Fatalf("id too short: %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("collision after %d ids: %s", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestSendResolves(t *testing.T) {
	b, link := newTestBroker(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		id, ok := waitCommandID(link)
		if !ok {
			return
		}
		if !b.Resolve(id, Response{Result: wire.CommandResult{CommandID: id, Success: true, StorageDelta: 42}}) {
			t.Error("resolve should find the pending command")
		}
	}()
	resp, err := b.Send(context.Background(), "n1", wire.Command{CommandType: wire.CmdDeleteChunk, ChunkID: "c"}, SendOptions{})
	<-done
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.Result.Success || resp.Result.StorageDelta != 42 {
		t.Fatalf("unexpected response: %+v", resp.Result)
	}
	if b.PendingCount() != 0 {
		t.Fatalf("pending not drained: %d", b.PendingCount())
	}
}

func TestSendNodeNotConnected(t *testing.T) {
	b, _ := newTestBroker(t)
	_, err := b.Send(context.Background(), "absent", wire.Command{CommandType: wire.CmdGetChunk}, SendOptions{})
	if !errors.Is(err, ErrNodeNotConnected) {
		t.Fatalf("got %v, want ErrNodeNotConnected", err)
	}
}

func TestSendLinkFailure(t *testing.T) {
	b, link := newTestBroker(t)
	link.sendErr = fmt.Errorf("socket gone")
	_, err := b.Send(context.Background(), "n1", wire.Command{CommandType: wire.CmdGetChunk}, SendOptions{})
	if !errors.Is(err, ErrNodeNotConnected) {
		t.Fatalf("got %v, want ErrNodeNotConnected", err)
	}
	if b.PendingCount() != 0 {
		t.Fatal("failed send left a pending entry")
	}
}

func TestSendBacklogDistinctFromDisconnect(t *testing.T) {
	b, link := newTestBroker(t)
	link.sendErr = registry.ErrSendBufferFull
	_, err := b.Send(context.Background(), "n1", wire.Command{CommandType: wire.CmdGetChunk}, SendOptions{})
	if !errors.Is(err, ErrNodeBusy) {
		t.Fatalf("got %v, want ErrNodeBusy", err)
	}
	if errors.Is(err, ErrNodeNotConnected) {
		t.Fatal("a backlogged node is not disconnected")
	}
	if b.PendingCount() != 0 {
		t.Fatal("failed send left a pending entry")
	}
}

func TestTimeoutRemovesPendingAndLateResponseIsNoOp(t *testing.T) {
	b, link := newTestBroker(t)
	start := time.Now()
	_, err := b.Send(context.Background(), "n1", wire.Command{CommandType: wire.CmdGetChunk}, SendOptions{Timeout: 80 * time.Millisecond})
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("got %v, want ErrCommandTimeout", err)
	}
	if time.Since(start) < 80*time.Millisecond {
		t.Fatal("timed out before the deadline")
	}
	if b.PendingCount() != 0 {
		t.Fatal("timeout did not remove the pending entry")
	}
	id := sentCommandID(t, link)
	if b.Resolve(id, Response{Result: wire.CommandResult{CommandID: id, Success: true}}) {
		t.Fatal("late response should be a no-op")
	}
}

func TestDuplicateResolveIsNoOp(t *testing.T) {
	b, _ := newTestBroker(t)
	id, ch := b.addPending()
	if !b.Resolve(id, Response{Result: wire.CommandResult{CommandID: id, Success: true}}) {
		t.Fatal("first resolve should succeed")
	}
	if b.Resolve(id, Response{Result: wire.CommandResult{CommandID: id, Success: true}}) {
		t.Fatal("second resolve should be a no-op")
	}
	<-ch
}

func TestSendWithPayloadEmitsBinaryFrame(t *testing.T) {
	b, link := newTestBroker(t)
	payload := bytes.Repeat([]byte{7}, 1024)
	go func() {
		if id, ok := waitCommandID(link); ok {
			b.Resolve(id, Response{Result: wire.CommandResult{CommandID: id, Success: true}})
		}
	}()
	if _, err := b.Send(context.Background(), "n1", wire.Command{CommandType: wire.CmdStoreChunk, ChunkID: "c1", DataSize: int64(len(payload))}, SendOptions{Payload: payload}); err != nil {
		t.Fatalf("send: %v", err)
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	if len(link.binary) != 1 {
		t.Fatalf("binary frames sent: %d", len(link.binary))
	}
	hdr, got, err := wire.DecodeBinary(link.binary[0])
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	if hdr.ChunkID != "c1" || hdr.DataSize != int64(len(payload)) {
		t.Fatalf("frame header: %+v", hdr)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestContextCancel(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := b.Send(ctx, "n1", wire.Command{CommandType: wire.CmdGetChunk}, SendOptions{NoTimeout: true})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if b.PendingCount() != 0 {
		t.Fatal("cancel did not remove the pending entry")
	}
}

func frameFor(id string, index, total int, part []byte) (wire.BinaryHeader, []byte) {
	return wire.BinaryHeader{
		CommandID:   id,
		Success:     true,
		FrameNumber: index,
		TotalFrames: total,
	}, part
}

func TestReassemblyOrderIndependent(t *testing.T) {
	b, _ := newTestBroker(t)
	parts := [][]byte{
		[]byte("alpha-"), []byte("bravo-"), []byte("charlie-"), []byte("delta-"), []byte("echo"),
	}
	want := bytes.Join(parts, nil)

	forward, fch := b.addPending()
	for i := 0; i < 5; i++ {
		hdr, part := frameFor(forward, i+1, 5, parts[i])
		b.HandleBinary(hdr, part)
	}
	got := <-fch
	if got.Err != nil || !bytes.Equal(got.Payload, want) {
		t.Fatalf("forward order: err=%v payload=%q", got.Err, got.Payload)
	}

	reverse, rch := b.addPending()
	for i := 4; i >= 0; i-- {
		hdr, part := frameFor(reverse, i+1, 5, parts[i])
		b.HandleBinary(hdr, part)
	}
	rgot := <-rch
	if rgot.Err != nil {
		t.Fatalf("reverse order: %v", rgot.Err)
	}
	if !bytes.Equal(rgot.Payload, got.Payload) {
		t.Fatalf("reverse order result differs: %q vs %q", rgot.Payload, got.Payload)
	}
}

func TestDuplicateFrameDoesNotDoubleCount(t *testing.T) {
	b, _ := newTestBroker(t)
	id, ch := b.addPending()

	hdr1, p1 := frameFor(id, 1, 3, []byte("one-"))
	b.HandleBinary(hdr1, p1)
	// Duplicate of frame 1 with different bytes: first write wins, and it
	// must not count toward completion.
	hdrDup, pDup := frameFor(id, 1, 3, []byte("DUP-"))
	b.HandleBinary(hdrDup, pDup)
	hdr2, p2 := frameFor(id, 2, 3, []byte("two-"))
	b.HandleBinary(hdr2, p2)

	select {
	case <-ch:
		t.Fatal("completed with a missing frame")
	case <-time.After(50 * time.Millisecond):
	}

	hdr3, p3 := frameFor(id, 3, 3, []byte("three"))
	b.HandleBinary(hdr3, p3)
	got := <-ch
	if got.Err != nil {
		t.Fatalf("reassembly: %v", got.Err)
	}
	if string(got.Payload) != "one-two-three" {
		t.Fatalf("payload corrupted by duplicate: %q", got.Payload)
	}
}

func TestFrameIndexOutOfRange(t *testing.T) {
	b, _ := newTestBroker(t)
	id, ch := b.addPending()
	hdr, p := frameFor(id, 4, 3, []byte("x"))
	b.HandleBinary(hdr, p)
	got := <-ch
	if !errors.Is(got.Err, ErrReassembly) {
		t.Fatalf("got %v, want ErrReassembly", got.Err)
	}
}

func TestSingleFrameBypassesBuffering(t *testing.T) {
	b, _ := newTestBroker(t)
	id, ch := b.addPending()
	b.HandleBinary(wire.BinaryHeader{CommandID: id, Success: true, ChunkID: "c"}, []byte("whole"))
	got := <-ch
	if got.Err != nil || string(got.Payload) != "whole" || !got.Result.Success {
		t.Fatalf("single frame result: %+v payload=%q", got.Result, got.Payload)
	}
	b.mu.Lock()
	buffered := len(b.buffers)
	b.mu.Unlock()
	if buffered != 0 {
		t.Fatal("single-frame result left a buffer behind")
	}
}

func TestBinaryErrorResultResolvesFailure(t *testing.T) {
	b, _ := newTestBroker(t)
	id, ch := b.addPending()
	b.HandleBinary(wire.BinaryHeader{CommandID: id, Success: false, Error: "chunk not found"}, nil)
	got := <-ch
	if got.Err != nil {
		t.Fatalf("unexpected broker error: %v", got.Err)
	}
	if got.Result.Success || got.Result.Error != "chunk not found" {
		t.Fatalf("result: %+v", got.Result)
	}
}

func TestFrameForUnknownCommandDropped(t *testing.T) {
	b, _ := newTestBroker(t)
	hdr, p := frameFor("no-such-id", 1, 2, []byte("x"))
	b.HandleBinary(hdr, p)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buffers) != 0 {
		t.Fatal("unknown-command frame allocated a buffer")
	}
}

func TestConcurrentSendsIndependent(t *testing.T) {
	reg := registry.New()
	link := &fakeLink{}
	reg.Register("n1", link)
	b := New(reg, metrics.New(), zerolog.Nop())

	const n = 32
	var wg sync.WaitGroup
	resolved := make(chan string, n)
	go func() {
		seen := make(map[string]bool)
		deadline := time.Now().Add(5 * time.Second)
		for len(seen) < n && time.Now().Before(deadline) {
			link.mu.Lock()
			msgs := append([][]byte(nil), link.control...)
			link.mu.Unlock()
			for _, data := range msgs {
				var cmd wire.Command
				if json.Unmarshal(data, &cmd) == nil && !seen[cmd.CommandID] {
					seen[cmd.CommandID] = true
					b.Resolve(cmd.CommandID, Response{Result: wire.CommandResult{CommandID: cmd.CommandID, Success: true}})
					resolved <- cmd.CommandID
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Send(context.Background(), "n1", wire.Command{CommandType: wire.CmdGetChunk}, SendOptions{Timeout: 5 * time.Second}); err != nil {
				t.Errorf("send: %v", err)
			}
		}()
	}
	wg.Wait()
	if b.PendingCount() != 0 {
		t.Fatalf("pending leak: %d", b.PendingCount())
	}
}

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCredentialLookup(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, err := m.Credential(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.CreateNode(ctx, NodeRecord{NodeID: "n1", TokenHash: []byte("hash")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	hash, err := m.Credential(ctx, "n1")
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if string(hash) != "hash" {
		t.Fatalf("hash mismatch: %q", hash)
	}
	if err := m.CreateNode(ctx, NodeRecord{NodeID: "n1"}); err == nil {
		t.Fatal("duplicate create should fail")
	}
}

// Absolute status overwrites and relative usage increments are distinct
// update paths and must not be conflated.
func TestStatusOverwriteVsUsageIncrement(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.CreateNode(ctx, NodeRecord{NodeID: "n1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.SetStatus(ctx, "n1", 500, 10000, 3); err != nil {
		t.Fatalf("set status: %v", err)
	}
	rec, err := m.Node(ctx, "n1")
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	if rec.UsedSpaceBytes != 500 || rec.MaxSpaceBytes != 10000 || rec.CurrentChunkCount != 3 {
		t.Fatalf("after overwrite: %+v", rec)
	}

	if err := m.AddUsage(ctx, "n1", 100, 1); err != nil {
		t.Fatalf("add usage: %v", err)
	}
	rec, _ = m.Node(ctx, "n1")
	if rec.UsedSpaceBytes != 600 || rec.CurrentChunkCount != 4 {
		t.Fatalf("after increment: used=%d chunks=%d", rec.UsedSpaceBytes, rec.CurrentChunkCount)
	}

	// A later absolute report resets whatever the increments accumulated.
	if err := m.SetStatus(ctx, "n1", 500, 10000, 3); err != nil {
		t.Fatalf("set status: %v", err)
	}
	rec, _ = m.Node(ctx, "n1")
	if rec.UsedSpaceBytes != 500 {
		t.Fatalf("overwrite should be absolute, got %d", rec.UsedSpaceBytes)
	}
}

func TestConcurrentIncrementsAccumulate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.CreateNode(ctx, NodeRecord{NodeID: "n1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.AddUsage(ctx, "n1", 10, 1)
		}()
	}
	wg.Wait()
	rec, _ := m.Node(ctx, "n1")
	if rec.UsedSpaceBytes != 500 || rec.CurrentChunkCount != 50 {
		t.Fatalf("increments lost: used=%d chunks=%d", rec.UsedSpaceBytes, rec.CurrentChunkCount)
	}
}

func TestOnlineFlag(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.CreateNode(ctx, NodeRecord{NodeID: "n1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	at := time.Unix(1700000000, 0).UTC()
	if err := m.SetOnline(ctx, "n1", true, at); err != nil {
		t.Fatalf("set online: %v", err)
	}
	rec, _ := m.Node(ctx, "n1")
	if !rec.Online || !rec.LastSeen.Equal(at) {
		t.Fatalf("after online: %+v", rec)
	}
	if err := m.SetOnline(ctx, "missing", true, at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and single-binary setups.
type Memory struct {
	mu    sync.Mutex
	nodes map[string]NodeRecord
}

func NewMemory() *Memory {
	return &Memory{nodes: make(map[string]NodeRecord)}
}

func (m *Memory) CreateNode(_ context.Context, rec NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[rec.NodeID]; ok {
		return fmt.Errorf("node %s already exists", rec.NodeID)
	}
	m.nodes[rec.NodeID] = rec
	return nil
}

func (m *Memory) Credential(_ context.Context, nodeID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	hash := make([]byte, len(rec.TokenHash))
	copy(hash, rec.TokenHash)
	return hash, nil
}

func (m *Memory) Node(_ context.Context, nodeID string) (NodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[nodeID]
	if !ok {
		return NodeRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) SetOnline(_ context.Context, nodeID string, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	rec.Online = online
	rec.LastSeen = at
	m.nodes[nodeID] = rec
	return nil
}

func (m *Memory) SetStatus(_ context.Context, nodeID string, used, max, chunks int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	rec.UsedSpaceBytes = used
	rec.MaxSpaceBytes = max
	rec.CurrentChunkCount = chunks
	m.nodes[nodeID] = rec
	return nil
}

func (m *Memory) AddUsage(_ context.Context, nodeID string, storageDelta, chunkDelta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	rec.UsedSpaceBytes += storageDelta
	rec.CurrentChunkCount += chunkDelta
	m.nodes[nodeID] = rec
	return nil
}

// Package store persists node credentials and status. The control plane
// treats it as an external collaborator: lookup by identity, status field
// updates, and atomic usage increments are the whole contract.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("node not found")

// NodeRecord is one node's persisted row. TokenHash is the bcrypt hash of
// the node's secret token; the plaintext is never stored.
type NodeRecord struct {
	NodeID            string
	TokenHash         []byte
	Online            bool
	LastSeen          time.Time
	UsedSpaceBytes    int64
	MaxSpaceBytes     int64
	CurrentChunkCount int64
}

type Store interface {
	// CreateNode inserts a new node record.
	CreateNode(ctx context.Context, rec NodeRecord) error
	// Credential returns the stored token hash for nodeID, or ErrNotFound.
	Credential(ctx context.Context, nodeID string) ([]byte, error)
	// Node returns the full record for nodeID, or ErrNotFound.
	Node(ctx context.Context, nodeID string) (NodeRecord, error)
	// SetOnline flips the online flag and records the last-seen time.
	SetOnline(ctx context.Context, nodeID string, online bool, at time.Time) error
	// SetStatus overwrites the reported status fields with absolute values.
	SetStatus(ctx context.Context, nodeID string, used, max, chunks int64) error
	// AddUsage applies relative increments to used space and chunk count.
	// Concurrent increments against the same node must accumulate; this is
	// an atomic read-modify-write, never an overwrite.
	AddUsage(ctx context.Context, nodeID string, storageDelta, chunkDelta int64) error
}

package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	node_id    TEXT PRIMARY KEY,
	token_hash BLOB NOT NULL,
	online     INTEGER NOT NULL DEFAULT 0,
	last_seen  INTEGER NOT NULL DEFAULT 0,
	used_space INTEGER NOT NULL DEFAULT 0,
	max_space  INTEGER NOT NULL DEFAULT 0,
	chunks     INTEGER NOT NULL DEFAULT 0
);`

// SQLite is the durable Store implementation.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time keeps the increment statements serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateNode(ctx context.Context, rec NodeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (node_id, token_hash, online, last_seen, used_space, max_space, chunks)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.NodeID, rec.TokenHash, boolInt(rec.Online), rec.LastSeen.Unix(),
		rec.UsedSpaceBytes, rec.MaxSpaceBytes, rec.CurrentChunkCount)
	return err
}

func (s *SQLite) Credential(ctx context.Context, nodeID string) ([]byte, error) {
	var hash []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT token_hash FROM nodes WHERE node_id = ?`, nodeID).Scan(&hash)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return hash, nil
}

func (s *SQLite) Node(ctx context.Context, nodeID string) (NodeRecord, error) {
	var rec NodeRecord
	var online int
	var lastSeen int64
	err := s.db.QueryRowContext(ctx,
		`SELECT node_id, token_hash, online, last_seen, used_space, max_space, chunks
		 FROM nodes WHERE node_id = ?`, nodeID).
		Scan(&rec.NodeID, &rec.TokenHash, &online, &lastSeen,
			&rec.UsedSpaceBytes, &rec.MaxSpaceBytes, &rec.CurrentChunkCount)
	if err == sql.ErrNoRows {
		return NodeRecord{}, ErrNotFound
	}
	if err != nil {
		return NodeRecord{}, err
	}
	rec.Online = online != 0
	if lastSeen > 0 {
		rec.LastSeen = time.Unix(lastSeen, 0).UTC()
	}
	return rec, nil
}

func (s *SQLite) SetOnline(ctx context.Context, nodeID string, online bool, at time.Time) error {
	return s.exec(ctx,
		`UPDATE nodes SET online = ?, last_seen = ? WHERE node_id = ?`,
		boolInt(online), at.Unix(), nodeID)
}

func (s *SQLite) SetStatus(ctx context.Context, nodeID string, used, max, chunks int64) error {
	return s.exec(ctx,
		`UPDATE nodes SET used_space = ?, max_space = ?, chunks = ? WHERE node_id = ?`,
		used, max, chunks, nodeID)
}

func (s *SQLite) AddUsage(ctx context.Context, nodeID string, storageDelta, chunkDelta int64) error {
	return s.exec(ctx,
		`UPDATE nodes SET used_space = used_space + ?, chunks = chunks + ? WHERE node_id = ?`,
		storageDelta, chunkDelta, nodeID)
}

func (s *SQLite) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package sqlite implements storage.Gateway over a pure-Go SQLite driver
// (modernc.org/sqlite, no CGo), chosen over mattn/go-sqlite3 so SentinelFS
// keeps the teacher's trivially-cross-compiled binary story.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentinelfs/sentinelfs/internal/storage"
)

// Gateway implements storage.Gateway over a *sql.DB backed by
// modernc.org/sqlite.
type Gateway struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dsn (e.g.
// "file:sentinelfs.db") and applies the schema.
func Open(dsn string) (*Gateway, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", dsn, err)
	}
	// modernc.org/sqlite connections are not safe for concurrent writers;
	// serialize access to match SQLite's own locking model.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite apply schema: %w", err)
	}

	return &Gateway{db: db}, nil
}

// AddFile implements storage.Gateway.AddFile.
func (g *Gateway) AddFile(ctx context.Context, path, hash string, modTime time.Time, size int64) (bool, error) {
	return addFile(ctx, g.db, path, hash, modTime, size)
}

func addFile(ctx context.Context, q querier, path, hash string, modTime time.Time, size int64) (bool, error) {
	var existingHash string
	var existingSize int64
	var synced int
	err := q.QueryRowContext(ctx, `SELECT hash, size, synced FROM files WHERE path = ?`, path).
		Scan(&existingHash, &existingSize, &synced)

	switch {
	case err == sql.ErrNoRows:
		_, err := q.ExecContext(ctx,
			`INSERT INTO files (path, hash, size, mod_time, synced) VALUES (?, ?, ?, ?, 0)`,
			path, hash, size, modTime.Unix())
		if err != nil {
			return false, fmt.Errorf("sqlite add file: insert: %w", err)
		}
		return true, nil

	case err != nil:
		return false, fmt.Errorf("sqlite add file: query: %w", err)

	default:
		if existingHash != hash || existingSize != size {
			synced = 0
		}
		_, err := q.ExecContext(ctx,
			`UPDATE files SET hash = ?, size = ?, mod_time = ?, synced = ? WHERE path = ?`,
			hash, size, modTime.Unix(), synced, path)
		if err != nil {
			return false, fmt.Errorf("sqlite add file: update: %w", err)
		}
		return false, nil
	}
}

// MarkSynced implements storage.Gateway.MarkSynced.
func (g *Gateway) MarkSynced(ctx context.Context, path string, synced bool) error {
	res, err := g.db.ExecContext(ctx, `UPDATE files SET synced = ? WHERE path = ?`, boolToInt(synced), path)
	if err != nil {
		return fmt.Errorf("sqlite mark synced: %w", err)
	}
	return mustAffect(res)
}

// RemoveFile implements storage.Gateway.RemoveFile.
func (g *Gateway) RemoveFile(ctx context.Context, path string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("sqlite remove file: %w", err)
	}
	return nil
}

// FilesIn implements storage.Gateway.FilesIn.
func (g *Gateway) FilesIn(ctx context.Context, root string) ([]storage.FileRecord, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT path, hash, size, mod_time, synced FROM files`)
	if err != nil {
		return nil, fmt.Errorf("sqlite files in: %w", err)
	}
	defer rows.Close()

	var out []storage.FileRecord
	for rows.Next() {
		var rec storage.FileRecord
		var modUnix int64
		var synced int
		if err := rows.Scan(&rec.Path, &rec.Hash, &rec.Size, &modUnix, &synced); err != nil {
			return nil, fmt.Errorf("sqlite files in: scan: %w", err)
		}
		rec.ModTime = time.Unix(modUnix, 0)
		rec.Synced = synced != 0
		if root == "" || hasPathPrefix(rec.Path, root) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

func hasPathPrefix(path, root string) bool {
	if len(path) < len(root) {
		return false
	}
	return path[:len(root)] == root
}

// IgnorePatterns implements storage.Gateway.IgnorePatterns.
func (g *Gateway) IgnorePatterns(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT pattern FROM ignore_patterns`)
	if err != nil {
		return nil, fmt.Errorf("sqlite ignore patterns: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("sqlite ignore patterns: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddPeer implements storage.Gateway.AddPeer.
func (g *Gateway) AddPeer(ctx context.Context, rec storage.PeerRecord) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO peers (id, address, port, status, last_seen, last_rtt_ms, nat_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET address=excluded.address, port=excluded.port,
		   status=excluded.status, last_seen=excluded.last_seen,
		   last_rtt_ms=excluded.last_rtt_ms, nat_type=excluded.nat_type`,
		rec.ID, rec.Address, rec.Port, int(rec.Status), rec.LastSeen.Unix(), rec.LastRTTMs, rec.NATType)
	if err != nil {
		return fmt.Errorf("sqlite add peer: %w", err)
	}
	return nil
}

// RemovePeer implements storage.Gateway.RemovePeer.
func (g *Gateway) RemovePeer(ctx context.Context, id string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite remove peer: %w", err)
	}
	return nil
}

// AllPeers implements storage.Gateway.AllPeers.
func (g *Gateway) AllPeers(ctx context.Context) ([]storage.PeerRecord, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, address, port, status, last_seen, last_rtt_ms, nat_type FROM peers`)
	if err != nil {
		return nil, fmt.Errorf("sqlite all peers: %w", err)
	}
	defer rows.Close()

	var out []storage.PeerRecord
	for rows.Next() {
		var rec storage.PeerRecord
		var status int
		var lastSeen int64
		if err := rows.Scan(&rec.ID, &rec.Address, &rec.Port, &status, &lastSeen, &rec.LastRTTMs, &rec.NATType); err != nil {
			return nil, fmt.Errorf("sqlite all peers: scan: %w", err)
		}
		rec.Status = storage.PeerStatus(status)
		rec.LastSeen = time.Unix(lastSeen, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateLatency implements storage.Gateway.UpdateLatency.
func (g *Gateway) UpdateLatency(ctx context.Context, id string, rttMs float64, seenAt time.Time) error {
	res, err := g.db.ExecContext(ctx,
		`UPDATE peers SET last_rtt_ms = ?, last_seen = ? WHERE id = ?`, rttMs, seenAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("sqlite update latency: %w", err)
	}
	return mustAffect(res)
}

// WithTx implements storage.Gateway.WithTx with a real SQL transaction:
// fn receives a Gateway scoped to the *sql.Tx, and any error rolls it
// back and returns storage.ErrTxFailed-wrapped err.
func (g *Gateway) WithTx(ctx context.Context, fn func(storage.Gateway) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin tx: %w", err)
	}

	txGateway := &txGateway{tx: tx}
	if err := fn(txGateway); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("sqlite rollback: %w (original: %v): %w", rbErr, err, storage.ErrTxFailed)
		}
		return fmt.Errorf("%w: %w", storage.ErrTxFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

// Close implements storage.Gateway.Close.
func (g *Gateway) Close() error { return g.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sentinelfs/sentinelfs/internal/storage"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting addFile (and
// friends, if they grow) run against either a bare connection or a
// transaction without duplicating logic.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txGateway is a storage.Gateway scoped to a single *sql.Tx, handed to the
// fn argument of Gateway.WithTx.
type txGateway struct {
	tx *sql.Tx
}

func (g *txGateway) AddFile(ctx context.Context, path, hash string, modTime time.Time, size int64) (bool, error) {
	return addFile(ctx, g.tx, path, hash, modTime, size)
}

func (g *txGateway) MarkSynced(ctx context.Context, path string, synced bool) error {
	res, err := g.tx.ExecContext(ctx, `UPDATE files SET synced = ? WHERE path = ?`, boolToInt(synced), path)
	if err != nil {
		return fmt.Errorf("sqlite tx mark synced: %w", err)
	}
	return mustAffect(res)
}

func (g *txGateway) RemoveFile(ctx context.Context, path string) error {
	if _, err := g.tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("sqlite tx remove file: %w", err)
	}
	return nil
}

func (g *txGateway) FilesIn(ctx context.Context, root string) ([]storage.FileRecord, error) {
	rows, err := g.tx.QueryContext(ctx, `SELECT path, hash, size, mod_time, synced FROM files`)
	if err != nil {
		return nil, fmt.Errorf("sqlite tx files in: %w", err)
	}
	defer rows.Close()

	var out []storage.FileRecord
	for rows.Next() {
		var rec storage.FileRecord
		var modUnix int64
		var synced int
		if err := rows.Scan(&rec.Path, &rec.Hash, &rec.Size, &modUnix, &synced); err != nil {
			return nil, fmt.Errorf("sqlite tx files in: scan: %w", err)
		}
		rec.ModTime = time.Unix(modUnix, 0)
		rec.Synced = synced != 0
		if root == "" || hasPathPrefix(rec.Path, root) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

func (g *txGateway) IgnorePatterns(ctx context.Context) ([]string, error) {
	rows, err := g.tx.QueryContext(ctx, `SELECT pattern FROM ignore_patterns`)
	if err != nil {
		return nil, fmt.Errorf("sqlite tx ignore patterns: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("sqlite tx ignore patterns: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (g *txGateway) AddPeer(ctx context.Context, rec storage.PeerRecord) error {
	_, err := g.tx.ExecContext(ctx,
		`INSERT INTO peers (id, address, port, status, last_seen, last_rtt_ms, nat_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET address=excluded.address, port=excluded.port,
		   status=excluded.status, last_seen=excluded.last_seen,
		   last_rtt_ms=excluded.last_rtt_ms, nat_type=excluded.nat_type`,
		rec.ID, rec.Address, rec.Port, int(rec.Status), rec.LastSeen.Unix(), rec.LastRTTMs, rec.NATType)
	if err != nil {
		return fmt.Errorf("sqlite tx add peer: %w", err)
	}
	return nil
}

func (g *txGateway) RemovePeer(ctx context.Context, id string) error {
	if _, err := g.tx.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite tx remove peer: %w", err)
	}
	return nil
}

func (g *txGateway) AllPeers(ctx context.Context) ([]storage.PeerRecord, error) {
	rows, err := g.tx.QueryContext(ctx,
		`SELECT id, address, port, status, last_seen, last_rtt_ms, nat_type FROM peers`)
	if err != nil {
		return nil, fmt.Errorf("sqlite tx all peers: %w", err)
	}
	defer rows.Close()

	var out []storage.PeerRecord
	for rows.Next() {
		var rec storage.PeerRecord
		var status int
		var lastSeen int64
		if err := rows.Scan(&rec.ID, &rec.Address, &rec.Port, &status, &lastSeen, &rec.LastRTTMs, &rec.NATType); err != nil {
			return nil, fmt.Errorf("sqlite tx all peers: scan: %w", err)
		}
		rec.Status = storage.PeerStatus(status)
		rec.LastSeen = time.Unix(lastSeen, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (g *txGateway) UpdateLatency(ctx context.Context, id string, rttMs float64, seenAt time.Time) error {
	res, err := g.tx.ExecContext(ctx,
		`UPDATE peers SET last_rtt_ms = ?, last_seen = ? WHERE id = ?`, rttMs, seenAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("sqlite tx update latency: %w", err)
	}
	return mustAffect(res)
}

// WithTx on a txGateway runs fn against the same transaction: nested
// transactions are not supported by database/sql, so this simply reuses
// the current one (already-applied statements are not checkpointed).
func (g *txGateway) WithTx(_ context.Context, fn func(storage.Gateway) error) error {
	return fn(g)
}

func (g *txGateway) Close() error { return nil }

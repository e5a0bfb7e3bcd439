// Package memory implements storage.Gateway with plain maps guarded by a
// mutex. Used by tests and as the default when no DSN is configured.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sentinelfs/sentinelfs/internal/storage"
)

// Gateway is an in-memory storage.Gateway implementation.
type Gateway struct {
	mu       sync.Mutex
	files    map[string]storage.FileRecord
	peers    map[string]storage.PeerRecord
	patterns []string
}

// New creates an empty in-memory Gateway with the given user-configured
// ignore patterns (the built-in default set is applied by the caller, per
// spec.md §4.8).
func New(ignorePatterns []string) *Gateway {
	return &Gateway{
		files:    make(map[string]storage.FileRecord),
		peers:    make(map[string]storage.PeerRecord),
		patterns: append([]string(nil), ignorePatterns...),
	}
}

// AddFile implements storage.Gateway.AddFile with INSERT OR IGNORE +
// UPDATE semantics: a new path starts unsynced; an existing path whose
// (hash, size) is unchanged keeps its synced flag, otherwise it resets.
func (g *Gateway) AddFile(_ context.Context, path, hash string, modTime time.Time, size int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.files[path]
	if !ok {
		g.files[path] = storage.FileRecord{Path: path, Hash: hash, Size: size, ModTime: modTime, Synced: false}
		return true, nil
	}

	synced := existing.Synced
	if existing.Hash != hash || existing.Size != size {
		synced = false
	}
	g.files[path] = storage.FileRecord{Path: path, Hash: hash, Size: size, ModTime: modTime, Synced: synced}
	return false, nil
}

// MarkSynced implements storage.Gateway.MarkSynced.
func (g *Gateway) MarkSynced(_ context.Context, path string, synced bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.files[path]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Synced = synced
	g.files[path] = rec
	return nil
}

// RemoveFile implements storage.Gateway.RemoveFile.
func (g *Gateway) RemoveFile(_ context.Context, path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.files, path)
	return nil
}

// FilesIn implements storage.Gateway.FilesIn.
func (g *Gateway) FilesIn(_ context.Context, root string) ([]storage.FileRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]storage.FileRecord, 0, len(g.files))
	for path, rec := range g.files {
		if root == "" || hasPathPrefix(path, root) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func hasPathPrefix(path, root string) bool {
	if len(path) < len(root) {
		return false
	}
	return path[:len(root)] == root
}

// IgnorePatterns implements storage.Gateway.IgnorePatterns.
func (g *Gateway) IgnorePatterns(_ context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.patterns...), nil
}

// AddPeer implements storage.Gateway.AddPeer.
func (g *Gateway) AddPeer(_ context.Context, rec storage.PeerRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[rec.ID] = rec
	return nil
}

// RemovePeer implements storage.Gateway.RemovePeer.
func (g *Gateway) RemovePeer(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.peers, id)
	return nil
}

// AllPeers implements storage.Gateway.AllPeers.
func (g *Gateway) AllPeers(_ context.Context) ([]storage.PeerRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]storage.PeerRecord, 0, len(g.peers))
	for _, rec := range g.peers {
		out = append(out, rec)
	}
	return out, nil
}

// UpdateLatency implements storage.Gateway.UpdateLatency.
func (g *Gateway) UpdateLatency(_ context.Context, id string, rttMs float64, seenAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.peers[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.LastRTTMs = rttMs
	rec.LastSeen = seenAt
	g.peers[id] = rec
	return nil
}

// WithTx implements storage.Gateway.WithTx. The in-memory gateway snapshots
// its maps before running fn and restores the snapshot if fn returns an
// error, giving rollback semantics without a real transaction log.
func (g *Gateway) WithTx(ctx context.Context, fn func(storage.Gateway) error) error {
	g.mu.Lock()
	filesBackup := make(map[string]storage.FileRecord, len(g.files))
	for k, v := range g.files {
		filesBackup[k] = v
	}
	peersBackup := make(map[string]storage.PeerRecord, len(g.peers))
	for k, v := range g.peers {
		peersBackup[k] = v
	}
	g.mu.Unlock()

	if err := fn(g); err != nil {
		g.mu.Lock()
		g.files = filesBackup
		g.peers = peersBackup
		g.mu.Unlock()
		return fmt.Errorf("%w: %w", storage.ErrTxFailed, err)
	}
	return nil
}

// Close is a no-op for the in-memory gateway.
func (g *Gateway) Close() error { return nil }

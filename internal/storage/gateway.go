// Package storage defines the narrow Storage Gateway interface consumed
// by the Network Façade and the Filesystem Dispatcher, per spec.md §4.10.
// It exposes no SQL (or any other query surface) to its consumers; two
// concrete implementations live in the memory and sqlite subpackages.
//
// Grounded on the teacher's layered single-purpose interface style
// (bfd.AuthKeyStore, bfd.PacketSender — small interfaces consumed by
// larger components) applied to persistence.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Gateway implementations.
var (
	// ErrNotFound indicates the requested file or peer record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrTxFailed indicates a WithTx transaction was rolled back.
	ErrTxFailed = errors.New("storage: transaction failed")
)

// PeerStatus mirrors the spec's Peer Record status enumeration.
type PeerStatus int

const (
	PeerActive PeerStatus = iota
	PeerStale
	PeerDisconnected
)

func (s PeerStatus) String() string {
	switch s {
	case PeerActive:
		return "active"
	case PeerStale:
		return "stale"
	case PeerDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// FileRecord is the storage-backed representation of spec.md §3's File
// Record: absolute path, content hash, size, modification timestamp, and
// whether it has been successfully broadcast to at least one peer.
type FileRecord struct {
	Path    string
	Hash    string
	Size    int64
	ModTime time.Time
	Synced  bool
}

// PeerRecord is the storage-backed representation of spec.md §3's Peer
// Record.
type PeerRecord struct {
	ID        string
	Address   string
	Port      int
	Status    PeerStatus
	LastSeen  time.Time
	LastRTTMs float64
	NATType   string
}

// Gateway is the narrow interface over peer and file tables consumed by
// the Network Façade and the Filesystem Dispatcher. Implementations must
// be safe for concurrent use.
type Gateway interface {
	// AddFile upserts a file record, preserving the synced flag when the
	// (hash, size) pair is unchanged from the stored record, and resetting
	// it to false when the hash differs or the file is new. Returns true
	// if the record was newly created.
	AddFile(ctx context.Context, path, hash string, modTime time.Time, size int64) (created bool, err error)

	// MarkSynced sets the synced flag for path.
	MarkSynced(ctx context.Context, path string, synced bool) error

	// RemoveFile deletes path's record, if any.
	RemoveFile(ctx context.Context, path string) error

	// FilesIn returns every file record whose Path is under root (or every
	// record if root is empty).
	FilesIn(ctx context.Context, root string) ([]FileRecord, error)

	// IgnorePatterns returns the user-configured ignore patterns persisted
	// alongside peer/file state. The built-in default set (spec.md §4.8)
	// is applied by the Filesystem Dispatcher in addition to these.
	IgnorePatterns(ctx context.Context) ([]string, error)

	// AddPeer upserts a peer record.
	AddPeer(ctx context.Context, rec PeerRecord) error
	// RemovePeer deletes peer's record, if any.
	RemovePeer(ctx context.Context, id string) error
	// AllPeers returns every known peer record.
	AllPeers(ctx context.Context) ([]PeerRecord, error)
	// UpdateLatency updates a peer's LastSeen and LastRTTMs fields.
	UpdateLatency(ctx context.Context, id string, rttMs float64, seenAt time.Time) error

	// WithTx runs fn with a Gateway scoped to a single transaction,
	// rolling back (and returning ErrTxFailed-wrapped err) if fn returns
	// an error.
	WithTx(ctx context.Context, fn func(Gateway) error) error

	// Close releases any underlying resources (database handles, etc).
	Close() error
}
